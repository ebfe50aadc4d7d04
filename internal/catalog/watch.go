package catalog

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// Watch watches the catalog's configured directories for .conf changes and
// calls Reload after a short debounce window, so a burst of writes (e.g. an
// rsync of many files) triggers one reload instead of one per file. It
// blocks until stop is closed or the watcher itself fails unrecoverably.
// Each successful reload's changes are pushed to onReload; parse errors are
// only logged, never surfaced to the caller, matching LoadAll's own
// per-file tolerance.
func (c *Catalog) Watch(stop <-chan struct{}, debounce time.Duration, onReload func([]Change)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	for _, dir := range c.dirs {
		if err := w.Add(dir); err != nil {
			c.log.Warn("cannot watch job directory", "dir", dir, "error", err)
		}
	}

	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	resetTimer := func() {
		if timer == nil {
			timer = time.NewTimer(debounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounce)
		}
		timerC = timer.C
	}

	for {
		select {
		case <-stop:
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				resetTimer()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("job directory watch error", "error", err)
		case <-timerC:
			changes, parseErrs, err := c.Reload()
			if err != nil {
				c.log.Error("catalog reload failed", "error", err)
				continue
			}
			for _, pe := range parseErrs {
				c.log.Warn("job definition error", "subject", pe.Subject, "kind", pe.Kind, "error", pe.Err)
			}
			if len(changes) > 0 && onReload != nil {
				onReload(changes)
			}
		}
	}
}
