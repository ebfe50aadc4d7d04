// Package environ implements the process-wide global job environment: an
// insertion-ordered string map with retain-on-set and reset-to-defaults
// semantics, passed by explicit reference rather than kept as a package
// global so the state machine stays unit-testable (spec.md §9, "Global
// mutable state").
package environ

import (
	"sort"
	"sync"
)

// Environ is the process-wide environment table. The zero value is not
// usable; construct with New.
type Environ struct {
	mu       sync.RWMutex
	order    []string          // insertion order of keys
	values   map[string]string
	defaults map[string]string // snapshot to restore on Reset
}

// New returns an Environ seeded with defaults, which also becomes the
// baseline Reset restores. PATH and TERM are guaranteed present even if
// defaults omits them (spec.md §9, "PATH/TERM defaults").
func New(defaults map[string]string) *Environ {
	e := &Environ{values: make(map[string]string)}
	seed := make(map[string]string, len(defaults)+2)
	for k, v := range defaults {
		seed[k] = v
	}
	if _, ok := seed["PATH"]; !ok {
		seed["PATH"] = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}
	if _, ok := seed["TERM"]; !ok {
		seed["TERM"] = "linux"
	}
	e.defaults = seed
	for _, k := range sortedKeys(seed) {
		e.setLocked(k, seed[k], true)
	}
	return e
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value of key and whether it is set.
func (e *Environ) Get(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[key]
	return v, ok
}

// Set assigns key=value. If retain is true and key already exists, the
// existing value is left unchanged (insert-only semantics, "--retain").
func (e *Environ) Set(key, value string, retain bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setLocked(key, value, retain)
}

func (e *Environ) setLocked(key, value string, retain bool) {
	if _, exists := e.values[key]; exists {
		if retain {
			return
		}
		e.values[key] = value
		return
	}
	e.values[key] = value
	e.order = append(e.order, key)
}

// Unset removes key. A no-op if key was never set.
func (e *Environ) Unset(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.values[key]; !ok {
		return
	}
	delete(e.values, key)
	for i, k := range e.order {
		if k == key {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Reset restores the environment to exactly the defaults New was
// constructed with.
func (e *Environ) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values = make(map[string]string)
	e.order = nil
	for _, k := range sortedKeys(e.defaults) {
		e.setLocked(k, e.defaults[k], true)
	}
}

// List returns "KEY=VALUE" pairs in ascending lexicographic key order, the
// order the control surface's ListEnv operation promises (spec.md §8).
func (e *Environ) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]string, len(e.order))
	copy(keys, e.order)
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.values[k])
	}
	return out
}

// Snapshot returns a defensive copy of every KEY=VALUE pair, in insertion
// order — the form the process supervisor composes a child's environment
// from (spec.md §4.6).
func (e *Environ) Snapshot() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.order))
	for _, k := range e.order {
		out = append(out, k+"="+e.values[k])
	}
	return out
}
