package busapi

import "github.com/coreinit/upstart/internal/supervisor"

// Hooks adapts a Bridge to supervisor.Hooks, so Bind's caller can do
// sup.SetHooks(busapi.Hooks(bridge)) and have every catalog/event signal
// reach both D-Bus subscribers and in-process eventer subscribers.
func Hooks(b *Bridge) supervisor.Hooks {
	return supervisor.Hooks{
		JobAdded:     b.JobAdded,
		JobRemoved:   b.JobRemoved,
		EventEmitted: b.EventEmitted,
		Restarted:    b.Restarted,
	}
}
