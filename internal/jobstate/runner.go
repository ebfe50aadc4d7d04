package jobstate

import (
	"github.com/coreinit/upstart/internal/catalog"
	"github.com/coreinit/upstart/internal/instance"
)

// Runner is the process-supervisor seam the state machine forks through.
// internal/procsup implements it against real fork/exec; tests implement a
// fake to drive the automaton without touching any real process.
type Runner interface {
	// Spawn starts inst's process of the given kind and returns its pid.
	Spawn(inst *instance.Instance, kind catalog.ProcessKind) (pid int, err error)
	// Signal sends sig to a single pid.
	Signal(pid int, sig string) error
	// SignalGroup sends sig to pid's entire process group, used for the
	// stop-time kill discipline (spec.md §4.5 "Kill discipline").
	SignalGroup(pid int, sig string) error
}
