// Package instance owns the table of live job instances, keyed by
// (class, instance-name), per spec.md §4.4. Creation and destruction are
// gated by the owning class (never destroyed while the class still needs
// it) and by the state machine reaching a terminal, blocker-free waiting
// state.
package instance

import (
	"fmt"
	"sync"
	"time"

	"github.com/coreinit/upstart/internal/catalog"
	"github.com/coreinit/upstart/internal/eventqueue"
)

// Goal is what the supervisor wants an instance to be doing.
type Goal int

const (
	GoalStop Goal = iota
	GoalStart
)

func (g Goal) String() string {
	if g == GoalStart {
		return "start"
	}
	return "stop"
}

// State is one of the automaton's ten states (spec.md §4.5).
type State int

const (
	Waiting State = iota
	Starting
	PreStart
	Spawned
	PostStart
	Running
	PreStop
	Stopping
	Killed
	PostStop
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Starting:
		return "starting"
	case PreStart:
		return "pre-start"
	case Spawned:
		return "spawned"
	case PostStart:
		return "post-start"
	case Running:
		return "running"
	case PreStop:
		return "pre-stop"
	case Stopping:
		return "stopping"
	case Killed:
		return "killed"
	case PostStop:
		return "post-stop"
	default:
		return "unknown"
	}
}

// Respawn tracks the (count, first-hit timestamp) pair spec.md §4.5/§8
// invariant 7 describes: at most N respawns within a window of T seconds
// that opens at the first counted exit and starts over once T has passed.
type Respawn struct {
	Count     int
	WindowHit time.Time
}

// Key identifies a row of the instance table.
type Key struct {
	Class    string
	Instance string
}

func (k Key) String() string {
	if k.Instance == "" {
		return k.Class
	}
	return fmt.Sprintf("%s (%s)", k.Class, k.Instance)
}

// Instance is one job instance: a non-owning reference to its class plus
// everything spec.md §3 "Job instance" lists.
type Instance struct {
	Class *catalog.Class
	Name  string // instance name; empty for singletons

	Goal  Goal
	State State

	Pids map[catalog.ProcessKind]int // live pid per process kind

	// Blocking is the set of emissions currently waiting on this
	// instance's settle (spec.md §3 "blocking set"); internal/jobstate
	// calls eventqueue.Queue.Settle for each as the instance reaches
	// Settled().
	Blocking map[string]*eventqueue.Emission

	Env []string // snapshot taken at creation (trigger env + composed env)

	Respawn Respawn

	// KillDeadline is when the kill timer armed on entering Killed fires
	// SIGKILL escalation; the timer is owned by internal/jobstate, the
	// deadline is stored here so re-exec can serialize it.
	KillDeadline time.Time

	LastExitStatus int
	LastExitSignal string
	// LastResult is the RESULT= value (ok|failed|respawn|respawn-limit)
	// the most recent "stopped" synthetic event carried; jobstate.Result
	// values are assigned here as plain strings to avoid an import cycle.
	LastResult string

	CreatedAt time.Time
}

func (i *Instance) Key() Key { return Key{Class: i.Class.Name, Instance: i.Name} }

// Settled reports whether the instance has reached the state its current
// goal considers "done": running for a started service, waiting for a
// stopped instance or for a task that ran to completion (spec.md §4.3
// step 6: "settled" for a task is waiting with a successful exit, not
// running).
func (i *Instance) Settled() bool {
	switch i.Goal {
	case GoalStart:
		if i.Class.Kind == catalog.Task {
			return i.State == Waiting
		}
		return i.State == Running
	default:
		return i.State == Waiting
	}
}

// AddBlocker registers e as waiting on this instance's settle, recording
// the link in both directions.
func (i *Instance) AddBlocker(e *eventqueue.Emission) {
	i.Blocking[e.ID] = e
	e.AddBlocker(eventqueue.Blocker{Class: i.Class.Name, Instance: i.Name})
}

// SettleBlockers notifies every emission blocking on this instance that it
// has settled (or, if failed is true, that the task it was waiting on
// exited non-zero while pending), then forgets them.
func (i *Instance) SettleBlockers(q *eventqueue.Queue, failed bool) {
	b := eventqueue.Blocker{Class: i.Class.Name, Instance: i.Name}
	for id, e := range i.Blocking {
		e.SettleBlocker(b, failed)
		q.Settle(e)
		delete(i.Blocking, id)
	}
}

// Table is the process-wide map of live instances. Table itself never
// evaluates expressions or forks anything; internal/jobstate drives state
// transitions and calls Table's Create/Destroy as instances come and go.
type Table struct {
	mu   sync.Mutex
	rows map[Key]*Instance
}

// New returns an empty instance table.
func New() *Table {
	return &Table{rows: map[Key]*Instance{}}
}

// Lookup returns the instance for key, if any.
func (t *Table) Lookup(k Key) (*Instance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.rows[k]
	return i, ok
}

// Create registers a new instance for (class, name) with the given
// trigger environment as its initial snapshot, in Waiting with goal=stop;
// the caller then sets goal=start through internal/jobstate. It is the
// caller's responsibility (internal/eventqueue step 3) to have already
// checked that no live instance exists for a non-singleton, or that a
// singleton is in Waiting.
func (t *Table) Create(class *catalog.Class, name string, env []string, now time.Time) *Instance {
	inst := &Instance{
		Class:     class,
		Name:      name,
		Goal:      GoalStop,
		State:     Waiting,
		Pids:      map[catalog.ProcessKind]int{},
		Blocking:  map[string]*eventqueue.Emission{},
		Env:       append([]string(nil), env...),
		CreatedAt: now,
	}
	t.mu.Lock()
	t.rows[inst.Key()] = inst
	t.mu.Unlock()
	return inst
}

// Adopt inserts inst directly into the table under its own Key, overriding
// whatever fields Create would otherwise force (ADDED, used by
// internal/reexec to restore a previously-running instance's exact goal,
// state, and pid table across a re-exec).
func (t *Table) Adopt(inst *Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[inst.Key()] = inst
}

// Destroy removes an instance from the table. Callers must only do so once
// the instance has returned to Waiting with goal=stop and no outstanding
// blockers (spec.md §3 instance lifecycle).
func (t *Table) Destroy(k Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, k)
}

// ByClass returns every live instance of the named class, in no
// particular order; used for GetAllInstances and for stop-on fan-out.
func (t *Table) ByClass(className string) []*Instance {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Instance
	for k, inst := range t.rows {
		if k.Class == className {
			out = append(out, inst)
		}
	}
	return out
}

// All returns every live instance.
func (t *Table) All() []*Instance {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Instance, 0, len(t.rows))
	for _, inst := range t.rows {
		out = append(out, inst)
	}
	return out
}

// ByPid finds the instance currently owning pid, and which process kind it
// is, for routing an asynchronous child-exit notification (spec.md §4.6:
// "an exit for an unknown pid is logged and ignored" — ok is false then).
func (t *Table) ByPid(pid int) (inst *Instance, kind catalog.ProcessKind, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range t.rows {
		for k, p := range row.Pids {
			if p == pid {
				return row, k, true
			}
		}
	}
	return nil, 0, false
}
