// Package eventqueue implements the supervisor's FIFO of pending event
// emissions, with the blocking-emitter semantics spec.md §4.3 describes:
// emissions are popped one at a time (one still waiting on blockers stays
// "handling" while later ones are popped), and an emitter that asked to
// wait only unblocks once every instance transition the emission caused
// has settled.
package eventqueue

import (
	"container/list"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
)

// Progress is an emission's lifecycle stage.
type Progress int

const (
	Pending Progress = iota
	Handling
	Finished
	Failed
)

func (p Progress) String() string {
	switch p {
	case Pending:
		return "pending"
	case Handling:
		return "handling"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Blocker is one instance transition an emission is waiting to settle,
// identified the way internal/instance keys its table: class name plus
// instance name (empty for singletons).
type Blocker struct {
	Class    string
	Instance string
}

// Emission is one event on the queue: a name, an ordered KEY=VALUE
// environment, whether the emitter wants to block until settled, and the
// bookkeeping the queue itself needs to track completion.
type Emission struct {
	ID       string
	Name     string
	Env      []string
	Wait     bool
	Progress Progress

	blockers map[Blocker]bool

	// Done, if non-nil, is closed exactly once when Progress reaches a
	// terminal value (Finished or Failed); RPC handlers implementing
	// EmitEvent's wait=true contract select on it.
	Done chan struct{}
}

func newEmission(name string, env []string, wait bool) *Emission {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = name // fall back to a non-unique but deterministic id
	}
	return &Emission{
		ID:       id,
		Name:     name,
		Env:      env,
		Wait:     wait,
		Progress: Pending,
		blockers: map[Blocker]bool{},
		Done:     make(chan struct{}),
	}
}

// AddBlocker registers b as something this emission's completion awaits.
// No-op once the emission has already reached a terminal progress.
func (e *Emission) AddBlocker(b Blocker) {
	if e.Progress == Finished || e.Progress == Failed {
		return
	}
	e.blockers[b] = true
}

// SettleBlocker removes b from the blocker set; when failed is true the
// emission's progress becomes Failed (propagating a task's non-zero exit,
// per spec.md §4.3 step 6). It is a no-op if b was not registered.
func (e *Emission) SettleBlocker(b Blocker, failed bool) {
	if _, ok := e.blockers[b]; !ok {
		return
	}
	delete(e.blockers, b)
	if failed {
		e.Progress = Failed
	}
}

// Outstanding reports whether any blocker remains unsettled.
func (e *Emission) Outstanding() bool { return len(e.blockers) > 0 }

// Queue is the FIFO of pending/handling emissions. Callers drive it with
// Pop/Settle from the main loop; an emission still waiting on blockers
// stays Handling while later ones are popped, so more than one can be
// Handling at once.
type Queue struct {
	log hclog.Logger

	mu      sync.Mutex
	pending *list.List // of *Emission, not yet popped
	active  *list.List // of *Emission, progress in {Handling}, may hold >1 when nested synthesis appended while one is waiting on blockers
}

// New returns an empty Queue.
func New(log hclog.Logger) *Queue {
	return &Queue{
		log:     log.Named("eventqueue"),
		pending: list.New(),
		active:  list.New(),
	}
}

// Emit enqueues a new emission and returns it; the caller owns waiting on
// Done if wait is true.
func (q *Queue) Emit(name string, env []string, wait bool) *Emission {
	e := newEmission(name, env, wait)
	q.mu.Lock()
	q.pending.PushBack(e)
	q.mu.Unlock()
	return e
}

// EmitSynthetic enqueues a progress event (starting/started/stopping/
// stopped/runlevel) with wait=false, per spec.md §4.3 step 7: synthetic
// events never introduce back-pressure onto whatever caused them.
func (q *Queue) EmitSynthetic(name string, env []string) *Emission {
	return q.Emit(name, env, false)
}

// Pop removes and returns the head pending emission, marking it Handling
// and moving it onto the active list; returns nil if the queue is empty.
func (q *Queue) Pop() *Emission {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.pending.Front()
	if front == nil {
		return nil
	}
	q.pending.Remove(front)
	e := front.Value.(*Emission)
	e.Progress = Handling
	q.active.PushBack(e)
	return e
}

// Active returns every emission currently Handling, the "currently active
// emission set" spec.md §4.3 step 2 evaluates expressions against.
func (q *Queue) Active() []*Emission {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Emission, 0, q.active.Len())
	for el := q.active.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Emission))
	}
	return out
}

// Settle marks e Finished (unless its progress has already been driven to
// Failed by a blocker) when it has no outstanding blockers, removing it
// from the active set and closing Done. It is a no-op if blockers remain.
func (q *Queue) Settle(e *Emission) {
	if e.Outstanding() {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.Progress == Handling {
		e.Progress = Finished
	}
	for el := q.active.Front(); el != nil; el = el.Next() {
		if el.Value.(*Emission) == e {
			q.active.Remove(el)
			break
		}
	}
	select {
	case <-e.Done:
	default:
		close(e.Done)
	}
}

// Pending returns a snapshot of every emission still waiting to be popped,
// oldest first, without removing them (ADDED, used by internal/reexec to
// capture in-flight events across a re-exec).
func (q *Queue) Pending() []*Emission {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Emission, 0, q.pending.Len())
	for el := q.pending.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Emission))
	}
	return out
}

// Len returns the number of emissions still pending (not yet popped).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}
