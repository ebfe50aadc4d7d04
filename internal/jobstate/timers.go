package jobstate

import (
	"context"
	"sync"
	"time"

	"github.com/LK4D4/joincontext"

	"github.com/coreinit/upstart/internal/instance"
)

// TimerKind distinguishes the two timers jobstate ever arms per instance
// (spec.md §5 "Cancellation / timeouts").
type TimerKind int

const (
	// KillTimer fires SIGKILL escalation if the process group hasn't
	// exited within the class's kill timeout.
	KillTimer TimerKind = iota
	// ExpectTimer is the Spawned-state watchdog for expect fork|daemon|stop.
	ExpectTimer
)

func (k TimerKind) String() string {
	if k == KillTimer {
		return "kill"
	}
	return "expect"
}

// Fired is delivered on Timers.C() when an armed timer expires without
// being canceled first.
type Fired struct {
	Key  instance.Key
	Kind TimerKind
}

// Timers arms and cancels the per-instance kill/expect timers. Each armed
// timer watches a context joined (via LK4D4/joincontext) from the
// instance's own stop context and the supervisor's shutdown context, so a
// single select observes either "operator stop" or "supervisor shutting
// down" collapsing the timer early -- mirroring how the teacher threads
// Driver.ctx/signalShutdown through its subsystems. Firing and
// cancellation only ever mutate state through the returned channel, read
// by the single goroutine running internal/supervisor's Run loop.
type Timers struct {
	out chan Fired

	mu     sync.Mutex
	active map[instance.Key]map[TimerKind]context.CancelFunc
}

// NewTimers returns an empty timer set.
func NewTimers() *Timers {
	return &Timers{
		out:    make(chan Fired, 32),
		active: map[instance.Key]map[TimerKind]context.CancelFunc{},
	}
}

// C returns the channel timer expirations are delivered on.
func (t *Timers) C() <-chan Fired { return t.out }

// Arm starts a timer of duration d for (key, kind), canceling any timer of
// the same kind already armed for that instance. stopCtx is the
// instance's own cancellation source (e.g. canceled when the instance is
// destroyed); shutdownCtx is the supervisor-wide shutdown context.
func (t *Timers) Arm(stopCtx, shutdownCtx context.Context, key instance.Key, kind TimerKind, d time.Duration) {
	t.Cancel(key, kind)

	joined, cancel := joincontext.Join(stopCtx, shutdownCtx)
	timer := time.NewTimer(d)

	t.mu.Lock()
	if t.active[key] == nil {
		t.active[key] = map[TimerKind]context.CancelFunc{}
	}
	t.active[key][kind] = cancel
	t.mu.Unlock()

	go func() {
		select {
		case <-timer.C:
			select {
			case t.out <- Fired{Key: key, Kind: kind}:
			case <-joined.Done():
			}
		case <-joined.Done():
			timer.Stop()
		}
		cancel()
	}()
}

// Cancel disarms the named timer for key, if one is currently armed.
func (t *Timers) Cancel(key instance.Key, kind TimerKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.active[key]; ok {
		if cancel, ok := m[kind]; ok {
			cancel()
			delete(m, kind)
		}
		if len(m) == 0 {
			delete(t.active, key)
		}
	}
}

// CancelAll disarms every timer belonging to key, called when an instance
// is destroyed.
func (t *Timers) CancelAll(key instance.Key) {
	t.mu.Lock()
	m := t.active[key]
	delete(t.active, key)
	t.mu.Unlock()
	for _, cancel := range m {
		cancel()
	}
}
