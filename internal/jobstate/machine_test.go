package jobstate

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/coreinit/upstart/internal/catalog"
	"github.com/coreinit/upstart/internal/eventqueue"
	"github.com/coreinit/upstart/internal/instance"
)

// fakeRunner hands out sequential pids and lets the test script exits.
type fakeRunner struct {
	nextPid int
	signals []string
}

func (f *fakeRunner) Spawn(inst *instance.Instance, kind catalog.ProcessKind) (int, error) {
	f.nextPid++
	return f.nextPid, nil
}

func (f *fakeRunner) Signal(pid int, sig string) error { f.signals = append(f.signals, sig); return nil }
func (f *fakeRunner) SignalGroup(pid int, sig string) error {
	f.signals = append(f.signals, sig)
	return nil
}

func newTestMachine() (*Machine, *eventqueue.Queue, *fakeRunner) {
	q := eventqueue.New(hclog.NewNullLogger())
	r := &fakeRunner{}
	m := New(hclog.NewNullLogger(), r, q, context.Background())
	return m, q, r
}

func simpleServiceClass() *catalog.Class {
	return &catalog.Class{
		Name:        "foo",
		Kind:        catalog.Service,
		NormalExit:  map[int]bool{0: true},
		KillTimeout: 5 * time.Second,
		KillSignal:  "SIGTERM",
	}
}

func TestSimpleServiceStartsToRunning(t *testing.T) {
	m, _, _ := newTestMachine()
	class := simpleServiceClass()
	inst := &instance.Instance{Class: class, Pids: map[catalog.ProcessKind]int{}, Blocking: map[string]*eventqueue.Emission{}}

	m.SetGoal(inst, instance.GoalStart)

	if inst.State != instance.Running {
		t.Fatalf("expected Running, got %v", inst.State)
	}
	if _, ok := inst.Pids[catalog.Main]; !ok {
		t.Fatal("expected main pid recorded")
	}
}

func TestStopDeliversSignalAndSettles(t *testing.T) {
	m, _, runner := newTestMachine()
	class := simpleServiceClass()
	inst := &instance.Instance{Class: class, Pids: map[catalog.ProcessKind]int{}, Blocking: map[string]*eventqueue.Emission{}}
	m.SetGoal(inst, instance.GoalStart)

	m.SetGoal(inst, instance.GoalStop)
	if inst.State != instance.Killed {
		t.Fatalf("expected Killed, got %v", inst.State)
	}
	if len(runner.signals) == 0 || runner.signals[len(runner.signals)-1] != "SIGTERM" {
		t.Fatalf("expected SIGTERM delivered, got %v", runner.signals)
	}

	m.ChildExit(inst, catalog.Main, 0, "")
	if inst.State != instance.Waiting {
		t.Fatalf("expected Waiting (no post-stop spec collapses straight through), got %v", inst.State)
	}
}

func TestFullStopCycleReachesWaiting(t *testing.T) {
	m, _, _ := newTestMachine()
	class := simpleServiceClass()
	inst := &instance.Instance{Class: class, Pids: map[catalog.ProcessKind]int{}, Blocking: map[string]*eventqueue.Emission{}}
	m.SetGoal(inst, instance.GoalStart)
	m.SetGoal(inst, instance.GoalStop)
	m.ChildExit(inst, catalog.Main, 0, "")
	if inst.State != instance.Waiting {
		t.Fatalf("expected Waiting, got %v", inst.State)
	}
	if len(inst.Pids) != 0 {
		t.Fatalf("expected empty pid table in Waiting, got %v", inst.Pids)
	}
}

func TestRespawnLimitExhausted(t *testing.T) {
	m, _, _ := newTestMachine()
	class := simpleServiceClass()
	class.Respawn.Enabled = true
	class.Respawn.Limit = 2
	class.Respawn.Window = 5 * time.Second

	inst := &instance.Instance{Class: class, Pids: map[catalog.ProcessKind]int{}, Blocking: map[string]*eventqueue.Emission{}}
	m.SetGoal(inst, instance.GoalStart)

	// Two crashes respawn (pre-start/post-start are empty so the cycle
	// collapses straight back to Running); the third exceeds the limit.
	m.ChildExit(inst, catalog.Main, 1, "")
	if inst.State != instance.Running {
		t.Fatalf("expected respawn to reach Running again, got %v", inst.State)
	}
	m.ChildExit(inst, catalog.Main, 1, "")
	if inst.State != instance.Running {
		t.Fatalf("expected second respawn to reach Running again, got %v", inst.State)
	}
	m.ChildExit(inst, catalog.Main, 1, "")
	if inst.State != instance.Waiting {
		t.Fatalf("expected respawn-limit to settle in Waiting, got %v", inst.State)
	}
	if inst.LastResult != string(ResultRespawnLimit) {
		t.Fatalf("expected respawn-limit result, got %q", inst.LastResult)
	}
}

func TestEventBlockingSettlesOnlyAfterRunning(t *testing.T) {
	m, q, _ := newTestMachine()
	class := simpleServiceClass()
	inst := &instance.Instance{Class: class, Pids: map[catalog.ProcessKind]int{}, Blocking: map[string]*eventqueue.Emission{}}

	e := q.Emit("foo", nil, true)
	popped := q.Pop()
	inst.AddBlocker(popped)

	if popped.Outstanding() == false {
		t.Fatal("expected emission to have an outstanding blocker")
	}

	m.SetGoal(inst, instance.GoalStart)

	select {
	case <-e.Done:
	default:
		t.Fatal("expected emission settled once instance reached Running")
	}
}
