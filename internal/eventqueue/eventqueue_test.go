package eventqueue

import (
	"testing"

	"github.com/hashicorp/go-hclog"
)

func TestPopMarksHandlingAndMovesToActive(t *testing.T) {
	q := New(hclog.NewNullLogger())
	q.Emit("foo", nil, false)
	if q.Len() != 1 {
		t.Fatalf("expected 1 pending, got %d", q.Len())
	}
	e := q.Pop()
	if e == nil || e.Progress != Handling {
		t.Fatalf("expected popped emission Handling, got %+v", e)
	}
	if q.Len() != 0 {
		t.Fatalf("expected 0 pending after pop, got %d", q.Len())
	}
	active := q.Active()
	if len(active) != 1 || active[0] != e {
		t.Fatalf("expected e in active set, got %v", active)
	}
}

func TestSettleRequiresNoOutstandingBlockers(t *testing.T) {
	q := New(hclog.NewNullLogger())
	q.Emit("foo", nil, true)
	e := q.Pop()
	b := Blocker{Class: "bar", Instance: ""}
	e.AddBlocker(b)

	q.Settle(e)
	if e.Progress != Handling {
		t.Fatalf("expected still Handling with outstanding blocker, got %v", e.Progress)
	}
	select {
	case <-e.Done:
		t.Fatal("Done should not be closed yet")
	default:
	}

	e.SettleBlocker(b, false)
	q.Settle(e)
	if e.Progress != Finished {
		t.Fatalf("expected Finished, got %v", e.Progress)
	}
	select {
	case <-e.Done:
	default:
		t.Fatal("expected Done closed")
	}
	if len(q.Active()) != 0 {
		t.Fatal("expected active set empty after settle")
	}
}

func TestSettleBlockerFailurePropagates(t *testing.T) {
	q := New(hclog.NewNullLogger())
	q.Emit("foo", nil, true)
	e := q.Pop()
	b := Blocker{Class: "task1", Instance: ""}
	e.AddBlocker(b)

	e.SettleBlocker(b, true)
	q.Settle(e)
	if e.Progress != Failed {
		t.Fatalf("expected Failed, got %v", e.Progress)
	}
}

func TestEmitSyntheticNeverWaits(t *testing.T) {
	q := New(hclog.NewNullLogger())
	e := q.EmitSynthetic("starting", []string{"JOB=foo"})
	if e.Wait {
		t.Fatal("synthetic events must not set wait=true")
	}
}

func TestMultipleActiveEmissionsFromNestedSynthesis(t *testing.T) {
	q := New(hclog.NewNullLogger())
	q.Emit("foo", nil, true)
	e1 := q.Pop()
	e1.AddBlocker(Blocker{Class: "x"})

	q.EmitSynthetic("starting", []string{"JOB=x"})
	e2 := q.Pop()

	if len(q.Active()) != 2 {
		t.Fatalf("expected both emissions active, got %d", len(q.Active()))
	}
	q.Settle(e2)
	if len(q.Active()) != 1 {
		t.Fatalf("expected e1 still active after e2 settles, got %d", len(q.Active()))
	}
	e1.SettleBlocker(Blocker{Class: "x"}, false)
	q.Settle(e1)
	if len(q.Active()) != 0 {
		t.Fatal("expected both settled")
	}
}
