package instance

import (
	"testing"
	"time"

	"github.com/coreinit/upstart/internal/catalog"
)

func TestCreateLookupDestroy(t *testing.T) {
	tbl := New()
	class := &catalog.Class{Name: "foo"}
	inst := tbl.Create(class, "", []string{"A=1"}, time.Now())

	got, ok := tbl.Lookup(inst.Key())
	if !ok || got != inst {
		t.Fatal("expected lookup to find the created instance")
	}
	tbl.Destroy(inst.Key())
	if _, ok := tbl.Lookup(inst.Key()); ok {
		t.Fatal("expected instance gone after destroy")
	}
}

func TestByClassAndByPid(t *testing.T) {
	tbl := New()
	class := &catalog.Class{Name: "foo"}
	a := tbl.Create(class, "a", nil, time.Now())
	tbl.Create(class, "b", nil, time.Now())
	a.Pids[catalog.Main] = 4242

	byClass := tbl.ByClass("foo")
	if len(byClass) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(byClass))
	}
	inst, kind, ok := tbl.ByPid(4242)
	if !ok || inst != a || kind != catalog.Main {
		t.Fatalf("expected ByPid to resolve to instance a, got %+v %v %v", inst, kind, ok)
	}
	if _, _, ok := tbl.ByPid(9999); ok {
		t.Fatal("expected unknown pid to miss")
	}
}

func TestSettledServiceVsTask(t *testing.T) {
	svc := &Instance{Class: &catalog.Class{Kind: catalog.Service}, Goal: GoalStart, State: Running}
	if !svc.Settled() {
		t.Fatal("expected running service settled")
	}
	task := &Instance{Class: &catalog.Class{Kind: catalog.Task}, Goal: GoalStart, State: Running}
	if task.Settled() {
		t.Fatal("expected running task NOT settled")
	}
	task.State = Waiting
	if !task.Settled() {
		t.Fatal("expected waiting task settled")
	}
	stopped := &Instance{Class: &catalog.Class{Kind: catalog.Service}, Goal: GoalStop, State: Waiting}
	if !stopped.Settled() {
		t.Fatal("expected stopped instance in waiting settled")
	}
}
