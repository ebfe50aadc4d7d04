package expr

import "testing"

func TestParseAndFeedSimple(t *testing.T) {
	x, err := Parse("starting foo")
	if err != nil {
		t.Fatal(err)
	}
	if x.Satisfied() {
		t.Fatal("should not be satisfied before any emission")
	}
	if !x.Feed(Emission{Name: "starting", Env: []string{"JOB=foo"}}) {
		t.Fatal("expected match")
	}
	if !x.Satisfied() {
		t.Fatal("expected satisfied after feed")
	}
}

func TestAndRequiresBoth(t *testing.T) {
	x, err := Parse("foo and bar")
	if err != nil {
		t.Fatal(err)
	}
	if x.Feed(Emission{Name: "foo"}) {
		t.Fatal("and should not fire on one operand")
	}
	if !x.Feed(Emission{Name: "bar"}) {
		t.Fatal("and should fire once both operands matched")
	}
}

func TestStickyAcrossSeparateEmissions(t *testing.T) {
	// "A and B" must still fire even if A and B are emitted in separate
	// Feed calls, because operand matches are sticky within a cycle.
	x, _ := Parse("a and b")
	x.Feed(Emission{Name: "a"})
	if x.Satisfied() {
		t.Fatal("should not be satisfied yet")
	}
	if !x.Feed(Emission{Name: "b"}) {
		t.Fatal("expected satisfaction once b arrives")
	}
	x.Reset()
	if x.Satisfied() {
		t.Fatal("reset should clear stickiness")
	}
}

func TestOrShortCircuitCauses(t *testing.T) {
	x, _ := Parse("a or b")
	x.Feed(Emission{Name: "a", Env: []string{"X=1"}, ID: "e1"})
	x.Feed(Emission{Name: "b", Env: []string{"X=2"}, ID: "e2"})
	causes := x.Causes()
	if len(causes) != 1 || causes[0].ID != "e1" {
		t.Fatalf("expected short-circuited cause e1, got %+v", causes)
	}
}

func TestGlobMatcher(t *testing.T) {
	x, err := Parse("device-added KERNEL=sd*")
	if err != nil {
		t.Fatal(err)
	}
	if x.Feed(Emission{Name: "device-added", Env: []string{"KERNEL=eth0"}}) {
		t.Fatal("should not match non-glob-matching value")
	}
	if !x.Feed(Emission{Name: "device-added", Env: []string{"KERNEL=sda1"}}) {
		t.Fatal("expected glob match")
	}
}

func TestTriggerEnvFirstOccurrenceWins(t *testing.T) {
	causes := []Emission{
		{Env: []string{"A=1", "B=2"}},
		{Env: []string{"A=overridden", "C=3"}},
	}
	env := TriggerEnv(causes)
	got := map[string]string{}
	for _, kv := range env {
		i := indexEq(kv)
		got[kv[:i]] = kv[i+1:]
	}
	if got["A"] != "1" || got["B"] != "2" || got["C"] != "3" {
		t.Fatalf("unexpected trigger env: %v", got)
	}
}

func indexEq(s string) int {
	for i, r := range s {
		if r == '=' {
			return i
		}
	}
	return -1
}

func TestParenthesizedGrouping(t *testing.T) {
	x, err := Parse("(a and b) or c")
	if err != nil {
		t.Fatal(err)
	}
	if !x.Feed(Emission{Name: "c"}) {
		t.Fatal("expected or branch to satisfy via c alone")
	}
}

func TestOperandsForReachability(t *testing.T) {
	x, _ := Parse("starting y and wibble")
	ops := x.Operands()
	if len(ops) != 2 {
		t.Fatalf("expected 2 operands, got %d", len(ops))
	}
}
