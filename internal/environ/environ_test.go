package environ

import "testing"

func TestSetGetUnset(t *testing.T) {
	e := New(nil)
	e.Set("FOO", "bar", false)
	v, ok := e.Get("FOO")
	if !ok || v != "bar" {
		t.Fatalf("expected FOO=bar, got %q ok=%v", v, ok)
	}
	e.Unset("FOO")
	if _, ok := e.Get("FOO"); ok {
		t.Fatal("expected FOO to be gone")
	}
}

func TestRetainLeavesExistingUnchanged(t *testing.T) {
	e := New(nil)
	e.Set("FOO", "first", false)
	e.Set("FOO", "second", true)
	v, _ := e.Get("FOO")
	if v != "first" {
		t.Fatalf("retain should have kept first value, got %q", v)
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	e := New(map[string]string{"A": "1"})
	e.Set("B", "2", false)
	e.Unset("A")
	e.Reset()
	if v, ok := e.Get("A"); !ok || v != "1" {
		t.Fatalf("expected A restored, got %q ok=%v", v, ok)
	}
	if _, ok := e.Get("B"); ok {
		t.Fatal("expected B gone after reset")
	}
}

func TestListSortedAscending(t *testing.T) {
	e := New(nil)
	e.Reset()
	e.Set("ZEBRA", "1", false)
	e.Set("APPLE", "2", false)
	list := e.List()
	// every entry, PATH and TERM included, should be in ascending order
	prev := ""
	for _, kv := range list {
		if prev != "" && kv < prev {
			t.Fatalf("list not sorted: %v", list)
		}
		prev = kv
	}
}

func TestPathTermDefaults(t *testing.T) {
	e := New(nil)
	if _, ok := e.Get("PATH"); !ok {
		t.Fatal("expected PATH default")
	}
	if _, ok := e.Get("TERM"); !ok {
		t.Fatal("expected TERM default")
	}
}
