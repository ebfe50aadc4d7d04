package reexec

import (
	"testing"

	"github.com/coreinit/upstart/internal/catalog"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	snap := &Snapshot{
		SchemaVersion: SchemaVersion,
		Generation:    3,
		PID1:          true,
		BusAddr:       "unix:path=/tmp/bus",
		Global:        []string{"PATH=/bin", "TERM=linux"},
		Classes:       map[string]uint64{"foo": 123},
		Instances: []InstanceSnapshot{
			{Class: "foo", Instance: "", Goal: 1, State: 5, Pids: map[int]int{1: 4242}, Env: []string{"A=b"}},
		},
		Queue: []EmissionSnapshot{{Name: "net-device-up", Env: []string{"INTERFACE=eth0"}}},
	}

	data, err := Encode(snap)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Generation != 3 || got.BusAddr != snap.BusAddr {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Instances) != 1 || got.Instances[0].Pids[1] != 4242 {
		t.Fatalf("instance round trip mismatch: %+v", got.Instances)
	}
	if len(got.Queue) != 1 || got.Queue[0].Name != "net-device-up" {
		t.Fatalf("queue round trip mismatch: %+v", got.Queue)
	}
}

func TestDecodeRejectsIncompatibleSchema(t *testing.T) {
	snap := &Snapshot{SchemaVersion: "99.0.0"}
	data, err := Encode(snap)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(data); err == nil {
		t.Fatal("expected incompatible schema version to be rejected")
	}
}

func TestRestoreRebuildsInstance(t *testing.T) {
	class := &catalog.Class{Name: "foo"}
	is := InstanceSnapshot{
		Class: "foo", Instance: "bar",
		Goal: 1, State: 5,
		Pids:           map[int]int{int(catalog.Main): 99},
		Env:            []string{"A=b"},
		LastExitStatus: 0,
	}
	inst := Restore(is, class)
	if inst.Name != "bar" || inst.Pids[catalog.Main] != 99 {
		t.Fatalf("unexpected restored instance: %+v", inst)
	}
}
