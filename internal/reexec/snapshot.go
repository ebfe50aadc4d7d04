// Package reexec implements the supervisor's re-exec-in-place protocol
// (spec.md §4.8): before calling execve() on its own binary, the running
// supervisor serializes enough state to pick up where it left off --
// without touching a single already-forked child process, which survive
// the parent's exec untouched.
package reexec

import (
	"bytes"
	"fmt"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/ugorji/go/codec"

	"github.com/coreinit/upstart/internal/catalog"
	"github.com/coreinit/upstart/internal/eventqueue"
	"github.com/coreinit/upstart/internal/instance"
)

// SchemaVersion is bumped on any incompatible change to Snapshot's shape.
// A supervisor refuses to resume from a snapshot whose major version
// differs from its own (spec.md §9 forward-compatibility note).
const SchemaVersion = "1.0.0"

// InstanceSnapshot captures one table row's restorable state.
type InstanceSnapshot struct {
	Class    string
	Instance string

	Goal  int
	State int

	Pids map[int]int // catalog.ProcessKind -> pid, still alive across exec

	Env []string

	RespawnCount     int
	RespawnWindowHit int64 // unix nanoseconds, 0 if never hit

	KillDeadline int64 // unix nanoseconds, 0 if no kill timer was armed

	LastExitStatus int
	LastExitSignal string
	LastResult     string

	CreatedAt int64
}

// EmissionSnapshot captures one still-pending (not yet popped) event. Only
// name/env survive; a waiting RPC caller's Done channel cannot be
// reconstructed across a process image change, so EmitEvent(wait=true)
// callers that are still blocked at re-exec time see their wait abandoned
// -- a documented, accepted limitation (see DESIGN.md).
type EmissionSnapshot struct {
	Name string
	Env  []string
}

// Snapshot is the complete re-exec payload.
type Snapshot struct {
	SchemaVersion string
	Generation    int

	PID1    bool
	BusAddr string

	Global []string

	// Classes maps each class name to the content hash it had at
	// snapshot time, letting the resumed supervisor warn if the
	// on-disk catalog has drifted since (it always reloads the catalog
	// from disk rather than trusting a serialized copy of it).
	Classes map[string]uint64

	Instances []InstanceSnapshot
	Queue     []EmissionSnapshot
}

func bincHandle() *codec.BincHandle {
	h := &codec.BincHandle{}
	h.Canonical = true
	return h
}

// Encode serializes snap with ugorji/go/codec's binc handle, the same
// tagged-field, explicit-length binary format the teacher's own
// transitive dependency closure already carries.
func Encode(snap *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, bincHandle())
	if err := enc.Encode(snap); err != nil {
		return nil, fmt.Errorf("reexec: encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a snapshot previously produced by Encode, verifying the
// schema version's major component matches SchemaVersion before trusting
// the payload.
func Decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	dec := codec.NewDecoderBytes(data, bincHandle())
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("reexec: decode snapshot: %w", err)
	}
	if err := checkCompatible(snap.SchemaVersion); err != nil {
		return nil, err
	}
	return &snap, nil
}

func checkCompatible(snapVersion string) error {
	want, err := version.NewVersion(SchemaVersion)
	if err != nil {
		return fmt.Errorf("reexec: internal schema version %q invalid: %w", SchemaVersion, err)
	}
	got, err := version.NewVersion(snapVersion)
	if err != nil {
		return fmt.Errorf("reexec: snapshot schema version %q unparseable: %w", snapVersion, err)
	}
	if got.Segments()[0] != want.Segments()[0] {
		return fmt.Errorf("reexec: snapshot schema v%s incompatible with running v%s", got, want)
	}
	return nil
}

// CaptureInstance converts a live instance into its serializable form.
func CaptureInstance(inst *instance.Instance) InstanceSnapshot {
	pids := make(map[int]int, len(inst.Pids))
	for kind, pid := range inst.Pids {
		pids[int(kind)] = pid
	}
	var windowHit int64
	if !inst.Respawn.WindowHit.IsZero() {
		windowHit = inst.Respawn.WindowHit.UnixNano()
	}
	var killDeadline int64
	if !inst.KillDeadline.IsZero() {
		killDeadline = inst.KillDeadline.UnixNano()
	}
	return InstanceSnapshot{
		Class:            inst.Class.Name,
		Instance:         inst.Name,
		Goal:             int(inst.Goal),
		State:            int(inst.State),
		Pids:             pids,
		Env:              append([]string(nil), inst.Env...),
		RespawnCount:     inst.Respawn.Count,
		RespawnWindowHit: windowHit,
		KillDeadline:     killDeadline,
		LastExitStatus:   inst.LastExitStatus,
		LastExitSignal:   inst.LastExitSignal,
		LastResult:       inst.LastResult,
		CreatedAt:        inst.CreatedAt.UnixNano(),
	}
}

// Restore rebuilds an *instance.Instance from its snapshot against class,
// which the caller must have already looked up in the freshly-reloaded
// catalog (a snapshot never carries class definitions, only their
// identity and last-known hash).
func Restore(snap InstanceSnapshot, class *catalog.Class) *instance.Instance {
	inst := &instance.Instance{
		Class:          class,
		Name:           snap.Instance,
		Goal:           instance.Goal(snap.Goal),
		State:          instance.State(snap.State),
		Pids:           map[catalog.ProcessKind]int{},
		Blocking:       map[string]*eventqueue.Emission{}, // blockers cannot survive a re-exec, see Snapshot doc
		Env:            append([]string(nil), snap.Env...),
		LastExitStatus: snap.LastExitStatus,
		LastExitSignal: snap.LastExitSignal,
		LastResult:     snap.LastResult,
		CreatedAt:      time.Unix(0, snap.CreatedAt),
	}
	for kind, pid := range snap.Pids {
		inst.Pids[catalog.ProcessKind(kind)] = pid
	}
	inst.Respawn.Count = snap.RespawnCount
	if snap.RespawnWindowHit != 0 {
		inst.Respawn.WindowHit = time.Unix(0, snap.RespawnWindowHit)
	}
	if snap.KillDeadline != 0 {
		inst.KillDeadline = time.Unix(0, snap.KillDeadline)
	}
	return inst
}
