package reexec

import (
	"strings"

	"github.com/coreinit/upstart/internal/supervisor"
)

// Capture snapshots everything Resume needs to rebuild sup's running state
// after an execve(), pulling directly from the supervisor's live
// subsystems rather than duplicating any bookkeeping of its own.
func Capture(sup *supervisor.Supervisor) *Snapshot {
	sess := sup.Session()

	classes := map[string]uint64{}
	for _, cl := range sup.Catalog().All() {
		classes[cl.Name] = cl.Hash
	}

	var instances []InstanceSnapshot
	for _, inst := range sup.Table().All() {
		instances = append(instances, CaptureInstance(inst))
	}

	var queue []EmissionSnapshot
	for _, e := range sup.Queue().Pending() {
		queue = append(queue, EmissionSnapshot{Name: e.Name, Env: e.Env})
	}

	return &Snapshot{
		SchemaVersion: SchemaVersion,
		Generation:    sess.Generation(),
		PID1:          sess.PID1,
		BusAddr:       sess.BusAddr,
		Global:        sup.Environ().Snapshot(),
		Classes:       classes,
		Instances:     instances,
		Queue:         queue,
	}
}

// Resume rehydrates sup (which must already have LoadCatalog'd its
// on-disk job definitions) with everything snap carried: global
// environment, the instance table, and still-pending events. A class a
// snapshot instance refers to but that the reloaded catalog no longer
// has is logged and skipped -- its process, if still alive, keeps running
// unsupervised until an operator notices via `status`, the same
// degrade-gracefully posture spec.md §9 takes for a vanished definition.
func Resume(sup *supervisor.Supervisor, snap *Snapshot) []string {
	var warnings []string

	for _, kv := range snap.Global {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			sup.Environ().Set(kv[:i], kv[i+1:], false)
		}
	}

	for name, h := range snap.Classes {
		if cl, ok := sup.Catalog().Lookup(name); ok && cl.Hash != h {
			warnings = append(warnings, "job "+name+" changed on disk since the snapshot was taken")
		}
	}

	for _, is := range snap.Instances {
		class, ok := sup.Catalog().Lookup(is.Class)
		if !ok {
			warnings = append(warnings, "snapshot instance "+is.Class+" ("+is.Instance+") refers to a job no longer in the catalog")
			continue
		}
		sup.Table().Adopt(Restore(is, class))
	}

	for _, es := range snap.Queue {
		sup.EmitEvent(es.Name, es.Env, false)
	}

	return warnings
}
