// Package session holds the supervisor's process-wide identity: whether
// it is PID 1 or a per-user session, its re-exec generation counter,
// shutdown-in-progress flag, current runlevel, and the discovery file a
// per-session supervisor publishes under $XDG_RUNTIME_DIR.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Session describes a single running supervisor's identity.
type Session struct {
	// PID1 is true when this supervisor is running as process 1.
	PID1 bool
	// BusAddr is the address utilities should connect to for control
	// operations (see internal/control/busapi).
	BusAddr string

	generation int32 // bumped on every re-exec
	shutdown   int32 // 1 once graceful shutdown has begun
	runlevel   int32

	// OnShutdownQuiesce is called once, during the shutdown quiesce
	// interval (spec.md §4.7), after stop intents have been issued to
	// every live instance and before the final SIGKILL escalation. A
	// real PID-1 build wires in utmp/wtmp record writing here; it
	// remains an external collaborator per spec.md §1, so the default
	// is a no-op.
	OnShutdownQuiesce func()
}

// New returns a Session for a fresh (non-re-exec) start.
func New(pid1 bool, busAddr string) *Session {
	return &Session{PID1: pid1, BusAddr: busAddr, OnShutdownQuiesce: func() {}}
}

// Generation returns the number of re-execs this supervisor has undergone.
func (s *Session) Generation() int { return int(atomic.LoadInt32(&s.generation)) }

// BumpGeneration increments the re-exec generation counter and returns the
// new value; called immediately before Restart() snapshots and execve()s.
func (s *Session) BumpGeneration() int {
	return int(atomic.AddInt32(&s.generation, 1))
}

// ShuttingDown reports whether graceful shutdown has begun.
func (s *Session) ShuttingDown() bool { return atomic.LoadInt32(&s.shutdown) == 1 }

// BeginShutdown marks shutdown-in-progress. Idempotent.
func (s *Session) BeginShutdown() { atomic.StoreInt32(&s.shutdown, 1) }

// Runlevel returns the current runlevel (0 if never set / user session).
func (s *Session) Runlevel() int { return int(atomic.LoadInt32(&s.runlevel)) }

// SetRunlevel records a new runlevel; callers are responsible for also
// emitting the synthetic "runlevel N" event (spec.md §4.3 step 7).
func (s *Session) SetRunlevel(n int) { atomic.StoreInt32(&s.runlevel, int32(n)) }

// RunFilePath returns the path a per-session supervisor publishes its bus
// address under: ${XDG_RUNTIME_DIR}/upstart/sessions/<pid>.session.
func RunFilePath(runtimeDir string, pid int) string {
	if runtimeDir == "" {
		runtimeDir = os.TempDir()
	}
	return filepath.Join(runtimeDir, "upstart", "sessions", fmt.Sprintf("%d.session", pid))
}

// WriteRunFile publishes busAddr to the discovery file for pid, creating
// parent directories as needed.
func WriteRunFile(runtimeDir string, pid int, busAddr string) error {
	path := RunFilePath(runtimeDir, pid)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(busAddr+"\n"), 0600)
}

// RemoveRunFile deletes the discovery file, ignoring a not-exist error.
func RemoveRunFile(runtimeDir string, pid int) error {
	err := os.Remove(RunFilePath(runtimeDir, pid))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ReadRunFile reads the bus address a running session published.
func ReadRunFile(runtimeDir string, pid int) (string, error) {
	b, err := os.ReadFile(RunFilePath(runtimeDir, pid))
	if err != nil {
		return "", err
	}
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s, nil
}
