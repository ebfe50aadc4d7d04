// Package loop is the self-pipe-free signal/main-loop integration layer
// spec.md §4.7 calls for: os/signal.Notify's channel *is* the self-pipe,
// the same idiom the pack's own process supervisors use. SIGCHLD only
// wakes the reaper; no state mutation happens inside a signal handler
// itself, since Go never runs our code in one -- Notify delivery is
// already on an ordinary goroutine.
package loop

import (
	"os"
	"os/signal"
	"syscall"
)

// Signals multiplexes SIGHUP (reload), SIGTERM/SIGINT (graceful shutdown),
// and SIGUSR1 onto a single channel for the main loop to select on.
// internal/supervisor takes no action on SIGUSR1.
func Signals() (ch chan os.Signal, stop func()) {
	ch = make(chan os.Signal, 8)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	return ch, func() { signal.Stop(ch) }
}

// Exit is one reaped child, translated from a wait(2) status into the
// vocabulary internal/jobstate.ChildExit expects.
type Exit struct {
	Pid    int
	Status int
	Signal string // terminating signal name, empty if the process exited normally
}

var signalNames = map[syscall.Signal]string{
	syscall.SIGHUP: "SIGHUP", syscall.SIGINT: "SIGINT", syscall.SIGQUIT: "SIGQUIT",
	syscall.SIGILL: "SIGILL", syscall.SIGABRT: "SIGABRT", syscall.SIGFPE: "SIGFPE",
	syscall.SIGKILL: "SIGKILL", syscall.SIGSEGV: "SIGSEGV", syscall.SIGPIPE: "SIGPIPE",
	syscall.SIGALRM: "SIGALRM", syscall.SIGTERM: "SIGTERM", syscall.SIGUSR1: "SIGUSR1",
	syscall.SIGUSR2: "SIGUSR2", syscall.SIGCHLD: "SIGCHLD", syscall.SIGCONT: "SIGCONT",
	syscall.SIGSTOP: "SIGSTOP", syscall.SIGTSTP: "SIGTSTP", syscall.SIGBUS: "SIGBUS",
}

func signalName(s syscall.Signal) string {
	if name, ok := signalNames[s]; ok {
		return name
	}
	return s.String()
}

// Reaper watches SIGCHLD and drains every exited child with a
// non-blocking syscall.Wait4(-1, ..., WNOHANG, nil) loop per wakeup, so a
// single SIGCHLD covering several near-simultaneous exits still reaps all
// of them before the next select iteration.
type Reaper struct {
	sigCh chan os.Signal
	out   chan Exit
}

// NewReaper starts watching SIGCHLD; call Run to begin draining.
func NewReaper() *Reaper {
	r := &Reaper{sigCh: make(chan os.Signal, 8), out: make(chan Exit, 64)}
	signal.Notify(r.sigCh, syscall.SIGCHLD)
	return r
}

// C returns the channel reaped exits are delivered on, in the order
// Wait4(WNOHANG) reports them (spec.md §5 ordering guarantee).
func (r *Reaper) C() <-chan Exit { return r.out }

// Run blocks draining SIGCHLD wakeups until stop is closed.
func (r *Reaper) Run(stop <-chan struct{}) {
	defer signal.Stop(r.sigCh)
	for {
		select {
		case <-stop:
			return
		case <-r.sigCh:
			r.drain()
		}
	}
}

func (r *Reaper) drain() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		e := Exit{Pid: pid}
		switch {
		case ws.Exited():
			e.Status = ws.ExitStatus()
		case ws.Signaled():
			e.Signal = signalName(ws.Signal())
		}
		select {
		case r.out <- e:
		default:
			// Output buffer is full; the main loop is badly behind. Drop
			// rather than block a signal-delivery goroutine indefinitely.
		}
	}
}
