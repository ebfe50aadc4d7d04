// Package supervisor wires the catalog, event queue, instance table, job
// state machine, process supervisor, and signal/loop integration into one
// running process, the way the teacher's Driver type coordinates its own
// subsystems from a single struct (spec.md §2 data flow, ADDED top-level
// orchestration).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/coreinit/upstart/internal/catalog"
	"github.com/coreinit/upstart/internal/environ"
	"github.com/coreinit/upstart/internal/eventqueue"
	"github.com/coreinit/upstart/internal/expr"
	"github.com/coreinit/upstart/internal/instance"
	"github.com/coreinit/upstart/internal/jobstate"
	"github.com/coreinit/upstart/internal/loop"
	"github.com/coreinit/upstart/internal/procsup"
	"github.com/coreinit/upstart/internal/session"
	"github.com/coreinit/upstart/internal/upstarterr"
)

// Hooks are notified of catalog/event activity a control-surface binding
// (internal/control) wants to fan out as a signal. Any field left nil is
// simply not called.
type Hooks struct {
	JobAdded     func(name string)
	JobRemoved   func(name string)
	EventEmitted func(name string, env []string)
	Restarted    func()
}

// compiledClass caches a class's compiled start-on/stop-on expressions,
// keyed off the class's content hash so a reload only recompiles classes
// that actually changed (mirrors the catalog's own hash-gated reload).
type compiledClass struct {
	hash    uint64
	startOn *expr.Expr
	stopOn  *expr.Expr
}

// Supervisor is the single-threaded main-loop owner spec.md §5 describes:
// every state transition, queue pop, and timer firing is handled from the
// one goroutine running Run.
type Supervisor struct {
	log hclog.Logger

	catalog *catalog.Catalog
	queue   *eventqueue.Queue
	table   *instance.Table
	machine *jobstate.Machine
	procs   *procsup.Supervisor
	global  *environ.Environ
	session *session.Session

	reaper  *loop.Reaper
	sigCh   chan os.Signal
	sigStop func()

	shutdownCancel context.CancelFunc

	quiesce time.Duration

	mu       sync.Mutex
	compiled map[string]*compiledClass

	hooks Hooks
	wake  chan struct{}

	shutdownReq chan struct{}
	restartReq  chan struct{}
}

// ErrRestartRequested is returned by Run when a control-surface Restart()
// call asked the supervisor to re-exec; the caller (cmd/upstartd) is
// responsible for snapshotting via internal/reexec and calling
// reexec.Exec once Run has returned.
var ErrRestartRequested = errors.New("supervisor: restart requested")

// Config bundles the directories/defaults Supervisor needs to construct
// its subsystems (ADDED; the analogue of the teacher's *Config).
type Config struct {
	ConfDirs    []string // job definition search path, priority order
	LogDir      string   // console=log output directory
	EnvDefaults map[string]string
	Quiesce     time.Duration // graceful-shutdown bound before abandoning stragglers
}

// New constructs a Supervisor around sess, ready for LoadCatalog then Run.
func New(log hclog.Logger, cfg Config, sess *session.Session) *Supervisor {
	log = log.Named("supervisor")
	global := environ.New(cfg.EnvDefaults)
	q := eventqueue.New(log)
	procs := procsup.New(log, global, sess.BusAddr, cfg.LogDir)
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	m := jobstate.New(log, procs, q, shutdownCtx)

	if cfg.Quiesce == 0 {
		cfg.Quiesce = 5 * time.Second
	}

	sigCh, sigStop := loop.Signals()

	return &Supervisor{
		log:            log,
		catalog:        catalog.New(log, cfg.ConfDirs...),
		queue:          q,
		table:          instance.New(),
		machine:        m,
		procs:          procs,
		global:         global,
		session:        sess,
		reaper:         loop.NewReaper(),
		sigCh:          sigCh,
		sigStop:        sigStop,
		shutdownCancel: shutdownCancel,
		quiesce:        cfg.Quiesce,
		compiled:       map[string]*compiledClass{},
		wake:           make(chan struct{}, 1),
		shutdownReq:    make(chan struct{}, 1),
		restartReq:     make(chan struct{}, 1),
	}
}

// RequestShutdown asks the main loop to begin a graceful shutdown on its
// next iteration (control surface EndSession, or an external caller
// orchestrating a stop). Non-blocking; safe to call from any goroutine.
func (s *Supervisor) RequestShutdown() {
	select {
	case s.shutdownReq <- struct{}{}:
	default:
	}
}

// RequestRestart asks the main loop to stop (returning
// ErrRestartRequested) so the caller can snapshot and re-exec (control
// surface Restart()). Non-blocking; safe to call from any goroutine.
func (s *Supervisor) RequestRestart() {
	select {
	case s.restartReq <- struct{}{}:
	default:
	}
}

// SetHooks installs the control-surface signal callbacks. Must be called
// before Run.
func (s *Supervisor) SetHooks(h Hooks) { s.hooks = h }

func (s *Supervisor) Catalog() *catalog.Catalog { return s.catalog }
func (s *Supervisor) Table() *instance.Table    { return s.table }
func (s *Supervisor) Queue() *eventqueue.Queue  { return s.queue }
func (s *Supervisor) Environ() *environ.Environ { return s.global }
func (s *Supervisor) Session() *session.Session { return s.session }

// LoadCatalog performs the initial class load. Call once before Run.
func (s *Supervisor) LoadCatalog() ([]*upstarterr.Error, error) {
	parseErrs, err := s.catalog.LoadAll()
	if err != nil {
		return parseErrs, err
	}
	s.recompileAll()
	return parseErrs, nil
}

// Reload re-walks the catalog's directories, recompiles changed classes'
// expressions, and fires JobAdded/JobRemoved hooks. It emits no events: a
// class whose stanzas changed is evaluated with its new expressions from
// the next emission the queue processes.
func (s *Supervisor) Reload() ([]catalog.Change, []*upstarterr.Error, error) {
	changes, parseErrs, err := s.catalog.Reload()
	if err != nil {
		return changes, parseErrs, err
	}
	s.recompileAll()
	for _, c := range changes {
		switch c.Kind {
		case catalog.Added:
			if s.hooks.JobAdded != nil {
				s.hooks.JobAdded(c.Name)
			}
		case catalog.Removed:
			if s.hooks.JobRemoved != nil {
				s.hooks.JobRemoved(c.Name)
			}
		}
	}
	return changes, parseErrs, nil
}

func (s *Supervisor) recompileAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, class := range s.catalog.All() {
		cc, ok := s.compiled[class.Name]
		if ok && cc.hash == class.Hash {
			continue
		}
		cc = &compiledClass{hash: class.Hash}
		if class.StartOnText != "" {
			if x, err := expr.Parse(class.StartOnText); err == nil {
				cc.startOn = x
			} else {
				s.log.Warn("start on expression failed to compile", "job", class.Name, "error", err)
			}
		}
		if class.StopOnText != "" {
			if x, err := expr.Parse(class.StopOnText); err == nil {
				cc.stopOn = x
			} else {
				s.log.Warn("stop on expression failed to compile", "job", class.Name, "error", err)
			}
		}
		s.compiled[class.Name] = cc
	}
}

func (s *Supervisor) compiledFor(name string) *compiledClass {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compiled[name]
}

// EmitEvent enqueues name/env (control.Upstart's EmitEvent operation),
// waking the main loop to process it, and fires the EventEmitted hook.
func (s *Supervisor) EmitEvent(name string, env []string, wait bool) *eventqueue.Emission {
	e := s.queue.Emit(name, env, wait)
	if s.hooks.EventEmitted != nil {
		s.hooks.EventEmitted(name, env)
	}
	s.poke()
	return e
}

func (s *Supervisor) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// StartInstance is the operator-driven "start JOB [INSTANCE=...]" control
// operation: it creates the instance (if not already present) and sets its
// goal to start directly, bypassing start-on matching, per spec.md §6
// "start"/"stop" semantics (explicit operator control always wins).
func (s *Supervisor) StartInstance(className, instanceName string, env []string) (*instance.Instance, error) {
	class, ok := s.catalog.Lookup(className)
	if !ok || class.Deleted {
		return nil, upstarterr.New(upstarterr.UnknownJob, className, fmt.Errorf("no such job"))
	}
	key := instance.Key{Class: className, Instance: instanceName}
	inst, ok := s.table.Lookup(key)
	if !ok {
		inst = s.table.Create(class, instanceName, env, time.Now())
	}
	s.machine.SetGoal(inst, instance.GoalStart)
	s.afterTransition(inst)
	return inst, nil
}

// StopInstance is the operator-driven "stop JOB [INSTANCE=...]" operation.
func (s *Supervisor) StopInstance(className, instanceName string) error {
	key := instance.Key{Class: className, Instance: instanceName}
	inst, ok := s.table.Lookup(key)
	if !ok {
		return upstarterr.New(upstarterr.UnknownInstance, key.String(), fmt.Errorf("not running"))
	}
	s.machine.SetGoal(inst, instance.GoalStop)
	s.afterTransition(inst)
	return nil
}

// RestartInstance is "restart JOB": stop, then start once settled. Since
// the automaton only re-enters "starting" from post-stop when Goal is
// still GoalStart, setting both goals back-to-back achieves exactly that
// without new machinery.
func (s *Supervisor) RestartInstance(className, instanceName string) error {
	key := instance.Key{Class: className, Instance: instanceName}
	inst, ok := s.table.Lookup(key)
	if !ok {
		return upstarterr.New(upstarterr.UnknownInstance, key.String(), fmt.Errorf("not running"))
	}
	s.machine.SetGoal(inst, instance.GoalStop)
	s.machine.SetGoal(inst, instance.GoalStart)
	s.afterTransition(inst)
	return nil
}

// processEmission feeds one handling emission into every class's compiled
// expressions (spec.md §4.3 step 2), creating or stopping instances for
// whichever now evaluate true (steps 3-5), then settles the emission if
// nothing blocked on it.
func (s *Supervisor) processEmission(e *eventqueue.Emission) {
	ee := expr.Emission{Name: e.Name, Env: e.Env, ID: e.ID}
	for _, class := range s.catalog.All() {
		if class.Manual || class.Deleted {
			continue
		}
		cc := s.compiledFor(class.Name)
		if cc == nil {
			continue
		}
		if cc.startOn != nil && cc.startOn.Feed(ee) {
			s.triggerStart(class, cc, e)
		}
		if cc.stopOn != nil && cc.stopOn.Feed(ee) {
			s.triggerStop(class, cc, e)
		}
	}
	s.queue.Settle(e)
}

func (s *Supervisor) triggerStart(class *catalog.Class, cc *compiledClass, e *eventqueue.Emission) {
	triggerEnv := expr.TriggerEnv(cc.startOn.Causes())
	name, err := class.InstanceName(triggerEnv)
	if err != nil {
		s.log.Warn("instance name template failed", "job", class.Name, "error", err)
		return
	}
	key := instance.Key{Class: class.Name, Instance: name}
	inst, ok := s.table.Lookup(key)
	if !ok {
		inst = s.table.Create(class, name, triggerEnv, time.Now())
	}
	if e.Wait {
		inst.AddBlocker(e)
	}
	s.machine.SetGoal(inst, instance.GoalStart)
	s.afterTransition(inst)
}

func (s *Supervisor) triggerStop(class *catalog.Class, cc *compiledClass, e *eventqueue.Emission) {
	for _, inst := range s.table.ByClass(class.Name) {
		if e.Wait {
			inst.AddBlocker(e)
		}
		s.machine.SetGoal(inst, instance.GoalStop)
		s.afterTransition(inst)
	}
}

// afterTransition performs the bookkeeping that must happen every time an
// instance might have reached "waiting": reset its class's sticky start-on
// expression (spec.md §4.3 "sticky until the instance returns to
// waiting"), and retire the instance from the table once it is both
// waiting and no longer wanted.
func (s *Supervisor) afterTransition(inst *instance.Instance) {
	if inst.State != instance.Waiting {
		return
	}
	if cc := s.compiledFor(inst.Class.Name); cc != nil && cc.startOn != nil {
		cc.startOn.Reset()
	}
	if inst.Goal == instance.GoalStop && len(inst.Blocking) == 0 {
		key := inst.Key()
		s.table.Destroy(key)
		s.machine.Forget(key)
	}
}

func (s *Supervisor) drainQueue() {
	for {
		e := s.queue.Pop()
		if e == nil {
			return
		}
		s.processEmission(e)
	}
}

func (s *Supervisor) handleExit(ex loop.Exit) {
	inst, kind, ok := s.table.ByPid(ex.Pid)
	if !ok {
		s.log.Debug("reaped unknown pid", "pid", ex.Pid)
		return
	}
	s.machine.ChildExit(inst, kind, ex.Status, ex.Signal)
	s.afterTransition(inst)
}

func (s *Supervisor) handleTimer(f jobstate.Fired) {
	inst, ok := s.table.Lookup(f.Key)
	if !ok {
		return
	}
	s.machine.TimerFired(inst, f)
	s.afterTransition(inst)
}

func (s *Supervisor) allSettled() bool {
	for _, inst := range s.table.All() {
		if inst.State != instance.Waiting {
			return false
		}
	}
	return true
}

// beginShutdown drives every live instance toward stop, waiting up to the
// configured quiesce bound (the kill-timeout escalation inside jobstate
// handles any individual stuck process; this bound is the outer one for
// the whole fleet, spec.md §4.7 "graceful shutdown"). When the bound
// expires, every process group still in the table gets SIGKILL.
func (s *Supervisor) beginShutdown() {
	s.session.BeginShutdown()
	for _, inst := range s.table.All() {
		s.machine.SetGoal(inst, instance.GoalStop)
		s.afterTransition(inst)
	}
	deadline := time.NewTimer(s.quiesce)
	defer deadline.Stop()
	for !s.allSettled() {
		select {
		case ex := <-s.reaper.C():
			s.handleExit(ex)
		case f := <-s.machine.Timers().C():
			s.handleTimer(f)
		case <-deadline.C:
			s.log.Warn("shutdown quiesce deadline reached; sending SIGKILL to remaining instances")
			s.session.OnShutdownQuiesce()
			for _, inst := range s.table.All() {
				for _, pid := range inst.Pids {
					if err := s.procs.SignalGroup(pid, "SIGKILL"); err != nil {
						s.log.Warn("shutdown SIGKILL failed", "job", inst.Class.Name, "instance", inst.Name, "pid", pid, "error", err)
					}
				}
			}
			return
		}
	}
	s.session.OnShutdownQuiesce()
}

// Run is the single-threaded main loop (spec.md §4.7/§5): it multiplexes
// reaped child exits, expired kill/expect timers, OS signals, catalog
// hot-reload requests, and freshly-queued emissions, processing exactly
// one of them at a time. It returns when ctx is canceled, when a SIGTERM/
// SIGINT or RequestShutdown graceful shutdown completes, or, with
// ErrRestartRequested, on RequestRestart.
func (s *Supervisor) Run(ctx context.Context) error {
	reaperStop := make(chan struct{})
	go s.reaper.Run(reaperStop)
	defer close(reaperStop)
	defer s.sigStop()
	defer s.shutdownCancel()

	watchStop := make(chan struct{})
	go func() {
		if err := s.catalog.Watch(watchStop, 300*time.Millisecond, func(changes []catalog.Change) {
			s.recompileAll()
			for _, c := range changes {
				switch c.Kind {
				case catalog.Added:
					if s.hooks.JobAdded != nil {
						s.hooks.JobAdded(c.Name)
					}
				case catalog.Removed:
					if s.hooks.JobRemoved != nil {
						s.hooks.JobRemoved(c.Name)
					}
				}
			}
			s.poke()
		}); err != nil {
			s.log.Warn("catalog watch ended", "error", err)
		}
	}()
	defer close(watchStop)

	s.drainQueue()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-s.sigCh:
			if done := s.handleSignal(sig); done {
				return nil
			}
		case <-s.shutdownReq:
			s.beginShutdown()
			return nil
		case <-s.restartReq:
			s.PrepareRestart()
			return ErrRestartRequested
		case ex := <-s.reaper.C():
			s.handleExit(ex)
			s.drainQueue()
		case f := <-s.machine.Timers().C():
			s.handleTimer(f)
			s.drainQueue()
		case <-s.wake:
			s.drainQueue()
		}
	}
}

// handleSignal reacts to one of the signals internal/loop.Signals
// delivers, returning true once a graceful shutdown has completed and Run
// should exit.
func (s *Supervisor) handleSignal(sig os.Signal) bool {
	switch sig {
	case syscall.SIGHUP:
		if _, parseErrs, err := s.Reload(); err != nil {
			s.log.Error("configuration reload failed", "error", err)
		} else {
			for _, pe := range parseErrs {
				s.log.Warn("job definition rejected on reload", "error", pe)
			}
		}
		return false
	case syscall.SIGTERM, syscall.SIGINT:
		s.log.Info("shutdown signal received", "signal", sig)
		s.beginShutdown()
		return true
	default:
		return false
	}
}

// PrepareRestart bumps the session's re-exec generation counter and fires
// the Restarted hook. Run calls it on a restart request just before
// returning ErrRestartRequested, after which cmd/upstartd snapshots and
// execve()s via internal/reexec, keeping this package free of any
// dependency on the snapshot encoding itself (spec.md §4.8).
func (s *Supervisor) PrepareRestart() {
	s.session.BumpGeneration()
	if s.hooks.Restarted != nil {
		s.hooks.Restarted()
	}
}
