// Package jobstate drives each job instance through the automaton
// spec.md §4.5 describes: waiting, starting, pre-start, spawned,
// post-start, running, pre-stop, stopping, killed, post-stop. Every
// transition runs synchronously with respect to the main loop; two
// transitions of the same instance never overlap, matching §5's
// single-threaded scheduling model.
package jobstate

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/coreinit/upstart/internal/catalog"
	"github.com/coreinit/upstart/internal/eventqueue"
	"github.com/coreinit/upstart/internal/instance"
)

// Result is the RESULT= value a "stopped" synthetic event carries.
type Result string

const (
	ResultOK            Result = "ok"
	ResultFailed        Result = "failed"
	ResultRespawn       Result = "respawn"
	ResultRespawnLimit  Result = "respawn-limit"
)

// Machine owns the per-instance automaton. It never forks a process or
// enqueues an event itself except through Runner/eventqueue.Queue, keeping
// both seams swappable in tests.
type Machine struct {
	log    hclog.Logger
	runner Runner
	queue  *eventqueue.Queue
	timers *Timers
	clock  func() time.Time

	shutdownCtx context.Context
	stopCancel  map[instance.Key]context.CancelFunc
	stopCtx     map[instance.Key]context.Context
}

// New returns a Machine that spawns through runner, synthesizes progress
// events onto queue, and collapses every armed timer when shutdownCtx is
// canceled.
func New(log hclog.Logger, runner Runner, queue *eventqueue.Queue, shutdownCtx context.Context) *Machine {
	return &Machine{
		log:         log.Named("jobstate"),
		runner:      runner,
		queue:       queue,
		timers:      NewTimers(),
		clock:       time.Now,
		shutdownCtx: shutdownCtx,
		stopCancel:  map[instance.Key]context.CancelFunc{},
		stopCtx:     map[instance.Key]context.Context{},
	}
}

// Timers exposes the armed-timer channel for internal/supervisor's Run loop
// to multiplex.
func (m *Machine) Timers() *Timers { return m.timers }

func (m *Machine) ctxFor(key instance.Key) context.Context {
	if ctx, ok := m.stopCtx[key]; ok {
		return ctx
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.stopCtx[key] = ctx
	m.stopCancel[key] = cancel
	return ctx
}

// Forget releases an instance's timers and stop context; called once it is
// removed from the instance table.
func (m *Machine) Forget(key instance.Key) {
	if cancel, ok := m.stopCancel[key]; ok {
		cancel()
	}
	delete(m.stopCtx, key)
	delete(m.stopCancel, key)
	m.timers.CancelAll(key)
}

func (m *Machine) emit(class *catalog.Class, name, instanceName string, extra ...string) *eventqueue.Emission {
	env := append([]string{"JOB=" + class.Name, "INSTANCE=" + instanceName}, extra...)
	return m.queue.EmitSynthetic(name, env)
}

// SetGoal applies an operator- or dependency-resolver-driven goal change.
// Per spec.md §4.5 notes, setting the goal an instance is already pursuing
// is a no-op; the opposite goal is honored at the next state boundary
// rather than interrupting an in-flight transition.
func (m *Machine) SetGoal(inst *instance.Instance, goal instance.Goal) {
	if inst.Goal == goal {
		return
	}
	inst.Goal = goal

	switch goal {
	case instance.GoalStart:
		if inst.State == instance.Waiting {
			m.toStarting(inst)
		}
		// Any other state is already progressing toward start, or will
		// re-enter the starting cycle from post-stop; nothing to do yet.
	case instance.GoalStop:
		switch inst.State {
		case instance.Spawned, instance.Running:
			m.toPreStopOrStopping(inst)
		case instance.Starting, instance.PreStart:
			m.toStopping(inst, ResultOK)
		}
		// stopping/killed/post-stop already on their way down.
	}
}

func (m *Machine) toStarting(inst *instance.Instance) {
	inst.State = instance.Starting
	m.emit(inst.Class, "starting", inst.Name)
	m.toPreStart(inst)
}

func (m *Machine) toPreStart(inst *instance.Instance) {
	inst.State = instance.PreStart
	spec := inst.Class.Processes[catalog.PreStart]
	if spec.Empty() {
		m.toSpawnMain(inst)
		return
	}
	m.spawn(inst, catalog.PreStart)
}

func (m *Machine) toSpawnMain(inst *instance.Instance) {
	inst.State = instance.Spawned
	pid, err := m.runner.Spawn(inst, catalog.Main)
	if err != nil {
		m.spawnFailed(inst, err)
		return
	}
	inst.Pids[catalog.Main] = pid

	if inst.Class.Expect == catalog.ExpectNone {
		m.claimOwnership(inst)
		return
	}
	m.timers.Arm(m.ctxFor(inst.Key()), m.shutdownCtx, inst.Key(), ExpectTimer, inst.Class.KillTimeout)
}

// claimOwnership advances Spawned -> post-start|running, the transition
// the table fires on an ownership-claiming child-exit of the main process
// for expect=fork|daemon|stop, or immediately for expect=none.
func (m *Machine) claimOwnership(inst *instance.Instance) {
	m.timers.Cancel(inst.Key(), ExpectTimer)
	spec := inst.Class.Processes[catalog.PostStart]
	if spec.Empty() {
		m.toRunning(inst)
		return
	}
	inst.State = instance.PostStart
	m.spawn(inst, catalog.PostStart)
}

func (m *Machine) toRunning(inst *instance.Instance) {
	inst.State = instance.Running
	m.emit(inst.Class, "started", inst.Name)
	inst.SettleBlockers(m.queue, false)
}

func (m *Machine) toPreStopOrStopping(inst *instance.Instance) {
	spec := inst.Class.Processes[catalog.PreStop]
	if spec.Empty() {
		m.toStopping(inst, ResultOK)
		return
	}
	inst.State = instance.PreStop
	m.spawn(inst, catalog.PreStop)
}

func (m *Machine) toStopping(inst *instance.Instance, result Result) {
	if result == ResultRespawnLimit || result == ResultFailed {
		// A failed spawn or an exhausted respawn budget overrides any
		// standing start goal: the instance settles rather than looping.
		inst.Goal = instance.GoalStop
	}
	inst.State = instance.Stopping
	m.emit(inst.Class, "stopping", inst.Name, "RESULT="+string(result))
	main, ok := inst.Pids[catalog.Main]
	if !ok {
		// Nothing ever got as far as forking main (e.g. pre-start
		// failed): skip straight past the kill sequence.
		m.toPostStop(inst, result)
		return
	}
	if err := m.runner.SignalGroup(main, inst.Class.KillSignal); err != nil {
		m.log.Warn("kill signal delivery failed", "job", inst.Class.Name, "instance", inst.Name, "error", err)
	}
	inst.State = instance.Killed
	inst.KillDeadline = m.clock().Add(inst.Class.KillTimeout)
	m.timers.Arm(m.ctxFor(inst.Key()), m.shutdownCtx, inst.Key(), KillTimer, inst.Class.KillTimeout)
}

func (m *Machine) spawnFailed(inst *instance.Instance, err error) {
	m.log.Warn("spawn failed", "job", inst.Class.Name, "instance", inst.Name, "error", err)
	inst.LastExitStatus = -1
	m.toStopping(inst, ResultFailed)
}

func (m *Machine) spawn(inst *instance.Instance, kind catalog.ProcessKind) {
	pid, err := m.runner.Spawn(inst, kind)
	if err != nil {
		m.spawnFailed(inst, err)
		return
	}
	inst.Pids[kind] = pid
}

// ChildExit routes an asynchronous process exit (spec.md §4.6/§4.7) into
// the automaton. status is the wait(2) exit status when the process
// exited normally; sig is the terminating signal name, if any.
func (m *Machine) ChildExit(inst *instance.Instance, kind catalog.ProcessKind, status int, sig string) {
	delete(inst.Pids, kind)
	inst.LastExitStatus = status
	inst.LastExitSignal = sig

	switch inst.State {
	case instance.PreStart:
		if kind != catalog.PreStart {
			return
		}
		if status == 0 && sig == "" {
			m.toSpawnMain(inst)
		} else {
			m.toStopping(inst, ResultFailed)
		}
	case instance.Spawned:
		if kind != catalog.Main {
			return
		}
		if inst.Class.Expect != catalog.ExpectNone && status == 0 && sig == "" {
			// Original process handed off ownership to its (grand)child.
			m.claimOwnership(inst)
			return
		}
		m.mainExited(inst, status, sig)
	case instance.PostStart:
		if kind == catalog.PostStart {
			m.toRunning(inst)
			return
		}
		if kind == catalog.Main {
			// Main exited before post-start finished: settle anyway.
			m.mainExited(inst, status, sig)
		}
	case instance.Running:
		if kind != catalog.Main {
			return
		}
		m.mainExited(inst, status, sig)
	case instance.PreStop:
		if kind == catalog.PreStop {
			m.toStopping(inst, ResultOK)
		}
	case instance.Killed:
		if kind == catalog.Main {
			m.timers.Cancel(inst.Key(), KillTimer)
			m.toPostStop(inst, ResultOK)
		}
	case instance.PostStop:
		if kind == catalog.PostStop {
			m.postStopExited(inst)
		}
	}
}

// mainExited decides what an exit of the main process means while the
// instance is Running (or still settling toward it): an exit code listed
// in "normal exit" ends the instance cleanly; anything else is subject to
// the class's respawn policy (spec.md §4.5 "running" row, §8 invariant 7).
func (m *Machine) mainExited(inst *instance.Instance, status int, sig string) {
	if sig == "" && inst.Class.NormalExit[status] {
		inst.Goal = instance.GoalStop
		m.toStopping(inst, ResultOK)
		return
	}
	if !inst.Class.Respawn.Enabled {
		m.toStopping(inst, ResultFailed)
		return
	}
	now := m.clock()
	if inst.Respawn.WindowHit.IsZero() || now.Sub(inst.Respawn.WindowHit) > inst.Class.Respawn.Window {
		inst.Respawn.WindowHit = now
		inst.Respawn.Count = 1
	} else {
		inst.Respawn.Count++
	}
	if inst.Class.Respawn.Limit > 0 && inst.Respawn.Count > inst.Class.Respawn.Limit {
		m.toStopping(inst, ResultRespawnLimit)
		return
	}
	m.toStopping(inst, ResultRespawn)
}

func (m *Machine) toPostStop(inst *instance.Instance, result Result) {
	spec := inst.Class.Processes[catalog.PostStop]
	inst.LastResult = string(result)
	if spec.Empty() {
		m.postStopExited(inst)
		return
	}
	inst.State = instance.PostStop
	m.spawn(inst, catalog.PostStop)
}

func (m *Machine) postStopExited(inst *instance.Instance) {
	m.toWaiting(inst)
}

// toWaiting always synthesizes the "stopped" event (spec.md §4.5: "stopped
// carries RESULT=ok|failed|respawn|respawn-limit") before checking whether
// the instance's goal still wants it running: a respawn or an
// operator-driven restart both pass through waiting momentarily, the same
// way entering waiting with a standing start goal re-enters starting
// immediately elsewhere in this machine (see SetGoal's GoalStart case).
func (m *Machine) toWaiting(inst *instance.Instance) {
	inst.State = instance.Waiting
	m.emit(inst.Class, "stopped", inst.Name, "RESULT="+inst.LastResult)
	inst.SettleBlockers(m.queue, inst.LastResult == string(ResultFailed) || inst.LastResult == string(ResultRespawnLimit))
	if inst.Goal == instance.GoalStart {
		m.toStarting(inst)
	}
}

// TimerFired handles an expired kill or expect-watchdog timer.
func (m *Machine) TimerFired(inst *instance.Instance, f Fired) {
	switch f.Kind {
	case KillTimer:
		if inst.State != instance.Killed {
			return
		}
		if pid, ok := inst.Pids[catalog.Main]; ok {
			if err := m.runner.SignalGroup(pid, "SIGKILL"); err != nil {
				m.log.Warn("SIGKILL escalation failed", "job", inst.Class.Name, "instance", inst.Name, "error", err)
			}
		}
	case ExpectTimer:
		if inst.State != instance.Spawned {
			return
		}
		m.log.Warn("expect watchdog expired", "job", inst.Class.Name, "instance", inst.Name)
		m.toStopping(inst, ResultFailed)
	}
}
