// Package procsup is the process supervisor: it forks and execs a job's
// process of a given kind, wires up console-mode fd/pty plumbing, applies
// credentials/resource limits, and composes the environment the child
// sees (spec.md §4.6).
package procsup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/shirou/gopsutil/process"
	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v1"

	"github.com/coreinit/upstart/internal/catalog"
	"github.com/coreinit/upstart/internal/environ"
	"github.com/coreinit/upstart/internal/instance"
)

// Supervisor forks and execs job processes on behalf of internal/jobstate,
// implementing jobstate.Runner.
type Supervisor struct {
	log     hclog.Logger
	session string // UPSTART_SESSION value, see environ composition rule
	global  *environ.Environ
	logDir  string // directory console=log writes <job>[.<instance>].log under

	mu   sync.Mutex
	pty  map[int]*drain // pid -> active console drain, for console=log
}

// New returns a Supervisor whose spawned children see global as the base
// environment, session stamped into UPSTART_SESSION, and console=log
// output appended under logDir.
func New(log hclog.Logger, global *environ.Environ, session, logDir string) *Supervisor {
	return &Supervisor{
		log:     log.Named("procsup"),
		session: session,
		global:  global,
		logDir:  logDir,
		pty:     map[int]*drain{},
	}
}

// drain couples a pty master fd being copied into a log file with a tomb
// supervising that goroutine's lifecycle, the same "drain pipe into
// rotator, signal done" shape the teacher's Nomad-executor cousin uses for
// log rotation, generalized from a raw done-channel to a tomb.Tomb so the
// type also carries the drain goroutine's error.
type drain struct {
	t      tomb.Tomb
	master *os.File
	logf   *os.File
}

func (d *drain) run() {
	defer d.t.Done()
	buf := make([]byte, 4096)
	for {
		select {
		case <-d.t.Dying():
			return
		default:
		}
		n, err := d.master.Read(buf)
		if n > 0 {
			d.logf.Write(buf[:n])
		}
		if err != nil {
			d.t.Kill(err)
			return
		}
	}
}

// resourceLimits maps a job class's RLIMIT names to the ulimit flag that
// sets them from a shell prelude.
var resourceLimits = map[string]string{
	"CPU": "-t", "FSIZE": "-f", "DATA": "-d", "STACK": "-s", "CORE": "-c",
	"RSS": "-m", "NOFILE": "-n", "AS": "-v", "NPROC": "-u", "MEMLOCK": "-l",
}

// argv builds the command line Spawn execs. Any class attribute that has
// no direct os/exec.Cmd equivalent (umask, nice, oom score, rlimits) is
// applied from a /bin/sh prelude that then execs the real process,
// inline-script classes: a thin generalization of the same "script ... end
// script runs under /bin/sh -e" rule, not a separate code path.
func argv(class *catalog.Class, kind catalog.ProcessKind) (name string, args []string, err error) {
	spec := class.Processes[kind]
	if spec.Empty() {
		return "", nil, fmt.Errorf("procsup: %s has no %s process", class.Name, kind)
	}

	needsPrelude := class.Umask != nil || class.Nice != nil || class.OOMScoreAdjust != nil || len(class.Limits) > 0

	if spec.Script != "" {
		var sb strings.Builder
		writePrelude(&sb, class)
		sb.WriteString(spec.Script)
		return "/bin/sh", []string{"-e", "-c", sb.String()}, nil
	}
	if !needsPrelude {
		return spec.Argv[0], spec.Argv[1:], nil
	}
	var sb strings.Builder
	writePrelude(&sb, class)
	sb.WriteString("exec \"$@\"\n")
	shArgs := append([]string{"-e", "-c", sb.String(), "--"}, spec.Argv...)
	return "/bin/sh", shArgs, nil
}

func writePrelude(sb *strings.Builder, class *catalog.Class) {
	if class.Umask != nil {
		fmt.Fprintf(sb, "umask %04o\n", *class.Umask)
	}
	if class.OOMScoreAdjust != nil {
		fmt.Fprintf(sb, "echo %d > /proc/self/oom_score_adj 2>/dev/null || true\n", *class.OOMScoreAdjust)
	}
	for name, value := range class.Limits {
		if flag, ok := resourceLimits[name]; ok {
			fmt.Fprintf(sb, "ulimit %s %s 2>/dev/null || true\n", flag, value)
		}
	}
	if class.Nice != nil {
		fmt.Fprintf(sb, "renice -n %d -p $$ >/dev/null 2>&1 || true\n", *class.Nice)
	}
}

// composeEnv builds the environment argv/exec sees, later entries winning
// on key collision, exactly the order spec.md §4.6 specifies: global job
// environment, class env defaults, class export selections from the
// trigger, the trigger environment itself, then the three synthetic
// UPSTART_* variables.
func composeEnv(global []string, class *catalog.Class, inst *instance.Instance, session string) []string {
	out := append([]string{}, global...)
	out = append(out, class.Env...)
	trigger := map[string]string{}
	for _, kv := range inst.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			trigger[kv[:i]] = kv[i+1:]
		}
	}
	for _, key := range class.Export {
		if v, ok := trigger[key]; ok {
			out = append(out, key+"="+v)
		}
	}
	out = append(out, inst.Env...)
	out = append(out, "UPSTART_JOB="+class.Name)
	out = append(out, "UPSTART_INSTANCE="+inst.Name)
	out = append(out, "UPSTART_SESSION="+session)
	return out
}

// Spawn implements jobstate.Runner.
func (s *Supervisor) Spawn(inst *instance.Instance, kind catalog.ProcessKind) (int, error) {
	name, args, err := argv(inst.Class, kind)
	if err != nil {
		return 0, err
	}

	cmd := exec.Command(name, args...)
	cmd.Env = composeEnv(s.global.Snapshot(), inst.Class, inst, s.session)
	if inst.Class.Chdir != "" {
		cmd.Dir = inst.Class.Chdir
	}

	attr := &syscall.SysProcAttr{Setpgid: true}
	if inst.Class.Chroot != "" {
		attr.Chroot = inst.Class.Chroot
	}
	if err := applyCredentials(attr, inst.Class); err != nil {
		return 0, err
	}
	cmd.SysProcAttr = attr

	var master *os.File
	switch inst.Class.Console {
	case catalog.ConsoleLog:
		m, slave, err := openPty()
		if err != nil {
			return 0, fmt.Errorf("procsup: pty allocation failed: %w", err)
		}
		defer slave.Close()
		master = m
		cmd.Stdin = slave
		cmd.Stdout = slave
		cmd.Stderr = slave
	case catalog.ConsoleNone:
		cmd.Stdin, cmd.Stdout, cmd.Stderr = devNull()
	case catalog.ConsoleOwner:
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	case catalog.ConsoleOutput:
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	}

	if err := cmd.Start(); err != nil {
		if master != nil {
			master.Close()
		}
		return 0, err
	}

	pid := cmd.Process.Pid
	if master != nil {
		logf, err := s.openLogFile(inst, kind)
		if err != nil {
			s.log.Warn("cannot open console log file", "job", inst.Class.Name, "error", err)
			master.Close()
		} else {
			d := &drain{master: master, logf: logf}
			s.mu.Lock()
			s.pty[pid] = d
			s.mu.Unlock()
			go d.run()
		}
	}

	go func() {
		// Reap our own fork-accounting; the actual process-exit
		// notification that drives jobstate arrives through
		// internal/loop's SIGCHLD-triggered waitpid loop, not this Wait
		// call, since that loop is the single authoritative reaper. This
		// goroutine only releases cmd's own bookkeeping + closes the pty.
		cmd.Wait()
		s.mu.Lock()
		d, ok := s.pty[pid]
		delete(s.pty, pid)
		s.mu.Unlock()
		if ok {
			d.t.Kill(nil)
			d.master.Close()
			d.logf.Close()
		}
	}()

	return pid, nil
}

// Signal implements jobstate.Runner.
func (s *Supervisor) Signal(pid int, sig string) error {
	return syscall.Kill(pid, signalByName(sig))
}

// SignalGroup implements jobstate.Runner: it targets the process group,
// which is why Spawn sets Setpgid on every child.
func (s *Supervisor) SignalGroup(pid int, sig string) error {
	return syscall.Kill(-pid, signalByName(sig))
}

func signalByName(name string) syscall.Signal {
	if sig, ok := unix.SignalNum(name); ok {
		return sig
	}
	return syscall.SIGTERM
}

// Alive reports whether pid still exists and is not a zombie (ADDED,
// spec.md §5 "Cancellation / timeouts"). It is not part of jobstate.Runner:
// the kill sequence's SIGKILL escalation is sent without calling it.
func (s *Supervisor) Alive(ctx context.Context, pid int) (bool, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false, nil
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return false, nil
	}
	for _, st := range status {
		if st == "Z" || st == "zombie" {
			return false, nil
		}
	}
	return true, nil
}

func (s *Supervisor) openLogFile(inst *instance.Instance, kind catalog.ProcessKind) (*os.File, error) {
	name := inst.Class.Name
	if inst.Name != "" {
		name += "." + inst.Name
	}
	if kind != catalog.Main {
		name += "." + kind.String()
	}
	return os.OpenFile(s.logDir+"/"+name+".log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// Exit performs the multi-step teardown of every resource Spawn allocated
// for an instance that is being fully destroyed (its pty drains), reusing
// hashicorp/go-multierror to aggregate every independent failure the way
// the teacher's own executor's Exit() does.
func (s *Supervisor) Exit(pids []int) error {
	var result *multierror.Error
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pid := range pids {
		d, ok := s.pty[pid]
		if !ok {
			continue
		}
		d.t.Kill(nil)
		if err := d.master.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := d.logf.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		delete(s.pty, pid)
	}
	return result.ErrorOrNil()
}

func devNull() (*os.File, *os.File, *os.File) {
	f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, nil
	}
	return f, f, f
}

func applyCredentials(attr *syscall.SysProcAttr, class *catalog.Class) error {
	if class.Setuid == "" && class.Setgid == "" {
		return nil
	}
	var uid, gid uint32
	if class.Setuid != "" {
		v, err := strconv.ParseUint(class.Setuid, 10, 32)
		if err != nil {
			return fmt.Errorf("procsup: setuid %q is not numeric: %w", class.Setuid, err)
		}
		uid = uint32(v)
	}
	if class.Setgid != "" {
		v, err := strconv.ParseUint(class.Setgid, 10, 32)
		if err != nil {
			return fmt.Errorf("procsup: setgid %q is not numeric: %w", class.Setgid, err)
		}
		gid = uint32(v)
	}
	attr.Credential = &syscall.Credential{Uid: uid, Gid: gid}
	return nil
}
