// Command initctl is the thin operator CLI over a running supervisor's
// control surface (spec.md §6): start/stop/restart/status/list/emit plus
// the global environment and process-wide operations, all issued as D-Bus
// method calls against com.ubuntu.Upstart0_6 (internal/control/busapi).
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/godbus/dbus"

	"github.com/coreinit/upstart/internal/control/busapi"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "initctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	system := false
	var rest []string
	for _, a := range args {
		if a == "--system" {
			system = true
			continue
		}
		rest = append(rest, a)
	}
	if len(rest) == 0 {
		return fmt.Errorf("usage: initctl [--system] COMMAND [ARGS...]")
	}

	conn, obj, err := dial(system)
	if err != nil {
		return fmt.Errorf("no session running: %w", err)
	}
	defer conn.Close()

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "start":
		return doStartStopRestart(obj, "StartInstance", cmdArgs)
	case "stop":
		return doStartStopRestart(obj, "StopInstance", cmdArgs)
	case "restart":
		return doStartStopRestart(obj, "RestartInstance", cmdArgs)
	case "reload", "reload-configuration":
		return call0(obj, "ReloadConfiguration")
	case "status", "list":
		return doStatus(obj, cmdArgs)
	case "emit":
		return doEmit(obj, cmdArgs)
	case "version":
		var v string
		if err := obj.Call(iface("GetVersion"), 0).Store(&v); err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	case "log-priority":
		return doLogPriority(obj, cmdArgs)
	case "list-env":
		var env []string
		if err := obj.Call(iface("ListEnv"), 0).Store(&env); err != nil {
			return err
		}
		for _, kv := range env {
			fmt.Println(kv)
		}
		return nil
	case "get-env":
		return doGetEnv(obj, cmdArgs)
	case "set-env":
		return doSetEnv(obj, cmdArgs)
	case "unset-env":
		return doUnsetUnEnv(obj, "UnsetEnv", cmdArgs)
	case "reset-env":
		return call0(obj, "ResetEnv")
	case "notify-disk-writeable":
		return call0(obj, "NotifyDiskWriteable")
	case "usage":
		printUsage()
		return nil
	case "check-config":
		return doCheckConfig(obj)
	case "show-config", "list-sessions":
		return fmt.Errorf("%s: not available over the control surface in this build", cmd)
	default:
		return fmt.Errorf("unknown command %q; try \"initctl usage\"", cmd)
	}
}

func iface(method string) string { return busapi.InterfaceName + "." + method }

func dial(system bool) (*dbus.Conn, dbus.BusObject, error) {
	var conn *dbus.Conn
	var err error
	if system {
		conn, err = dbus.SystemBus()
	} else {
		conn, err = dbus.SessionBus()
	}
	if err != nil {
		return nil, nil, err
	}
	obj := conn.Object(busapi.InterfaceName, busapi.ObjectPath)
	// A cheap round trip confirms a supervisor actually owns the name,
	// rather than godbus silently handing back an unbacked proxy object.
	var v string
	if err := obj.Call(iface("GetVersion"), 0).Store(&v); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, obj, nil
}

func call0(obj dbus.BusObject, method string) error {
	return obj.Call(iface(method), 0).Err
}

func doStartStopRestart(obj dbus.BusObject, method string, args []string) error {
	job, inst, env, err := splitJobInstanceEnv(args)
	if err != nil {
		return err
	}
	if method == "StopInstance" || method == "RestartInstance" {
		return obj.Call(iface(method), 0, job, inst, true).Err
	}
	return obj.Call(iface(method), 0, job, inst, env, true).Err
}

// splitJobInstanceEnv parses "JOB [INSTANCE=name] [KEY=VALUE ...]", the
// same job-spec grammar spec.md §6 describes for start/stop/restart.
func splitJobInstanceEnv(args []string) (job, inst string, env []string, err error) {
	if len(args) == 0 {
		return "", "", nil, fmt.Errorf("expected a job name")
	}
	job = args[0]
	for _, a := range args[1:] {
		if strings.HasPrefix(a, "INSTANCE=") {
			inst = strings.TrimPrefix(a, "INSTANCE=")
			continue
		}
		env = append(env, a)
	}
	return job, inst, env, nil
}

func doStatus(obj dbus.BusObject, args []string) error {
	if len(args) == 0 {
		var names []string
		if err := obj.Call(iface("GetAllJobs"), 0).Store(&names); err != nil {
			return err
		}
		for _, name := range names {
			if err := printInstancesForJob(obj, name); err != nil {
				return err
			}
		}
		return nil
	}
	job := args[0]
	if len(args) > 1 {
		inst := strings.TrimPrefix(args[1], "INSTANCE=")
		var goal, state string
		if err := obj.Call(iface("GetInstanceByName"), 0, job, inst).Store(&goal, &state); err != nil {
			return err
		}
		fmt.Printf("%s (%s) %s/%s\n", job, inst, goal, state)
		return nil
	}
	return printInstancesForJob(obj, job)
}

func printInstancesForJob(obj dbus.BusObject, job string) error {
	var instances []string
	if err := obj.Call(iface("GetAllInstances"), 0, job).Store(&instances); err != nil {
		return err
	}
	if len(instances) == 0 {
		fmt.Printf("%s stop/waiting\n", job)
		return nil
	}
	for _, inst := range instances {
		var goal, state string
		if err := obj.Call(iface("GetInstanceByName"), 0, job, inst).Store(&goal, &state); err != nil {
			return err
		}
		if inst == "" {
			fmt.Printf("%s %s/%s\n", job, goal, state)
		} else {
			fmt.Printf("%s (%s) %s/%s\n", job, inst, goal, state)
		}
	}
	return nil
}

func doEmit(obj dbus.BusObject, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("expected an event name")
	}
	wait := true
	var name string
	var env []string
	for _, a := range args {
		if a == "--no-wait" {
			wait = false
			continue
		}
		if name == "" {
			name = a
			continue
		}
		env = append(env, a)
	}
	return obj.Call(iface("EmitEvent"), 0, name, env, wait).Err
}

func doLogPriority(obj dbus.BusObject, args []string) error {
	if len(args) == 0 {
		var level string
		if err := obj.Call(iface("GetLogPriority"), 0).Store(&level); err != nil {
			return err
		}
		fmt.Println(level)
		return nil
	}
	return obj.Call(iface("SetLogPriority"), 0, args[0]).Err
}

func doGetEnv(obj dbus.BusObject, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one variable name")
	}
	var value string
	var ok bool
	if err := obj.Call(iface("GetEnv"), 0, args[0]).Store(&value, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unknown variable %q", args[0])
	}
	fmt.Println(value)
	return nil
}

func doSetEnv(obj dbus.BusObject, args []string) error {
	replace := true
	var rest []string
	for _, a := range args {
		if a == "--no-override" {
			replace = false
			continue
		}
		rest = append(rest, a)
	}
	if len(rest) != 1 {
		return fmt.Errorf("expected exactly one KEY=VALUE argument")
	}
	i := strings.IndexByte(rest[0], '=')
	if i < 0 {
		return fmt.Errorf("expected KEY=VALUE, got %q", rest[0])
	}
	return obj.Call(iface("SetEnv"), 0, rest[0][:i], rest[0][i+1:], replace).Err
}

func doUnsetUnEnv(obj dbus.BusObject, method string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one variable name")
	}
	return obj.Call(iface(method), 0, args[0]).Err
}

func doCheckConfig(obj dbus.BusObject) error {
	var warnings []string
	if err := obj.Call(iface("CheckConfig"), 0).Store(&warnings); err != nil {
		return err
	}
	if len(warnings) == 0 {
		fmt.Println("configuration check passed")
		return nil
	}
	for _, w := range warnings {
		fmt.Println(w)
	}
	return fmt.Errorf("%d configuration warning(s)", len(warnings))
}

func printUsage() {
	fmt.Println(`usage: initctl [--system] COMMAND [ARGS...]

commands:
  start JOB [INSTANCE=name] [KEY=VALUE...]
  stop JOB [INSTANCE=name]
  restart JOB [INSTANCE=name]
  reload, reload-configuration
  check-config
  status [JOB [INSTANCE=name]]
  list
  emit [--no-wait] EVENT [KEY=VALUE...]
  version
  log-priority [LEVEL]
  list-env
  get-env KEY
  set-env [--no-override] KEY=VALUE
  unset-env KEY
  reset-env
  notify-disk-writeable
  usage`)
}
