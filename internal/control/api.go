// Package control is the supervisor's operation surface (spec.md §6):
// EmitEvent, catalog/instance introspection, per-instance start/stop/
// restart, the global environment operations, and the process-wide
// re-exec/shutdown/version/log-priority operations, plus the JobAdded/
// JobRemoved/EventEmitted/Restarted signals. Upstart is a plain Go
// interface implemented directly against internal/supervisor; a concrete
// wire binding lives in internal/control/busapi.
package control

import (
	"github.com/coreinit/upstart/internal/catalog"
	"github.com/coreinit/upstart/internal/instance"
)

// ProcessInfo is one (kind, pid) pair of a running instance, the
// introspection property spec.md §6 lists.
type ProcessInfo struct {
	Kind string
	Pid  int
}

// InstanceInfo is the read-only view of a job instance returned by
// GetAllInstances/GetInstance*.
type InstanceInfo struct {
	Job       string
	Instance  string
	Goal      string
	State     string
	Processes []ProcessInfo
}

// JobInfo is the read-only view of a job class returned by
// GetAllJobs/GetJobByName.
type JobInfo struct {
	Name        string
	Description string
	Instances   []InstanceInfo
}

// Upstart is the full control surface.
type Upstart interface {
	// EmitEvent enqueues name/env; if wait, it blocks until the
	// resulting emission reaches finished or failed.
	EmitEvent(name string, env []string, wait bool) error

	ReloadConfiguration() error

	GetAllJobs() []JobInfo
	GetJobByName(name string) (JobInfo, error)

	GetAllInstances(job string) ([]InstanceInfo, error)
	GetInstanceByName(job, instance string) (InstanceInfo, error)

	StartInstance(job, instance string, env []string, wait bool) error
	StopInstance(job, instance string, wait bool) error
	RestartInstance(job, instance string, wait bool) error

	GetEnv(key string) (string, bool)
	SetEnv(key, value string, replace bool)
	UnsetEnv(key string)
	ListEnv() []string
	ResetEnv()

	// CheckConfig walks every loaded class's compiled start-on/stop-on
	// expressions and returns one warning string per operand that names
	// an event no class ever emits, or a JOB matcher that names no known
	// job, plus one per stanza that fails to parse. An empty result means
	// the catalog checked clean.
	CheckConfig() []string

	NotifyDiskWriteable()
	EndSession() error
	Restart() error

	GetVersion() string
	GetLogPriority() string
	SetLogPriority(level string) error
}

// Signals is the subscriber side of the four control-surface signals.
// internal/control/busapi implements this by fanning events out over
// godbus; tests can implement it directly.
type Signals interface {
	JobAdded(name string)
	JobRemoved(name string)
	EventEmitted(name string, env []string)
	Restarted()
}

func instanceInfo(job string, inst *instance.Instance) InstanceInfo {
	info := InstanceInfo{
		Job:      job,
		Instance: inst.Name,
		Goal:     inst.Goal.String(),
		State:    inst.State.String(),
	}
	for kind, pid := range inst.Pids {
		info.Processes = append(info.Processes, ProcessInfo{Kind: kind.String(), Pid: pid})
	}
	return info
}

func jobInfo(class *catalog.Class, instances []*instance.Instance) JobInfo {
	info := JobInfo{Name: class.Name, Description: class.Description}
	for _, inst := range instances {
		info.Instances = append(info.Instances, instanceInfo(class.Name, inst))
	}
	return info
}

// logPriorityLevels mirrors the teacher's/hclog's named severities, the
// vocabulary GetLogPriority/SetLogPriority accept (spec.md §6, "operator
// CLI"). Order is least to most verbose.
var logPriorityLevels = []string{"error", "warn", "info", "debug", "trace"}

func validLogPriority(level string) bool {
	for _, l := range logPriorityLevels {
		if l == level {
			return true
		}
	}
	return false
}

// versionStamp is overridden at link time in real release builds
// (-ldflags "-X ...=..."); the default value below is what a development
// build reports.
var versionStamp = "0.0.0-dev"
