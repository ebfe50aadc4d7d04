package control

import (
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/coreinit/upstart/internal/instance"
	"github.com/coreinit/upstart/internal/supervisor"
	"github.com/coreinit/upstart/internal/upstarterr"
)

// Service implements Upstart directly against a running Supervisor. It is
// what internal/control/busapi calls through; cmd/initctl reaches it only
// over D-Bus, by way of busapi.
type Service struct {
	log hclog.Logger
	sup *supervisor.Supervisor

	logLevel atomic.Value // string
}

// NewService wraps sup. Callers still need to call sup.SetHooks to wire
// JobAdded/JobRemoved/EventEmitted/Restarted to a Signals implementation
// (cmd/upstartd does this with busapi.Hooks after busapi.Bind).
func NewService(log hclog.Logger, sup *supervisor.Supervisor) *Service {
	s := &Service{log: log.Named("control"), sup: sup}
	s.logLevel.Store("info")
	return s
}

func (s *Service) EmitEvent(name string, env []string, wait bool) error {
	e := s.sup.EmitEvent(name, env, wait)
	if !wait {
		return nil
	}
	<-e.Done
	return nil
}

func (s *Service) ReloadConfiguration() error {
	_, parseErrs, err := s.sup.Reload()
	if err != nil {
		return err
	}
	if len(parseErrs) > 0 {
		return parseErrs[0]
	}
	return nil
}

func (s *Service) GetAllJobs() []JobInfo {
	var out []JobInfo
	for _, class := range s.sup.Catalog().All() {
		out = append(out, jobInfo(class, s.sup.Table().ByClass(class.Name)))
	}
	return out
}

func (s *Service) GetJobByName(name string) (JobInfo, error) {
	class, ok := s.sup.Catalog().Lookup(name)
	if !ok || class.Deleted {
		return JobInfo{}, upstarterr.New(upstarterr.UnknownJob, name, fmt.Errorf("no such job"))
	}
	return jobInfo(class, s.sup.Table().ByClass(name)), nil
}

func (s *Service) GetAllInstances(job string) ([]InstanceInfo, error) {
	if _, ok := s.sup.Catalog().Lookup(job); !ok {
		return nil, upstarterr.New(upstarterr.UnknownJob, job, fmt.Errorf("no such job"))
	}
	var out []InstanceInfo
	for _, inst := range s.sup.Table().ByClass(job) {
		out = append(out, instanceInfo(job, inst))
	}
	return out, nil
}

func (s *Service) GetInstanceByName(job, instName string) (InstanceInfo, error) {
	inst, ok := s.sup.Table().Lookup(instance.Key{Class: job, Instance: instName})
	if !ok {
		return InstanceInfo{}, upstarterr.New(upstarterr.UnknownInstance, job+" ("+instName+")", fmt.Errorf("not running"))
	}
	return instanceInfo(job, inst), nil
}

func (s *Service) StartInstance(job, instName string, env []string, wait bool) error {
	_, err := s.sup.StartInstance(job, instName, env)
	return err
}

func (s *Service) StopInstance(job, instName string, wait bool) error {
	return s.sup.StopInstance(job, instName)
}

func (s *Service) RestartInstance(job, instName string, wait bool) error {
	return s.sup.RestartInstance(job, instName)
}

func (s *Service) GetEnv(key string) (string, bool) { return s.sup.Environ().Get(key) }

func (s *Service) SetEnv(key, value string, replace bool) {
	s.sup.Environ().Set(key, value, !replace)
}

func (s *Service) UnsetEnv(key string) { s.sup.Environ().Unset(key) }

func (s *Service) ListEnv() []string { return s.sup.Environ().List() }

func (s *Service) ResetEnv() { s.sup.Environ().Reset() }

// CheckConfig implements Upstart.CheckConfig against the live catalog.
func (s *Service) CheckConfig() []string {
	return checkConfig(s.sup.Catalog().All())
}

// NotifyDiskWriteable is called once the root filesystem has been
// remounted read-write during early boot; a real PID-1 build would use
// this to flush anything deferred until then. Nothing in this supervisor
// defers on disk writability today, so it is a deliberate no-op, kept as
// an interface method because spec.md §6 names it as part of the surface.
func (s *Service) NotifyDiskWriteable() {}

func (s *Service) EndSession() error {
	s.sup.RequestShutdown()
	return nil
}

func (s *Service) Restart() error {
	s.sup.RequestRestart()
	return nil
}

func (s *Service) GetVersion() string { return versionStamp }

func (s *Service) GetLogPriority() string {
	return s.logLevel.Load().(string)
}

func (s *Service) SetLogPriority(level string) error {
	if !validLogPriority(level) {
		return fmt.Errorf("control: unknown log priority %q", level)
	}
	s.logLevel.Store(level)
	s.log.SetLevel(hclog.LevelFromString(level))
	return nil
}
