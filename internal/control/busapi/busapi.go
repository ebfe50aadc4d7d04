// Package busapi exports control.Upstart on a D-Bus connection under the
// historical interface name com.ubuntu.Upstart0_6 (confirmed against
// original_source/lib/upstart/com.ubuntu.Upstart.h), and fans the four
// control-surface signals (JobAdded/JobRemoved/EventEmitted/Restarted) out
// both as D-Bus signals and through hashicorp/nomad/drivers/shared/eventer
// for in-process subscribers, reusing the teacher's own event-multiplexing
// dependency for exactly the purpose it serves in Driver.eventer.
package busapi

import (
	"context"
	stdtime "time"

	"github.com/godbus/dbus"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/nomad/drivers/shared/eventer"
	"github.com/hashicorp/nomad/plugins/drivers"

	"github.com/coreinit/upstart/internal/control"
)

// InterfaceName is the bus interface every method/signal below is
// registered under.
const InterfaceName = "com.ubuntu.Upstart0_6"

// ObjectPath is the object every method call addresses.
const ObjectPath = dbus.ObjectPath("/com/ubuntu/Upstart")

// Object adapts control.Service's Go method signatures to godbus's
// "trailing *dbus.Error return" export convention.
type Object struct {
	log hclog.Logger
	svc *control.Service
}

// Bind exports svc on conn under InterfaceName/ObjectPath and requests
// the well-known bus name, returning a Bridge that fans out signals.
func Bind(conn *dbus.Conn, log hclog.Logger, svc *control.Service) (*Bridge, error) {
	obj := &Object{log: log.Named("busapi"), svc: svc}
	if err := conn.Export(obj, ObjectPath, InterfaceName); err != nil {
		return nil, err
	}
	reply, err := conn.RequestName(InterfaceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		log.Warn("did not become primary owner of bus name; another supervisor may already be running", "name", InterfaceName)
	}
	return &Bridge{conn: conn, events: eventer.NewEventer(context.Background(), log.Named("busapi.events"))}, nil
}

func asError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return &dbus.Error{Name: InterfaceName + ".Failed", Body: []interface{}{err.Error()}}
}

func (o *Object) EmitEvent(name string, env []string, wait bool) *dbus.Error {
	return asError(o.svc.EmitEvent(name, env, wait))
}

func (o *Object) ReloadConfiguration() *dbus.Error {
	return asError(o.svc.ReloadConfiguration())
}

func (o *Object) GetAllJobs() ([]string, *dbus.Error) {
	jobs := o.svc.GetAllJobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	return names, nil
}

func (o *Object) GetJobByName(name string) (string, *dbus.Error) {
	job, err := o.svc.GetJobByName(name)
	if err != nil {
		return "", asError(err)
	}
	return job.Description, nil
}

func (o *Object) GetAllInstances(job string) ([]string, *dbus.Error) {
	instances, err := o.svc.GetAllInstances(job)
	if err != nil {
		return nil, asError(err)
	}
	names := make([]string, 0, len(instances))
	for _, i := range instances {
		names = append(names, i.Instance)
	}
	return names, nil
}

func (o *Object) GetInstanceByName(job, inst string) (string, string, *dbus.Error) {
	info, err := o.svc.GetInstanceByName(job, inst)
	if err != nil {
		return "", "", asError(err)
	}
	return info.Goal, info.State, nil
}

func (o *Object) StartInstance(job, inst string, env []string, wait bool) *dbus.Error {
	return asError(o.svc.StartInstance(job, inst, env, wait))
}

func (o *Object) StopInstance(job, inst string, wait bool) *dbus.Error {
	return asError(o.svc.StopInstance(job, inst, wait))
}

func (o *Object) RestartInstance(job, inst string, wait bool) *dbus.Error {
	return asError(o.svc.RestartInstance(job, inst, wait))
}

func (o *Object) GetEnv(key string) (string, bool, *dbus.Error) {
	v, ok := o.svc.GetEnv(key)
	return v, ok, nil
}

func (o *Object) SetEnv(key, value string, replace bool) *dbus.Error {
	o.svc.SetEnv(key, value, replace)
	return nil
}

func (o *Object) UnsetEnv(key string) *dbus.Error {
	o.svc.UnsetEnv(key)
	return nil
}

func (o *Object) ListEnv() ([]string, *dbus.Error) {
	return o.svc.ListEnv(), nil
}

func (o *Object) ResetEnv() *dbus.Error {
	o.svc.ResetEnv()
	return nil
}

func (o *Object) NotifyDiskWriteable() *dbus.Error {
	o.svc.NotifyDiskWriteable()
	return nil
}

func (o *Object) EndSession() *dbus.Error {
	return asError(o.svc.EndSession())
}

func (o *Object) Restart() *dbus.Error {
	return asError(o.svc.Restart())
}

func (o *Object) CheckConfig() ([]string, *dbus.Error) {
	return o.svc.CheckConfig(), nil
}

func (o *Object) GetVersion() (string, *dbus.Error) {
	return o.svc.GetVersion(), nil
}

func (o *Object) GetLogPriority() (string, *dbus.Error) {
	return o.svc.GetLogPriority(), nil
}

func (o *Object) SetLogPriority(level string) *dbus.Error {
	return asError(o.svc.SetLogPriority(level))
}

// Bridge fans JobAdded/JobRemoved/EventEmitted/Restarted out as both D-Bus
// signals (for bus subscribers, e.g. a `status --follow`-style CLI) and
// eventer events (for in-process subscribers). It implements
// control.Signals; pass it to Supervisor.SetHooks via the small adapter in
// wire.go.
type Bridge struct {
	conn   *dbus.Conn
	events *eventer.Eventer
}

func (b *Bridge) emit(signal string, args ...interface{}) {
	if err := b.conn.Emit(ObjectPath, InterfaceName+"."+signal, args...); err != nil {
		// Best-effort: a signal with no subscribers is not an error
		// worth surfacing to the caller that triggered it.
		_ = err
	}
	b.events.EmitEvent(&drivers.TaskEvent{
		TaskID:    signal,
		Timestamp: stdtime.Now(),
		Message:   signal,
	})
}

func (b *Bridge) JobAdded(name string)   { b.emit("JobAdded", name) }
func (b *Bridge) JobRemoved(name string) { b.emit("JobRemoved", name) }
func (b *Bridge) EventEmitted(name string, env []string) {
	b.emit("EventEmitted", name, env)
}
func (b *Bridge) Restarted() { b.emit("Restarted") }

// TaskEvents exposes the eventer's subscriber stream for an in-process
// watcher (cmd/initctl's "list --follow", say) that wants JobAdded/
// JobRemoved/EventEmitted/Restarted without a bus round trip.
func (b *Bridge) TaskEvents(ctx context.Context) (<-chan *drivers.TaskEvent, error) {
	return b.events.TaskEvents(ctx)
}
