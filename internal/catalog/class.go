// Package catalog loads, validates, and indexes job class definitions
// from a tree of ".conf" files, and hot-reloads them on change (spec.md
// §4.2).
package catalog

import (
	"text/template"
	"time"
)

// ConsoleMode controls how a job's stdout/stderr are wired (spec.md §4.6).
type ConsoleMode int

const (
	ConsoleNone ConsoleMode = iota
	ConsoleLog
	ConsoleOwner
	ConsoleOutput
)

func (c ConsoleMode) String() string {
	switch c {
	case ConsoleLog:
		return "log"
	case ConsoleOwner:
		return "owner"
	case ConsoleOutput:
		return "output"
	default:
		return "none"
	}
}

// Expect is the main-process readiness contract (spec.md §4.5 notes).
type Expect int

const (
	ExpectNone Expect = iota
	ExpectFork
	ExpectDaemon
	ExpectStop
)

// ProcessKind identifies one of the five process slots a job class may
// define.
type ProcessKind int

const (
	PreStart ProcessKind = iota
	Main
	PostStart
	PreStop
	PostStop
)

func (k ProcessKind) String() string {
	switch k {
	case PreStart:
		return "pre-start"
	case Main:
		return "main"
	case PostStart:
		return "post-start"
	case PreStop:
		return "pre-stop"
	case PostStop:
		return "post-stop"
	default:
		return "unknown"
	}
}

// ProcessSpec is a single process-kind's command, either a plain argv or
// an inline shell script (mutually exclusive).
type ProcessSpec struct {
	Argv   []string
	Script string // run via "/bin/sh -e" when non-empty
}

func (p *ProcessSpec) empty() bool { return p == nil || (len(p.Argv) == 0 && p.Script == "") }

// Empty reports whether the spec defines no command at all (a nil slot,
// or one with neither an argv nor a script body).
func (p *ProcessSpec) Empty() bool { return p.empty() }

// RespawnPolicy is the class's automatic-restart configuration.
type RespawnPolicy struct {
	Enabled bool
	Limit   int           // N
	Window  time.Duration // T
}

// Kind distinguishes a service (long-running, "settles" at running) from a
// task (one-shot, "settles" at waiting).
type Kind int

const (
	Service Kind = iota
	Task
)

// Class is a job class: the parsed, validated contents of one .conf file.
type Class struct {
	Name string
	Kind Kind

	StartOnText string
	StopOnText  string
	Emits       []string

	Instance string // template string; empty => singleton

	Processes [5]*ProcessSpec // indexed by ProcessKind

	Respawn     RespawnPolicy
	NormalExit  map[int]bool
	Expect      Expect
	KillTimeout time.Duration
	KillSignal  string // e.g. "SIGTERM"

	Console ConsoleMode

	Chdir   string
	Chroot  string
	Umask   *uint32
	Nice    *int
	OOMScoreAdjust *int
	Limits  map[string]string // RLIMIT name -> "soft:hard"

	Setuid string
	Setgid string

	Env    []string // "KEY=VALUE" defaults
	Export []string // KEY names to pass through from trigger env

	Manual bool // never matches any start-on

	Usage       string
	Description string
	Author      string
	Version     string

	// SourcePath is the file this class was parsed from, used for
	// change detection on reload.
	SourcePath string
	// Hash is a content hash of the parsed definition (mitchellh/
	// hashstructure), used to decide whether a reload actually changed
	// anything (spec.md §8 invariant 4: reload is idempotent).
	Hash uint64
	// Deleted marks a class whose backing file was removed: no new
	// instances are accepted, but existing instances run to completion.
	Deleted bool

	instanceTmpl *template.Template
}

// instanceTemplate lazily compiles Instance as a text/template, the same
// templating package the teacher uses to expand TaskConfig into a unit
// file, generalized here to expand an instance-name template against a
// trigger environment.
func (c *Class) instanceTemplate() (*template.Template, error) {
	if c.instanceTmpl != nil {
		return c.instanceTmpl, nil
	}
	if c.Instance == "" {
		return nil, nil
	}
	t, err := template.New(c.Name).Option("missingkey=zero").Parse(c.Instance)
	if err != nil {
		return nil, err
	}
	c.instanceTmpl = t
	return t, nil
}

// Singleton reports whether the class has no instance template.
func (c *Class) Singleton() bool { return c.Instance == "" }
