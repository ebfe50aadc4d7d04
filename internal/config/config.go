// Package config is the supervisor binary's own configuration: where to
// find job definitions, whether it is running as PID 1, and where to
// publish its session discovery file. It follows the teacher's
// plain-struct, no-framework style (Config/TaskConfig in systemd/
// driver.go are hand-decoded tagged structs, not a generic CLI
// framework) rather than adopting a flags library.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Config is the parsed command line plus environment overrides.
type Config struct {
	ConfDirs   []string // job definition search path, priority order
	PID1       bool
	SessionDir string // UPSTART_SESSION_DIR: where the run file is published
	LogDir     string // console=log output directory
	BusName    string // "session" or "system"
}

// Parse builds a Config from args (normally os.Args[1:]) plus the
// UPSTART_SESSION_DIR environment variable.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("upstartd", flag.ContinueOnError)

	var confDirs string
	fs.StringVar(&confDirs, "c", "/etc/init", "job configuration directory (colon-separated search path, later wins)")
	fs.StringVar(&confDirs, "config-dir", "/etc/init", "same as -c")

	pid1 := fs.Bool("pid1", false, "run as process 1 (PID-1 specific behavior: reaps all orphans, never exits)")

	var logDir string
	fs.StringVar(&logDir, "log-dir", "/var/log/upstart", "directory console=log output is written under")

	var busName string
	fs.StringVar(&busName, "bus", "session", `which D-Bus bus to host the control interface on ("session" or "system")`)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		ConfDirs: strings.Split(confDirs, ":"),
		PID1:     *pid1,
		LogDir:   logDir,
		BusName:  busName,
	}
	if cfg.SessionDir = os.Getenv("UPSTART_SESSION_DIR"); cfg.SessionDir == "" {
		cfg.SessionDir = os.Getenv("XDG_RUNTIME_DIR")
	}
	if busName != "session" && busName != "system" {
		return nil, fmt.Errorf("config: -bus must be \"session\" or \"system\", got %q", busName)
	}
	return cfg, nil
}
