// Command upstartd is the event-driven process/service supervisor itself.
// Started with -pid1 it behaves as process 1 (reaping every orphan on the
// system and never exiting on its own); started without, it is a per-user
// session supervisor that publishes its bus address under
// $XDG_RUNTIME_DIR for cmd/initctl to discover (spec.md §1/§6).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/godbus/dbus"
	"github.com/hashicorp/go-hclog"

	"github.com/coreinit/upstart/internal/config"
	"github.com/coreinit/upstart/internal/control"
	"github.com/coreinit/upstart/internal/control/busapi"
	"github.com/coreinit/upstart/internal/reexec"
	"github.com/coreinit/upstart/internal/session"
	"github.com/coreinit/upstart/internal/supervisor"
)

func main() {
	log := hclog.New(&hclog.LoggerOptions{
		Name:  "upstartd",
		Level: hclog.Info,
	})

	if err := run(log); err != nil {
		log.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(log hclog.Logger) error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("parsing arguments: %w", err)
	}

	snap, resuming, err := reexec.ReadHandoff()
	if err != nil {
		log.Warn("ignoring unreadable re-exec handoff", "error", err)
		resuming = false
	}

	conn, err := dialBus(cfg.BusName)
	if err != nil {
		return fmt.Errorf("connecting to %s bus: %w", cfg.BusName, err)
	}
	defer conn.Close()

	sess := session.New(cfg.PID1, conn.Names()[0])
	if resuming {
		sess.PID1 = snap.PID1
		sess.BusAddr = snap.BusAddr
	}

	if !sess.PID1 {
		if err := session.WriteRunFile(cfg.SessionDir, os.Getpid(), sess.BusAddr); err != nil {
			log.Warn("could not publish session run file", "error", err)
		}
		defer session.RemoveRunFile(cfg.SessionDir, os.Getpid())
	}

	sup := supervisor.New(log, supervisor.Config{
		ConfDirs: cfg.ConfDirs,
		LogDir:   cfg.LogDir,
	}, sess)

	svc := control.NewService(log, sup)
	bridge, err := busapi.Bind(conn, log, svc)
	if err != nil {
		return fmt.Errorf("binding control interface: %w", err)
	}
	sup.SetHooks(busapi.Hooks(bridge))

	if resuming {
		log.Info("resuming from re-exec", "generation", snap.Generation, "instances", len(snap.Instances))
		if parseErrs, err := sup.LoadCatalog(); err != nil {
			return fmt.Errorf("loading job catalog: %w", err)
		} else {
			for _, pe := range parseErrs {
				log.Warn("job definition rejected", "error", pe)
			}
		}
		for _, w := range reexec.Resume(sup, snap) {
			log.Warn(w)
		}
	} else {
		parseErrs, err := sup.LoadCatalog()
		if err != nil {
			return fmt.Errorf("loading job catalog: %w", err)
		}
		for _, pe := range parseErrs {
			log.Warn("job definition rejected", "error", pe)
		}
		sup.EmitEvent("startup", nil, false)
	}

	runErr := sup.Run(context.Background())
	if errors.Is(runErr, supervisor.ErrRestartRequested) {
		snap := reexec.Capture(sup)
		log.Info("re-executing", "generation", snap.Generation)
		if err := reexec.Exec(snap, selfPath(), nil); err != nil {
			return fmt.Errorf("re-exec failed: %w", err)
		}
		// Exec only returns on failure; unreachable on success.
	}
	return runErr
}

func dialBus(busName string) (*dbus.Conn, error) {
	if busName == "system" {
		return dbus.SystemBus()
	}
	return dbus.SessionBus()
}

// selfPath resolves the binary to re-exec: argv[0] looked up through PATH
// (or taken relative to the cwd when it contains a slash) exactly as the
// shell that launched us did, since syscall.Exec does no PATH lookup of
// its own.
func selfPath() string {
	if p, err := exec.LookPath(os.Args[0]); err == nil {
		return p
	}
	return os.Args[0]
}
