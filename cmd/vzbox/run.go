package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/docker/go-events"
	"github.com/spf13/cobra"

	"github.com/aledbf/vzbox/internal/bridge"
	"github.com/aledbf/vzbox/internal/config"
	"github.com/aledbf/vzbox/internal/host/machine"
	"github.com/aledbf/vzbox/internal/host/store"
	"github.com/aledbf/vzbox/internal/host/vm"
	"github.com/aledbf/vzbox/internal/manifest"
	"github.com/aledbf/vzbox/internal/paths"
	"github.com/aledbf/vzbox/internal/timeouts"
	"github.com/aledbf/vzbox/internal/vmconfig"
)

func newRunCommand() *cobra.Command {
	var recovery bool

	cmd := &cobra.Command{
		Use:   "run <manifest>",
		Args:  cobra.ExactArgs(1),
		Short: "Boot the machine described by a manifest and wait until it stops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Get()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, args[0], vm.StartOptions{StartUpFromRecovery: recovery})
		},
	}
	cmd.Flags().BoolVar(&recovery, "recovery", false, "Start up from the recovery partition")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, manifestPath string, opts vm.StartOptions) error {
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return err
	}
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("machine", m.Name))

	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}

	identity, variableStore, err := machineIdentity(ctx, cfg.Paths.StateDir, m.Name)
	if err != nil {
		return err
	}

	consoleLog := paths.ConsoleLogPath(cfg.Paths.LogDir, m.Name)
	if err := os.MkdirAll(filepath.Dir(consoleLog), 0750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	var hostEnds []*os.File
	defer func() {
		for _, f := range hostEnds {
			_ = f.Close()
		}
	}()
	mcfg, err := m.Assemble(identity, manifest.Environment{
		VariableStorePath: variableStore,
		ConsoleLogPath:    consoleLog,
		Stdin:             os.Stdin,
		Stdout:            os.Stdout,
		NetworkFile: func() (*os.File, error) {
			engineEnd, hostEnd, err := vm.SocketPair()
			if err != nil {
				return nil, err
			}
			hostEnds = append(hostEnds, engineEnd, hostEnd)
			return engineEnd, nil
		},
	})
	if err != nil {
		return err
	}

	br := bridge.New(bridge.WithRetireTimeout(time.Duration(cfg.Bridge.RetireTimeout)))
	ch := events.NewChannel(timeouts.SessionEventBuffer)
	mach, err := machine.New(ctx, engine, br, mcfg, ch, machine.WithSessionID(m.Name))
	if err != nil {
		return err
	}

	exec := vm.NewSerialExecutor()
	defer exec.Close()

	if m.UsesStdio() {
		restore, err := rawTerminal(os.Stdin)
		if err != nil {
			return errors.Join(err, mach.Close(ctx))
		}
		defer restore()
	}

	log.G(ctx).WithField("engine", engine.Name()).Info("starting machine")
	if err := mach.Start(exec, opts); err != nil {
		return errors.Join(err, mach.Close(ctx))
	}
	return watch(ctx, mach, ch)
}

// machineIdentity loads the persisted identity of name, recording a new one
// on first run.
func machineIdentity(ctx context.Context, stateDir, name string) (_ *vmconfig.MachineIdentity, variableStore string, _ error) {
	if _, err := paths.EnsureMachineDir(stateDir, name); err != nil {
		return nil, "", fmt.Errorf("failed to create machine directory: %w", err)
	}
	ids, err := store.NewIdentityStore(paths.IdentityDBPath(stateDir))
	if err != nil {
		return nil, "", err
	}
	defer ids.Close()

	rec, created, err := store.LoadOrCreateIdentity(ctx, ids, name, paths.VariableStorePath(stateDir, name))
	if err != nil {
		return nil, "", err
	}
	id, err := rec.MachineIdentity()
	if err != nil {
		return nil, "", err
	}
	log.G(ctx).WithFields(log.Fields{
		"identity": id.String(),
		"created":  created,
	}).Debug("resolved machine identity")

	variableStore = rec.VariableStore
	if variableStore == "" {
		variableStore = paths.VariableStorePath(stateDir, name)
	}
	return id, variableStore, nil
}

// watch follows session events until the machine stops, fails to start or
// ctx is cancelled.
func watch(ctx context.Context, mach *machine.Machine, ch *events.Channel) error {
	logger := log.G(ctx)
	startTimer := time.NewTimer(timeouts.StartTimeout)
	defer startTimer.Stop()

	for {
		select {
		case ev := <-ch.C:
			switch e := ev.(type) {
			case *bridge.StartEvent:
				startTimer.Stop()
				if e.Err != nil {
					return errors.Join(e.Err, stopMachine(ctx, mach, ch))
				}
				logger.Info("machine running")
				logConsoles(ctx, mach)
			case *bridge.PortEvent:
				logPortEvent(ctx, mach, e)
			}
		case <-startTimer.C:
			err := fmt.Errorf("machine did not start within %s: %w", timeouts.StartTimeout, errdefs.ErrDeadlineExceeded)
			return errors.Join(err, stopMachine(ctx, mach, ch))
		case <-mach.Stopped():
			logger.Info("machine powered off")
			return stopMachine(ctx, mach, ch)
		case <-ctx.Done():
			logger.Info("stopping machine")
			return stopMachine(ctx, mach, ch)
		case <-ch.Done():
			return nil
		}
	}
}

// stopMachine tears the machine down within timeouts.StopTimeout, discarding
// the events flushed meanwhile so the flush never waits on the channel.
func stopMachine(ctx context.Context, mach *machine.Machine, ch *events.Channel) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.StopTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- mach.Stop(ctx) }()
	for {
		select {
		case ev := <-ch.C:
			log.G(ctx).WithField("event", fmt.Sprintf("%T", ev)).Debug("discarding event during stop")
		case err := <-done:
			return err
		}
	}
}

func logConsoles(ctx context.Context, mach *machine.Machine) {
	logger := log.G(ctx)
	devices, err := mach.ConsoleDevices()
	if err != nil {
		logger.WithError(err).Warn("console devices unavailable")
		return
	}
	if len(devices) == 0 {
		logger.Debug("engine exposes no runtime console devices")
	}
	for i, dev := range devices {
		ports, err := dev.Ports()
		if err != nil {
			logger.WithError(err).Warn("console ports unavailable")
			return
		}
		for j, p := range ports {
			if p == nil {
				continue
			}
			name, _ := p.Name()
			logger.WithFields(log.Fields{
				"device": i,
				"slot":   j,
				"port":   name,
			}).Info("console port")
		}
	}
}

func logPortEvent(ctx context.Context, mach *machine.Machine, e *bridge.PortEvent) {
	name, err := mach.WrapConsolePort(e.Port).Name()
	if err != nil {
		log.G(ctx).WithError(err).WithField("event", e.Kind).Debug("port event after machine stopped")
		return
	}
	log.G(ctx).WithFields(log.Fields{
		"event": e.Kind,
		"port":  name,
	}).Info("console port changed")
}
