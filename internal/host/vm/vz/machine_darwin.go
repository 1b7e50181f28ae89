package vz

import (
	"context"
	"fmt"
	"sync"
	"time"

	virtualization "github.com/Code-Hex/vz/v3"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/aledbf/vzbox/internal/host/vm"
	"github.com/aledbf/vzbox/internal/timeouts"
	"github.com/aledbf/vzbox/internal/vmconfig"
)

// Engine creates machines through the Virtualization framework.
type Engine struct {
	stateDir string
}

var _ vm.Engine = (*Engine)(nil)

// New returns an engine that keeps native machine identifiers under stateDir.
func New(stateDir string) (*Engine, error) {
	if ok, err := vm.Supported(); !ok {
		if err == nil {
			err = errdefs.ErrNotImplemented
		}
		return nil, fmt.Errorf("virtualization is not supported on this host: %w", err)
	}
	return &Engine{stateDir: stateDir}, nil
}

func (*Engine) Name() string { return "vz" }

// NewMachine builds the native configuration of cfg and creates the machine.
// cfg must be claimed.
func (e *Engine) NewMachine(ctx context.Context, cfg *vmconfig.MachineConfiguration) (vm.Machine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("machine configuration is required: %w", errdefs.ErrInvalidArgument)
	}
	if !cfg.Claimed() {
		return nil, fmt.Errorf("machine configuration must be claimed before use: %w", errdefs.ErrFailedPrecondition)
	}

	vmConfig, err := e.nativeConfiguration(cfg)
	if err != nil {
		return nil, err
	}
	native, err := virtualization.NewVirtualMachine(vmConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create virtual machine: %w", err)
	}

	return &Machine{
		native:  native,
		stopped: make(chan struct{}),
		logger: log.G(ctx).WithFields(log.Fields{
			"engine":   e.Name(),
			"identity": cfg.Identity().String(),
		}),
	}, nil
}

// Machine wraps a framework virtual machine.
type Machine struct {
	native *virtualization.VirtualMachine
	logger *log.Entry

	mu      sync.Mutex
	started bool

	stopped chan struct{}
}

var _ vm.Machine = (*Machine)(nil)

// Start boots the machine on an engine goroutine. The framework call blocks
// until the guest is running or failed to boot.
func (m *Machine) Start(exec vm.Executor, opts vm.StartOptions, h vm.Handle, done vm.StartCompletionFunc) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		exec.Execute(func() { done(h, &vm.BootFailure{Reason: "machine already started"}) })
		return
	}
	m.started = true
	m.mu.Unlock()

	if opts.StartUpFromRecovery {
		m.logger.Warn("recovery boot is only available for macOS guests, starting normally")
	}

	go m.watchState()
	go func() {
		err := vm.NewBootFailure(m.native.Start())
		m.logger.WithError(err).WithField("handle", h).Debug("start completed")
		exec.Execute(func() { done(h, err) })
	}()
}

// Stop asks the guest to power off and halts it when it does not within
// timeouts.StopGracePeriod or before ctx is done.
func (m *Machine) Stop(ctx context.Context) error {
	switch m.native.State() {
	case virtualization.VirtualMachineStateStopped, virtualization.VirtualMachineStateError:
		return nil
	}

	if m.native.CanRequestStop() {
		if _, err := m.native.RequestStop(); err != nil {
			m.logger.WithError(err).Debug("stop request failed, halting")
		} else if m.waitStopped(ctx, timeouts.StopGracePeriod) {
			return nil
		}
	}

	if !m.native.CanStop() {
		return nil
	}
	if err := m.native.Stop(); err != nil {
		return fmt.Errorf("failed to stop virtual machine: %w", err)
	}
	return nil
}

func (m *Machine) waitStopped(ctx context.Context, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-m.stopped:
		return true
	case <-timer.C:
		m.logger.Warn("guest did not power off in time")
		return false
	case <-ctx.Done():
		return false
	}
}

// watchState is the only reader of the framework state channel. It closes
// stopped once the machine halts.
func (m *Machine) watchState() {
	for state := range m.native.StateChangedNotify() {
		switch state {
		case virtualization.VirtualMachineStateStopped, virtualization.VirtualMachineStateError:
			m.logger.WithField("state", state).Info("machine halted")
			close(m.stopped)
			return
		}
	}
}

// Stopped is closed once the framework reports the machine stopped or in
// error. It is never closed for a machine that was not started.
func (m *Machine) Stopped() <-chan struct{} { return m.stopped }

// ConsoleDevices returns no devices: the released framework binding does not
// expose runtime console devices or port delegates.
// TODO: map VirtualMachine.ConsoleDevices once a tagged Code-Hex/vz release
// exposes the runtime virtio console device and its port delegate.
func (m *Machine) ConsoleDevices() []vm.ConsoleDevice {
	return nil
}
