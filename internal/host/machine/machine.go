// Package machine ties a native machine to a bridge session and exposes the
// runtime console devices once the guest is running.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/docker/go-events"
	"github.com/google/uuid"

	"github.com/aledbf/vzbox/internal/bridge"
	"github.com/aledbf/vzbox/internal/host/vm"
	"github.com/aledbf/vzbox/internal/vmconfig"
)

// ErrDeviceNotReady is returned by runtime accessors before the machine has
// started successfully, or after it stopped.
var ErrDeviceNotReady = fmt.Errorf("device not ready: %w", errdefs.ErrUnavailable)

// State is the lifecycle state of a Machine.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures New.
type Option func(*options)

type options struct {
	sessionID string
}

// WithSessionID names the bridge session. A random ID is used otherwise.
func WithSessionID(id string) Option {
	return func(o *options) { o.sessionID = id }
}

// Machine is one running guest as seen by the host.
type Machine struct {
	id     string
	cfg    *vmconfig.MachineConfiguration
	native vm.Machine
	bridge *bridge.Bridge
	handle vm.Handle
	logger *log.Entry

	mu      sync.RWMutex
	state   State
	bootErr error
	retired bool
	started chan struct{}
}

// New claims cfg, creates the native machine and registers its callback
// session. Events for the session are forwarded to sink after the machine
// has observed them.
func New(ctx context.Context, engine vm.Engine, b *bridge.Bridge, cfg *vmconfig.MachineConfiguration, sink events.Sink, opts ...Option) (*Machine, error) {
	if engine == nil || b == nil || cfg == nil {
		return nil, fmt.Errorf("engine, bridge and configuration are required: %w", errdefs.ErrInvalidArgument)
	}
	if sink == nil {
		return nil, fmt.Errorf("event sink is required: %w", errdefs.ErrInvalidArgument)
	}
	o := options{sessionID: uuid.NewString()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Claim(); err != nil {
		return nil, err
	}

	logger := log.G(ctx).WithFields(log.Fields{
		"session": o.sessionID,
		"engine":  engine.Name(),
	})

	native, err := engine.NewMachine(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s machine: %w", engine.Name(), err)
	}

	m := &Machine{
		id:      o.sessionID,
		cfg:     cfg,
		native:  native,
		bridge:  b,
		logger:  logger,
		started: make(chan struct{}),
	}
	h, err := b.Register(bridge.Session{ID: o.sessionID, Sink: &observer{m: m, dst: sink}})
	if err != nil {
		return nil, err
	}
	m.handle = h
	m.logger = logger.WithField("handle", h)
	return m, nil
}

func (m *Machine) ID() string                                    { return m.id }
func (m *Machine) Handle() vm.Handle                             { return m.handle }
func (m *Machine) Configuration() *vmconfig.MachineConfiguration { return m.cfg }

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// BootError returns the boot failure that moved the machine to StateFailed.
func (m *Machine) BootError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bootErr
}

// Start requests boot. The outcome arrives as a *bridge.StartEvent on the
// session sink; WaitStarted blocks until then.
func (m *Machine) Start(exec vm.Executor, opts vm.StartOptions) error {
	m.mu.Lock()
	if m.state != StateCreated {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot start machine in state %s: %w", state, errdefs.ErrFailedPrecondition)
	}
	m.state = StateStarting
	m.mu.Unlock()

	if exec == nil {
		exec = vm.GoExecutor{}
	}
	m.logger.Info("starting machine")
	m.native.Start(exec, opts, m.handle, m.bridge.StartCompleted)
	return nil
}

// WaitStarted blocks until the start request completes. It returns the boot
// failure, if any, or ErrDeviceNotReady when the machine was stopped first.
func (m *Machine) WaitStarted(ctx context.Context) error {
	select {
	case <-m.started:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.state {
	case StateRunning:
		return nil
	case StateFailed:
		return m.bootErr
	default:
		return fmt.Errorf("machine is %s: %w", m.state, ErrDeviceNotReady)
	}
}

// startCompleted runs on the session queue before the host sees the event.
// Delegates are installed before the machine reports Running so that a port
// opened right after WaitStarted returns reaches the bridge.
func (m *Machine) startCompleted(err error) {
	var devs []vm.ConsoleDevice
	if err == nil && m.State() == StateStarting {
		devs = m.native.ConsoleDevices()
		for _, d := range devs {
			d.SetDelegate(m.handle, m.bridge.PortOpened, m.bridge.PortClosed)
		}
	}

	m.mu.Lock()
	if m.state != StateStarting {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.state = StateFailed
		m.bootErr = err
	} else {
		m.state = StateRunning
	}
	close(m.started)
	m.mu.Unlock()

	if err != nil {
		m.logger.WithError(err).Error("machine failed to start")
		return
	}
	m.logger.WithField("consoles", len(devs)).Info("machine running")
}

// Stopped is closed once the native machine has halted, by Stop or because
// the guest powered off. Close does not close it.
func (m *Machine) Stopped() <-chan struct{} { return m.native.Stopped() }

// Stop halts the native machine and retires the callback session. Calling
// Stop again is a no-op.
func (m *Machine) Stop(ctx context.Context) error {
	if !m.markStopped() {
		return nil
	}

	var errs []error
	if err := m.native.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop machine: %w", err))
	}
	if err := m.retire(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close retires the callback session without stopping the native machine.
func (m *Machine) Close(ctx context.Context) error {
	if !m.markStopped() {
		return nil
	}
	return m.retire(ctx)
}

// markStopped moves the machine to StateStopped once. It reports whether the
// caller owns the teardown.
func (m *Machine) markStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retired {
		return false
	}
	m.retired = true
	if m.state == StateCreated || m.state == StateStarting {
		close(m.started)
	}
	m.state = StateStopped
	return true
}

func (m *Machine) retire(ctx context.Context) error {
	if err := m.bridge.Retire(ctx, m.handle); err != nil {
		return fmt.Errorf("failed to retire session %s: %w", m.id, err)
	}
	m.logger.Info("machine stopped")
	return nil
}

func (m *Machine) ready() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateRunning {
		return fmt.Errorf("machine is %s: %w", m.state, ErrDeviceNotReady)
	}
	return nil
}

// observer updates the machine from session events, then forwards them.
type observer struct {
	m   *Machine
	dst events.Sink
}

func (o *observer) Write(ev events.Event) error {
	if se, ok := ev.(*bridge.StartEvent); ok {
		o.m.startCompleted(se.Err)
	}
	return o.dst.Write(ev)
}

func (o *observer) Close() error {
	return o.dst.Close()
}
