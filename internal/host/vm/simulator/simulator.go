// Package simulator is an in-process hypervisor engine. It honours the engine
// threading contract without booting anything: every callback is issued from
// a goroutine the engine owns, through the executor handed to Start.
package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/aledbf/vzbox/internal/host/vm"
	"github.com/aledbf/vzbox/internal/vmconfig"
)

// Option configures an Engine.
type Option func(*Engine)

// WithBootFailure makes every start fail with reason.
func WithBootFailure(reason string) Option {
	return func(e *Engine) { e.bootFailure = reason }
}

// WithPowerOffAfter makes the guest power itself off d after it started.
func WithPowerOffAfter(d time.Duration) Option {
	return func(e *Engine) { e.powerOffAfter = d }
}

// WithBootDelay delays start completion by d.
func WithBootDelay(d time.Duration) Option {
	return func(e *Engine) { e.bootDelay = d }
}

// Engine creates simulated machines.
type Engine struct {
	bootFailure   string
	bootDelay     time.Duration
	powerOffAfter time.Duration
}

var _ vm.Engine = (*Engine)(nil)

// New returns a simulator engine.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (*Engine) Name() string { return "simulator" }

// NewMachine mirrors the console layout of cfg. cfg must be claimed.
func (e *Engine) NewMachine(ctx context.Context, cfg *vmconfig.MachineConfiguration) (vm.Machine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("machine configuration is required: %w", errdefs.ErrInvalidArgument)
	}
	if !cfg.Claimed() {
		return nil, fmt.Errorf("machine configuration must be claimed before use: %w", errdefs.ErrFailedPrecondition)
	}

	m := &Machine{
		engine:  e,
		stopped: make(chan struct{}),
		logger: log.G(ctx).WithFields(log.Fields{
			"engine":   e.Name(),
			"identity": cfg.Identity().String(),
		}),
	}
	for _, dev := range cfg.ConsoleDevices() {
		m.devices = append(m.devices, newConsoleDevice(m, dev))
	}
	return m, nil
}

type machineState int

const (
	machineCreated machineState = iota
	machineStarting
	machineRunning
	machineFailed
	machineStopped
)

// Machine is a simulated machine.
type Machine struct {
	engine *Engine
	logger *log.Entry

	mu      sync.Mutex
	state   machineState
	exec    vm.Executor
	devices []*ConsoleDevice

	stopped  chan struct{}
	haltOnce sync.Once
}

var _ vm.Machine = (*Machine)(nil)

// Start schedules boot on an engine goroutine. A second Start completes with
// a boot failure.
func (m *Machine) Start(exec vm.Executor, _ vm.StartOptions, h vm.Handle, done vm.StartCompletionFunc) {
	m.mu.Lock()
	if m.state != machineCreated {
		m.mu.Unlock()
		exec.Execute(func() { done(h, &vm.BootFailure{Reason: "machine already started"}) })
		return
	}
	m.state = machineStarting
	m.exec = exec
	m.mu.Unlock()

	go func() {
		if m.engine.bootDelay > 0 {
			time.Sleep(m.engine.bootDelay)
		}

		var err error
		m.mu.Lock()
		switch {
		case m.state != machineStarting:
			err = &vm.BootFailure{Reason: "machine stopped during start"}
		case m.engine.bootFailure != "":
			m.state = machineFailed
			err = &vm.BootFailure{Reason: m.engine.bootFailure}
		default:
			m.state = machineRunning
		}
		m.mu.Unlock()

		m.logger.WithError(err).WithField("handle", h).Debug("simulated start completed")
		exec.Execute(func() { done(h, err) })
		if err == nil && m.engine.powerOffAfter > 0 {
			time.AfterFunc(m.engine.powerOffAfter, m.PowerOff)
		}
	}()
}

// Stop halts the machine.
func (m *Machine) Stop(ctx context.Context) error {
	m.halt()
	return nil
}

// PowerOff simulates the guest shutting itself down.
func (m *Machine) PowerOff() {
	m.logger.Debug("simulated guest powered off")
	m.halt()
}

func (m *Machine) halt() {
	m.mu.Lock()
	m.state = machineStopped
	m.mu.Unlock()
	m.haltOnce.Do(func() { close(m.stopped) })
}

func (m *Machine) Stopped() <-chan struct{} { return m.stopped }

// ConsoleDevices returns the console devices while the machine runs.
func (m *Machine) ConsoleDevices() []vm.ConsoleDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != machineRunning {
		return nil
	}
	devs := make([]vm.ConsoleDevice, len(m.devices))
	for i, d := range m.devices {
		devs[i] = d
	}
	return devs
}

func (m *Machine) running() (vm.Executor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exec, m.state == machineRunning
}

// OpenPort simulates the guest opening port idx of console device dev.
func (m *Machine) OpenPort(dev, idx int) error {
	return m.notify(dev, idx, true)
}

// ClosePort simulates the guest closing port idx of console device dev.
func (m *Machine) ClosePort(dev, idx int) error {
	return m.notify(dev, idx, false)
}

func (m *Machine) notify(dev, idx int, open bool) error {
	exec, ok := m.running()
	if !ok {
		return fmt.Errorf("machine is not running: %w", errdefs.ErrFailedPrecondition)
	}
	if dev < 0 || dev >= len(m.devices) {
		return fmt.Errorf("console device %d of %d: %w", dev, len(m.devices), errdefs.ErrOutOfRange)
	}
	d := m.devices[dev]
	port := d.ports.At(idx)
	if port == nil {
		return fmt.Errorf("console port %d of device %d: %w", idx, dev, errdefs.ErrNotFound)
	}

	d.mu.Lock()
	h, didOpen, didClose := d.handle, d.didOpen, d.didClose
	d.mu.Unlock()

	cb := didClose
	if open {
		cb = didOpen
	}
	if cb == nil {
		m.logger.WithFields(log.Fields{"device": dev, "port": idx}).Warn("no delegate installed, port event dropped")
		return fmt.Errorf("console device %d has no delegate: %w", dev, errdefs.ErrFailedPrecondition)
	}
	exec.Execute(func() { cb(h, d, port) })
	return nil
}

// ConsoleDevice is a simulated runtime console device.
type ConsoleDevice struct {
	ports *PortArray

	mu       sync.Mutex
	handle   vm.Handle
	didOpen  vm.PortCallback
	didClose vm.PortCallback
}

var _ vm.ConsoleDevice = (*ConsoleDevice)(nil)

func newConsoleDevice(m *Machine, cfg *vmconfig.ConsoleDevice) *ConsoleDevice {
	slots := cfg.Ports()
	pa := &PortArray{ports: make([]*ConsolePort, len(slots))}
	for i, p := range slots {
		if p == nil {
			continue
		}
		pa.ports[i] = &ConsolePort{machine: m, name: p.Name(), attachment: p.Attachment()}
	}
	return &ConsoleDevice{ports: pa}
}

func (d *ConsoleDevice) SetDelegate(h vm.Handle, didOpen, didClose vm.PortCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handle, d.didOpen, d.didClose = h, didOpen, didClose
}

func (d *ConsoleDevice) Ports() vm.PortArray { return d.ports }

// PortArray is the slot array of a simulated console device.
type PortArray struct {
	ports []*ConsolePort
}

var _ vm.PortArray = (*PortArray)(nil)

func (a *PortArray) MaximumPortCount() int { return len(a.ports) }

func (a *PortArray) At(i int) vm.ConsolePort {
	if i < 0 || i >= len(a.ports) || a.ports[i] == nil {
		return nil
	}
	return a.ports[i]
}

// ConsolePort is a simulated runtime console port.
type ConsolePort struct {
	machine *Machine
	name    string

	mu         sync.Mutex
	attachment vmconfig.SerialPortAttachment
}

var _ vm.ConsolePort = (*ConsolePort)(nil)

func (p *ConsolePort) Name() string { return p.name }

func (p *ConsolePort) Attachment() vmconfig.SerialPortAttachment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attachment
}

func (p *ConsolePort) SetAttachment(att vmconfig.SerialPortAttachment) error {
	if _, ok := p.machine.running(); !ok {
		return fmt.Errorf("machine is not running: %w", errdefs.ErrFailedPrecondition)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attachment = att
	return nil
}
