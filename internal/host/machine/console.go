package machine

import (
	"fmt"

	"github.com/aledbf/vzbox/internal/host/vm"
	"github.com/aledbf/vzbox/internal/vmconfig"
)

// ConsoleDevice is a runtime console device of a running machine. Every
// method fails with ErrDeviceNotReady once the machine leaves StateRunning.
type ConsoleDevice struct {
	m      *Machine
	native vm.ConsoleDevice
}

// ConsolePort is a runtime console port of a running machine.
type ConsolePort struct {
	m      *Machine
	native vm.ConsolePort
}

// ConsoleDevices returns the runtime console devices in configuration order.
func (m *Machine) ConsoleDevices() ([]*ConsoleDevice, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	natives := m.native.ConsoleDevices()
	devs := make([]*ConsoleDevice, len(natives))
	for i, d := range natives {
		devs[i] = &ConsoleDevice{m: m, native: d}
	}
	return devs, nil
}

// WrapConsoleDevice wraps a device reference received in a port event.
func (m *Machine) WrapConsoleDevice(dev vm.ConsoleDevice) *ConsoleDevice {
	return &ConsoleDevice{m: m, native: dev}
}

// WrapConsolePort wraps a port reference received in a port event.
func (m *Machine) WrapConsolePort(port vm.ConsolePort) *ConsolePort {
	return &ConsolePort{m: m, native: port}
}

func (d *ConsoleDevice) ports() (vm.PortArray, error) {
	if err := d.m.ready(); err != nil {
		return nil, err
	}
	if d.native == nil {
		return nil, fmt.Errorf("console device reference is empty: %w", ErrDeviceNotReady)
	}
	return d.native.Ports(), nil
}

// MaximumPortCount returns the number of port slots of the device.
func (d *ConsoleDevice) MaximumPortCount() (int, error) {
	pa, err := d.ports()
	if err != nil {
		return 0, err
	}
	return pa.MaximumPortCount(), nil
}

// Port returns the port in slot idx, nil when the slot is empty.
func (d *ConsoleDevice) Port(idx int) (*ConsolePort, error) {
	pa, err := d.ports()
	if err != nil {
		return nil, err
	}
	if n := pa.MaximumPortCount(); idx < 0 || idx >= n {
		return nil, fmt.Errorf("port index %d, capacity %d: %w", idx, n, vmconfig.ErrIndexOutOfRange)
	}
	p := pa.At(idx)
	if p == nil {
		return nil, nil
	}
	return &ConsolePort{m: d.m, native: p}, nil
}

// Ports returns every slot of the device; empty slots are nil.
func (d *ConsoleDevice) Ports() ([]*ConsolePort, error) {
	pa, err := d.ports()
	if err != nil {
		return nil, err
	}
	out := make([]*ConsolePort, pa.MaximumPortCount())
	for i := range out {
		if p := pa.At(i); p != nil {
			out[i] = &ConsolePort{m: d.m, native: p}
		}
	}
	return out, nil
}

func (p *ConsolePort) check() error {
	if err := p.m.ready(); err != nil {
		return err
	}
	if p.native == nil {
		return fmt.Errorf("console port reference is empty: %w", ErrDeviceNotReady)
	}
	return nil
}

// Name returns the port name advertised to the guest.
func (p *ConsolePort) Name() (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	return p.native.Name(), nil
}

// Attachment returns the attachment last set on the port.
func (p *ConsolePort) Attachment() (vmconfig.SerialPortAttachment, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	return p.native.Attachment(), nil
}

// SetAttachment connects att to the guest; nil disconnects the port.
func (p *ConsolePort) SetAttachment(att vmconfig.SerialPortAttachment) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.native.SetAttachment(att)
}
