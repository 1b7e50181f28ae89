package vmconfig

import "fmt"

// MaxConsolePortCount bounds the capacity of a console device.
const MaxConsolePortCount = 32

// ConsoleDevice is a virtio console device multiplexing a fixed number of
// port slots. Slots are addressed by index; an empty slot is nil.
type ConsoleDevice struct {
	seal

	slots []*ConsolePort
}

var _ Device = (*ConsoleDevice)(nil)

// NewConsoleDevice returns a console device with capacity port slots.
func NewConsoleDevice(capacity int) (*ConsoleDevice, error) {
	if err := validateCapacity(capacity); err != nil {
		return nil, err
	}
	return &ConsoleDevice{slots: make([]*ConsolePort, capacity)}, nil
}

func validateCapacity(n int) error {
	if n < 1 || n > MaxConsolePortCount {
		return invalidParam("console port capacity %d outside [1, %d]", n, MaxConsolePortCount)
	}
	return nil
}

func (*ConsoleDevice) Kind() DeviceKind { return DeviceConsole }

// MaximumPortCount returns the number of port slots.
func (c *ConsoleDevice) MaximumPortCount() int { return len(c.slots) }

// SetMaximumPortCount resizes the slot array. Shrinking below an occupied
// slot fails with ErrIndexOutOfRange.
func (c *ConsoleDevice) SetMaximumPortCount(n int) error {
	if err := c.mutable("console device"); err != nil {
		return err
	}
	if err := validateCapacity(n); err != nil {
		return err
	}
	for i := n; i < len(c.slots); i++ {
		if c.slots[i] != nil {
			return indexOutOfRange(i, n)
		}
	}
	slots := make([]*ConsolePort, n)
	copy(slots, c.slots)
	c.slots = slots
	return nil
}

// Port returns the port in slot idx, nil when the slot is empty.
func (c *ConsoleDevice) Port(idx int) (*ConsolePort, error) {
	if idx < 0 || idx >= len(c.slots) {
		return nil, indexOutOfRange(idx, len(c.slots))
	}
	return c.slots[idx], nil
}

// Ports returns a copy of the slot array.
func (c *ConsoleDevice) Ports() []*ConsolePort {
	return append([]*ConsolePort(nil), c.slots...)
}

// SetPort binds port to slot idx, replacing any previous occupant.
func (c *ConsoleDevice) SetPort(idx int, port *ConsolePort) error {
	if err := c.mutable("console device"); err != nil {
		return err
	}
	if idx < 0 || idx >= len(c.slots) {
		return indexOutOfRange(idx, len(c.slots))
	}
	if port == nil {
		return invalidParam("console port for slot %d is nil", idx)
	}
	if err := port.mutable("console port"); err != nil {
		return err
	}
	if port.owner != nil && (port.owner != c || port.index != idx) {
		return invalidParam("console port %q is already bound to slot %d", port.name, port.index)
	}
	if port.isConsole {
		if j := c.primaryIndex(idx); j >= 0 {
			return duplicatePrimary(j)
		}
	}

	if old := c.slots[idx]; old != nil && old != port {
		old.owner = nil
	}
	c.slots[idx] = port
	port.owner = c
	port.index = idx
	return nil
}

// ClearPort empties slot idx.
func (c *ConsoleDevice) ClearPort(idx int) error {
	if err := c.mutable("console device"); err != nil {
		return err
	}
	if idx < 0 || idx >= len(c.slots) {
		return indexOutOfRange(idx, len(c.slots))
	}
	if old := c.slots[idx]; old != nil {
		old.owner = nil
	}
	c.slots[idx] = nil
	return nil
}

// PrimaryPort returns the slot index of the port marked as system console.
func (c *ConsoleDevice) PrimaryPort() (int, bool) {
	i := c.primaryIndex(-1)
	return i, i >= 0
}

// primaryIndex returns the index of a primary port other than slot skip.
func (c *ConsoleDevice) primaryIndex(skip int) int {
	for i, p := range c.slots {
		if i != skip && p != nil && p.isConsole {
			return i
		}
	}
	return -1
}

func (c *ConsoleDevice) sealDevice() {
	c.markSealed()
	for _, p := range c.slots {
		if p != nil {
			p.sealPort()
		}
	}
}

// ConsolePort is one slot occupant of a console device.
type ConsolePort struct {
	seal

	owner *ConsoleDevice
	index int

	name       string
	isConsole  bool
	attachment SerialPortAttachment
}

// ConsolePortOption configures NewConsolePort.
type ConsolePortOption func(*ConsolePort)

// WithPortName sets the port name advertised to the guest.
func WithPortName(name string) ConsolePortOption {
	return func(p *ConsolePort) { p.name = name }
}

// WithPortIsConsole marks the port for use as the system console.
func WithPortIsConsole(isConsole bool) ConsolePortOption {
	return func(p *ConsolePort) { p.isConsole = isConsole }
}

// WithPortAttachment binds the port to att.
func WithPortAttachment(att SerialPortAttachment) ConsolePortOption {
	return func(p *ConsolePort) { p.attachment = att }
}

// NewConsolePort returns an unbound console port. An attachment passed with
// WithPortAttachment that already backs another port or device is rejected
// by Build.
func NewConsolePort(opts ...ConsolePortOption) *ConsolePort {
	p := &ConsolePort{index: -1}
	for _, opt := range opts {
		opt(p)
	}
	if p.attachment != nil {
		_ = p.attachment.bind(p)
	}
	return p
}

func (p *ConsolePort) Name() string                     { return p.name }
func (p *ConsolePort) IsConsole() bool                  { return p.isConsole }
func (p *ConsolePort) Attachment() SerialPortAttachment { return p.attachment }

// Index returns the slot index the port is bound to, -1 when unbound.
func (p *ConsolePort) Index() int {
	if p.owner == nil {
		return -1
	}
	return p.index
}

// SetName sets the port name.
func (p *ConsolePort) SetName(name string) error {
	if err := p.mutable("console port"); err != nil {
		return err
	}
	p.name = name
	return nil
}

// SetIsConsole marks or unmarks the port as the system console. Marking a
// port while another port of the same device is primary fails with
// ErrDuplicatePrimaryConsole.
func (p *ConsolePort) SetIsConsole(isConsole bool) error {
	if err := p.mutable("console port"); err != nil {
		return err
	}
	if isConsole && p.owner != nil {
		if j := p.owner.primaryIndex(p.index); j >= 0 {
			return duplicatePrimary(j)
		}
	}
	p.isConsole = isConsole
	return nil
}

// SetAttachment binds the port to att; nil unbinds it. An attachment backs
// at most one port or device.
func (p *ConsolePort) SetAttachment(att SerialPortAttachment) error {
	if err := p.mutable("console port"); err != nil {
		return err
	}
	if att != nil {
		if err := att.bind(p); err != nil {
			return fmt.Errorf("console port %q: %w", p.name, err)
		}
	}
	if old := p.attachment; old != nil && old != att {
		old.release(p)
	}
	p.attachment = att
	return nil
}

func (p *ConsolePort) sealPort() {
	p.markSealed()
	if p.attachment != nil {
		p.attachment.sealAttachment()
	}
}
