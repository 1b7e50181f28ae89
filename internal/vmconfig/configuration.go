package vmconfig

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Resource bounds accepted by Build.
const (
	DefaultCPUCount   uint   = 2
	MaxCPUCount       uint   = 64
	MinMemorySize     uint64 = 64 << 20
	DefaultMemorySize uint64 = 2 << 30

	memoryGranularity uint64 = 1 << 20
)

// BuildOption configures machine-wide resources.
type BuildOption func(*buildOptions)

type buildOptions struct {
	cpuCount   uint
	memorySize uint64
}

// WithCPUCount sets the number of virtual CPUs.
func WithCPUCount(n uint) BuildOption {
	return func(o *buildOptions) { o.cpuCount = n }
}

// WithMemorySize sets the guest memory size in bytes.
func WithMemorySize(size uint64) BuildOption {
	return func(o *buildOptions) { o.memorySize = size }
}

// MachineConfiguration is the sealed root aggregate handed to a hypervisor
// engine. After hand-off it is a passive record; live devices belong to the
// engine.
type MachineConfiguration struct {
	identity   *MachineIdentity
	boot       BootDescriptor
	cpuCount   uint
	memorySize uint64

	devices   []Device
	graphics  *GraphicsDevice
	consoles  []*ConsoleDevice
	storage   []*StorageDevice
	network   []*NetworkDevice
	clipboard *ClipboardAgentDevice

	claimed atomic.Bool
}

// Build validates the node set and returns a sealed configuration. On failure
// nothing is sealed and every node remains usable.
func Build(identity *MachineIdentity, boot BootDescriptor, devices []Device, opts ...BuildOption) (*MachineConfiguration, error) {
	o := buildOptions{cpuCount: DefaultCPUCount, memorySize: DefaultMemorySize}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &MachineConfiguration{
		identity:   identity,
		boot:       boot,
		cpuCount:   o.cpuCount,
		memorySize: o.memorySize,
	}

	var errs []error
	if identity == nil {
		errs = append(errs, errors.New("machine identity is required"))
	} else if n := len(identity.DataRepresentation()); n != MachineIdentitySize {
		errs = append(errs, fmt.Errorf("machine identity is %d bytes, want %d", n, MachineIdentitySize))
	}
	if boot == nil {
		errs = append(errs, errors.New("exactly one boot descriptor is required"))
	} else if boot.Sealed() {
		errs = append(errs, frozen(fmt.Sprintf("%s boot loader is attached to another configuration", boot.Kind())))
	}
	if o.cpuCount < 1 || o.cpuCount > MaxCPUCount {
		errs = append(errs, fmt.Errorf("cpu count %d outside [1, %d]", o.cpuCount, MaxCPUCount))
	}
	if o.memorySize < MinMemorySize || o.memorySize%memoryGranularity != 0 {
		errs = append(errs, fmt.Errorf("memory size %d must be a multiple of 1MiB and at least %d", o.memorySize, MinMemorySize))
	}

	agents := 0
	seen := make(map[Device]struct{}, len(devices))
	for i, d := range devices {
		if d == nil {
			errs = append(errs, fmt.Errorf("device %d is nil", i))
			continue
		}
		if _, dup := seen[d]; dup {
			errs = append(errs, fmt.Errorf("device %d (%s) is listed twice", i, d.Kind()))
			continue
		}
		seen[d] = struct{}{}
		if d.Sealed() {
			errs = append(errs, frozen(fmt.Sprintf("device %d (%s) is attached to another configuration", i, d.Kind())))
			continue
		}

		switch dev := d.(type) {
		case *GraphicsDevice:
			if cfg.graphics != nil {
				errs = append(errs, fmt.Errorf("device %d: at most one graphics device is supported", i))
				continue
			}
			if len(dev.scanouts) == 0 {
				errs = append(errs, fmt.Errorf("device %d: graphics device needs at least one scanout", i))
			}
			cfg.graphics = dev
		case *ConsoleDevice:
			for j, p := range dev.slots {
				if p == nil || p.attachment == nil {
					continue
				}
				if !p.attachment.boundTo(p) {
					errs = append(errs, fmt.Errorf("device %d: port %d attachment already backs another port or device", i, j))
				}
				if p.attachment.AttachmentKind() == AttachmentSpiceAgent {
					agents++
				}
			}
			cfg.consoles = append(cfg.consoles, dev)
		case *StorageDevice:
			if !dev.attachment.boundTo(dev) {
				errs = append(errs, fmt.Errorf("device %d: attachment already backs another device", i))
			}
			cfg.storage = append(cfg.storage, dev)
		case *NetworkDevice:
			if !dev.attachment.boundTo(dev) {
				errs = append(errs, fmt.Errorf("device %d: attachment already backs another device", i))
			}
			cfg.network = append(cfg.network, dev)
		case *ClipboardAgentDevice:
			if cfg.clipboard != nil {
				errs = append(errs, fmt.Errorf("device %d: at most one clipboard agent is supported", i))
				continue
			}
			cfg.clipboard = dev
			agents++
		default:
			errs = append(errs, fmt.Errorf("device %d: unsupported device type %T", i, d))
			continue
		}
		cfg.devices = append(cfg.devices, d)
	}

	if agents > 1 {
		errs = append(errs, fmt.Errorf("%d spice agents configured, at most one is supported", agents))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, errors.Join(errs...))
	}

	if cfg.clipboard != nil {
		agent, err := NewConsoleDevice(1)
		if err != nil {
			return nil, err
		}
		port := NewConsolePort(WithPortName(SpiceAgentPortName), WithPortAttachment(cfg.clipboard.attachment))
		if err := agent.SetPort(0, port); err != nil {
			return nil, err
		}
		cfg.consoles = append(cfg.consoles, agent)
		agent.sealDevice()
	}

	identity.markSealed()
	boot.sealBoot()
	for _, d := range cfg.devices {
		d.sealDevice()
	}
	return cfg, nil
}

func (c *MachineConfiguration) Identity() *MachineIdentity     { return c.identity }
func (c *MachineConfiguration) BootDescriptor() BootDescriptor { return c.boot }
func (c *MachineConfiguration) CPUCount() uint                 { return c.cpuCount }
func (c *MachineConfiguration) MemorySize() uint64             { return c.memorySize }

// Devices returns the nodes passed to Build, in order.
func (c *MachineConfiguration) Devices() []Device {
	return append([]Device(nil), c.devices...)
}

// GraphicsDevice returns the graphics device, nil when none is configured.
func (c *MachineConfiguration) GraphicsDevice() *GraphicsDevice { return c.graphics }

// ConsoleDevices returns the console devices in attach order. A clipboard
// agent contributes a trailing single-port device.
func (c *MachineConfiguration) ConsoleDevices() []*ConsoleDevice {
	return append([]*ConsoleDevice(nil), c.consoles...)
}

func (c *MachineConfiguration) StorageDevices() []*StorageDevice {
	return append([]*StorageDevice(nil), c.storage...)
}

func (c *MachineConfiguration) NetworkDevices() []*NetworkDevice {
	return append([]*NetworkDevice(nil), c.network...)
}

// ClipboardAgent returns the clipboard agent, nil when none is configured.
func (c *MachineConfiguration) ClipboardAgent() *ClipboardAgentDevice { return c.clipboard }

// Claim records the single hand-off of the configuration to an engine.
func (c *MachineConfiguration) Claim() error {
	if !c.claimed.CompareAndSwap(false, true) {
		return frozen("machine configuration was already handed to an engine")
	}
	return nil
}

// Claimed reports whether the configuration has been handed off.
func (c *MachineConfiguration) Claimed() bool { return c.claimed.Load() }
