package manifest

import (
	"fmt"
	"net"
	"os"

	"github.com/containerd/errdefs"

	"github.com/aledbf/vzbox/internal/vmconfig"
)

// Environment supplies what a manifest cannot name itself.
type Environment struct {
	// VariableStorePath is used when boot.variable_store is empty.
	VariableStorePath string
	// ConsoleLogPath is used by file attachments that name no path.
	ConsoleLogPath string
	// Stdin and Stdout back a port attached to stdio.
	Stdin, Stdout *os.File
	// NetworkFile returns the engine end of a datagram socket pair for each
	// socketpair network, in manifest order.
	NetworkFile func() (*os.File, error)
}

// Assemble turns m into a sealed machine configuration for identity.
func (m *Manifest) Assemble(identity *vmconfig.MachineIdentity, env Environment) (*vmconfig.MachineConfiguration, error) {
	boot, err := m.bootLoader(env)
	if err != nil {
		return nil, err
	}

	var devices []vmconfig.Device
	if m.Graphics != nil {
		g, err := m.graphics()
		if err != nil {
			return nil, err
		}
		devices = append(devices, g)
	}
	for i := range m.Consoles {
		c, err := m.console(i, env)
		if err != nil {
			return nil, err
		}
		devices = append(devices, c)
	}
	for i := range m.Disks {
		d, err := m.disk(i)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	for i := range m.Networks {
		n, err := m.network(i, env)
		if err != nil {
			return nil, err
		}
		devices = append(devices, n)
	}
	if m.Clipboard != nil {
		c := vmconfig.NewClipboardAgentDevice()
		if err := c.SetSharesClipboard(m.Clipboard.Share); err != nil {
			return nil, err
		}
		devices = append(devices, c)
	}

	var opts []vmconfig.BuildOption
	if m.CPUs != 0 {
		opts = append(opts, vmconfig.WithCPUCount(m.CPUs))
	}
	if m.MemoryMiB != 0 {
		opts = append(opts, vmconfig.WithMemorySize(m.MemoryMiB<<20))
	}
	cfg, err := vmconfig.Build(identity, boot, devices, opts...)
	if err != nil {
		return nil, fmt.Errorf("machine %s: %w", m.Name, err)
	}
	return cfg, nil
}

func (m *Manifest) bootLoader(env Environment) (vmconfig.BootDescriptor, error) {
	switch m.Boot.Loader {
	case LoaderLinux:
		var opts []vmconfig.LinuxBootLoaderOption
		if m.Boot.CommandLine != "" {
			opts = append(opts, vmconfig.WithCommandLine(m.Boot.CommandLine))
		}
		if m.Boot.Initrd != "" {
			opts = append(opts, vmconfig.WithInitrd(m.resolve(m.Boot.Initrd)))
		}
		return vmconfig.NewLinuxBootLoader(m.resolve(m.Boot.Kernel), opts...)
	default:
		path := m.resolve(m.Boot.VariableStore)
		if path == "" {
			path = env.VariableStorePath
		}
		store, err := vmconfig.NewVariableStore(path, vmconfig.WithCreatingVariableStore())
		if err != nil {
			return nil, err
		}
		return vmconfig.NewEFIBootLoader(store)
	}
}

func (m *Manifest) graphics() (*vmconfig.GraphicsDevice, error) {
	var scanouts []*vmconfig.Scanout
	for i, s := range m.Graphics.Scanouts {
		sc, err := vmconfig.NewScanout(s.Width, s.Height)
		if err != nil {
			return nil, fmt.Errorf("graphics.scanouts[%d]: %w", i, err)
		}
		scanouts = append(scanouts, sc)
	}
	g := vmconfig.NewGraphicsDevice()
	if err := g.SetScanouts(scanouts...); err != nil {
		return nil, err
	}
	return g, nil
}

func (m *Manifest) console(i int, env Environment) (*vmconfig.ConsoleDevice, error) {
	c := m.Consoles[i]
	dev, err := vmconfig.NewConsoleDevice(c.Capacity)
	if err != nil {
		return nil, fmt.Errorf("consoles[%d]: %w", i, err)
	}
	for j, p := range c.Ports {
		opts := []vmconfig.ConsolePortOption{
			vmconfig.WithPortName(p.Name),
			vmconfig.WithPortIsConsole(p.Console),
		}
		att, err := m.portAttachment(p.Attach, env)
		if err != nil {
			return nil, fmt.Errorf("consoles[%d].ports[%d]: %w", i, j, err)
		}
		if att != nil {
			opts = append(opts, vmconfig.WithPortAttachment(att))
		}
		if err := dev.SetPort(p.Slot, vmconfig.NewConsolePort(opts...)); err != nil {
			return nil, fmt.Errorf("consoles[%d].ports[%d]: %w", i, j, err)
		}
	}
	return dev, nil
}

func (m *Manifest) portAttachment(a Attach, env Environment) (vmconfig.SerialPortAttachment, error) {
	switch a.Type {
	case AttachFile:
		path := m.resolve(a.Path)
		if path == "" {
			path = env.ConsoleLogPath
		}
		return vmconfig.NewFileSerialAttachment(path, a.Append)
	case AttachStdio:
		return vmconfig.NewFileHandleSerialAttachment(env.Stdin, env.Stdout)
	case AttachSpice:
		return vmconfig.NewSpiceAgentAttachment(), nil
	default:
		return nil, nil
	}
}

func (m *Manifest) disk(i int) (*vmconfig.StorageDevice, error) {
	d := m.Disks[i]
	att, err := vmconfig.NewDiskImageAttachment(m.resolve(d.Path), d.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("disks[%d]: %w", i, err)
	}
	if d.Bus == BusUSB {
		return vmconfig.NewUSBMassStorageDevice(att)
	}
	return vmconfig.NewVirtioBlockDevice(att)
}

func (m *Manifest) network(i int, env Environment) (*vmconfig.NetworkDevice, error) {
	n := m.Networks[i]
	var att vmconfig.NetworkAttachment
	switch n.Type {
	case NetworkSocketPair:
		if env.NetworkFile == nil {
			return nil, fmt.Errorf("networks[%d]: no socket pair provider: %w", i, errdefs.ErrFailedPrecondition)
		}
		f, err := env.NetworkFile()
		if err != nil {
			return nil, fmt.Errorf("networks[%d]: %w", i, err)
		}
		fh, err := vmconfig.NewFileHandleNetworkAttachment(f)
		if err != nil {
			return nil, err
		}
		if n.MTU != 0 {
			if err := fh.SetMaximumTransmissionUnit(n.MTU); err != nil {
				return nil, fmt.Errorf("networks[%d]: %w", i, err)
			}
		}
		att = fh
	default:
		att = vmconfig.NewNATNetworkAttachment()
	}

	dev, err := vmconfig.NewNetworkDevice(att)
	if err != nil {
		return nil, err
	}
	if n.MAC != "" {
		mac, err := net.ParseMAC(n.MAC)
		if err != nil {
			return nil, err
		}
		if err := dev.SetMACAddress(mac); err != nil {
			return nil, fmt.Errorf("networks[%d]: %w", i, err)
		}
	}
	return dev, nil
}
