package vz

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	virtualization "github.com/Code-Hex/vz/v3"
	"github.com/containerd/errdefs"

	"github.com/aledbf/vzbox/internal/paths"
	"github.com/aledbf/vzbox/internal/vmconfig"
)

// nativeConfiguration translates a sealed configuration graph into a
// validated framework configuration.
func (e *Engine) nativeConfiguration(cfg *vmconfig.MachineConfiguration) (*virtualization.VirtualMachineConfiguration, error) {
	boot, err := bootLoader(cfg.BootDescriptor())
	if err != nil {
		return nil, err
	}

	vmConfig, err := virtualization.NewVirtualMachineConfiguration(boot, cfg.CPUCount(), cfg.MemorySize())
	if err != nil {
		return nil, fmt.Errorf("failed to create machine configuration: %w", err)
	}

	if err := e.attachPlatform(cfg, vmConfig); err != nil {
		return nil, err
	}
	if err := attachGraphics(cfg, vmConfig); err != nil {
		return nil, err
	}
	if err := attachConsoles(cfg, vmConfig); err != nil {
		return nil, err
	}
	if err := attachStorage(cfg, vmConfig); err != nil {
		return nil, err
	}
	if err := attachNetwork(cfg, vmConfig); err != nil {
		return nil, err
	}

	ok, err := vmConfig.Validate()
	if err != nil {
		return nil, fmt.Errorf("machine configuration rejected: %w: %w", err, errdefs.ErrInvalidArgument)
	}
	if !ok {
		return nil, fmt.Errorf("machine configuration rejected: %w", errdefs.ErrInvalidArgument)
	}
	return vmConfig, nil
}

func bootLoader(desc vmconfig.BootDescriptor) (virtualization.BootLoader, error) {
	switch b := desc.(type) {
	case *vmconfig.EFIBootLoader:
		store, err := variableStore(b.VariableStore())
		if err != nil {
			return nil, err
		}
		return virtualization.NewEFIBootLoader(virtualization.WithEFIVariableStore(store))
	case *vmconfig.LinuxBootLoader:
		var opts []virtualization.LinuxBootLoaderOption
		if b.CommandLine() != "" {
			opts = append(opts, virtualization.WithCommandLine(b.CommandLine()))
		}
		if b.InitrdPath() != "" {
			opts = append(opts, virtualization.WithInitrd(b.InitrdPath()))
		}
		return virtualization.NewLinuxBootLoader(b.KernelPath(), opts...)
	default:
		return nil, fmt.Errorf("unsupported boot loader %T: %w", desc, errdefs.ErrNotImplemented)
	}
}

// variableStore opens the EFI variable store. An empty file is one the host
// just created; the framework must format it, which it refuses to do over an
// existing file.
func variableStore(vs *vmconfig.VariableStore) (*virtualization.EFIVariableStore, error) {
	st, err := os.Stat(vs.Path())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err == nil && st.Size() > 0 {
		return virtualization.NewEFIVariableStore(vs.Path())
	}
	if err == nil {
		if err := os.Remove(vs.Path()); err != nil {
			return nil, fmt.Errorf("failed to replace empty variable store: %w", err)
		}
	}
	return virtualization.NewEFIVariableStore(vs.Path(), virtualization.WithCreatingEFIVariableStore())
}

func (e *Engine) attachPlatform(cfg *vmconfig.MachineConfiguration, vmConfig *virtualization.VirtualMachineConfiguration) error {
	id, err := genericMachineIdentifier(paths.NativeIdentifierPath(e.stateDir, cfg.Identity().String()))
	if err != nil {
		return err
	}
	platform, err := virtualization.NewGenericPlatformConfiguration(virtualization.WithGenericMachineIdentifier(id))
	if err != nil {
		return fmt.Errorf("failed to create platform configuration: %w", err)
	}
	vmConfig.SetPlatformVirtualMachineConfiguration(platform)
	return nil
}

func attachGraphics(cfg *vmconfig.MachineConfiguration, vmConfig *virtualization.VirtualMachineConfiguration) error {
	g := cfg.GraphicsDevice()
	if g == nil {
		return nil
	}
	dev, err := virtualization.NewVirtioGraphicsDeviceConfiguration()
	if err != nil {
		return err
	}
	var scanouts []*virtualization.VirtioGraphicsScanoutConfiguration
	for _, s := range g.Scanouts() {
		sc, err := virtualization.NewVirtioGraphicsScanoutConfiguration(int64(s.Width()), int64(s.Height()))
		if err != nil {
			return err
		}
		scanouts = append(scanouts, sc)
	}
	dev.SetScanouts(scanouts...)
	vmConfig.SetGraphicsDevicesVirtualMachineConfiguration([]virtualization.GraphicsDeviceConfiguration{dev})
	return nil
}

// attachConsoles maps every console device, the clipboard agent included,
// slot for slot. Empty slots stay empty.
func attachConsoles(cfg *vmconfig.MachineConfiguration, vmConfig *virtualization.VirtualMachineConfiguration) error {
	var devices []virtualization.ConsoleDeviceConfiguration
	for _, c := range cfg.ConsoleDevices() {
		dev, err := virtualization.NewVirtioConsoleDeviceConfiguration()
		if err != nil {
			return err
		}
		for i, p := range c.Ports() {
			if p == nil {
				continue
			}
			port, err := consolePort(p)
			if err != nil {
				return fmt.Errorf("console port %d: %w", i, err)
			}
			dev.SetVirtioConsolePortConfiguration(i, port)
		}
		devices = append(devices, dev)
	}
	if len(devices) > 0 {
		vmConfig.SetConsoleDevicesVirtualMachineConfiguration(devices)
	}
	return nil
}

func consolePort(p *vmconfig.ConsolePort) (*virtualization.VirtioConsolePortConfiguration, error) {
	opts := []virtualization.VirtioConsolePortConfigurationOption{
		virtualization.WithVirtioConsolePortConfigurationIsConsole(p.IsConsole()),
	}
	if p.Name() != "" {
		opts = append(opts, virtualization.WithVirtioConsolePortConfigurationName(p.Name()))
	}
	if att := p.Attachment(); att != nil {
		native, err := serialAttachment(att)
		if err != nil {
			return nil, err
		}
		opts = append(opts, virtualization.WithVirtioConsolePortConfigurationAttachment(native))
	}
	return virtualization.NewVirtioConsolePortConfiguration(opts...)
}

func serialAttachment(att vmconfig.SerialPortAttachment) (virtualization.SerialPortAttachment, error) {
	switch a := att.(type) {
	case *vmconfig.SpiceAgentAttachment:
		native, err := virtualization.NewSpiceAgentPortAttachment()
		if err != nil {
			return nil, err
		}
		native.SetSharesClipboard(a.SharesClipboard())
		return native, nil
	case *vmconfig.FileSerialAttachment:
		return virtualization.NewFileSerialPortAttachment(a.Path(), a.ShouldAppend())
	case *vmconfig.FileHandleSerialAttachment:
		return virtualization.NewFileHandleSerialPortAttachment(a.ReadFile(), a.WriteFile())
	default:
		return nil, fmt.Errorf("unsupported serial attachment %s: %w", att.AttachmentKind(), errdefs.ErrNotImplemented)
	}
}

func attachStorage(cfg *vmconfig.MachineConfiguration, vmConfig *virtualization.VirtualMachineConfiguration) error {
	var devices []virtualization.StorageDeviceConfiguration
	for _, s := range cfg.StorageDevices() {
		att, err := virtualization.NewDiskImageStorageDeviceAttachment(s.Attachment().Path(), s.Attachment().ReadOnly())
		if err != nil {
			return fmt.Errorf("failed to attach disk %s: %w", s.Attachment().Path(), err)
		}
		var dev virtualization.StorageDeviceConfiguration
		switch s.Bus() {
		case vmconfig.StorageUSBMassStorage:
			dev, err = virtualization.NewUSBMassStorageDeviceConfiguration(att)
		default:
			dev, err = virtualization.NewVirtioBlockDeviceConfiguration(att)
		}
		if err != nil {
			return fmt.Errorf("failed to create %s storage device: %w", s.Bus(), err)
		}
		devices = append(devices, dev)
	}
	if len(devices) > 0 {
		vmConfig.SetStorageDevicesVirtualMachineConfiguration(devices)
	}
	return nil
}

func attachNetwork(cfg *vmconfig.MachineConfiguration, vmConfig *virtualization.VirtualMachineConfiguration) error {
	var devices []*virtualization.VirtioNetworkDeviceConfiguration
	for i, n := range cfg.NetworkDevices() {
		att, err := networkAttachment(n.Attachment())
		if err != nil {
			return fmt.Errorf("network device %d: %w", i, err)
		}
		dev, err := virtualization.NewVirtioNetworkDeviceConfiguration(att)
		if err != nil {
			return fmt.Errorf("network device %d: %w", i, err)
		}
		if mac := n.MACAddress(); mac != nil {
			addr, err := virtualization.NewMACAddress(mac)
			if err != nil {
				return fmt.Errorf("network device %d: %w", i, err)
			}
			dev.SetMACAddress(addr)
		}
		devices = append(devices, dev)
	}
	if len(devices) > 0 {
		vmConfig.SetNetworkDevicesVirtualMachineConfiguration(devices)
	}
	return nil
}

func networkAttachment(att vmconfig.NetworkAttachment) (virtualization.NetworkDeviceAttachment, error) {
	switch a := att.(type) {
	case *vmconfig.NATNetworkAttachment:
		return virtualization.NewNATNetworkDeviceAttachment()
	case *vmconfig.FileHandleNetworkAttachment:
		native, err := virtualization.NewFileHandleNetworkDeviceAttachment(a.File())
		if err != nil {
			return nil, err
		}
		if a.MaximumTransmissionUnit() != vmconfig.DefaultMaximumTransmissionUnit {
			if err := native.SetMaximumTransmissionUnit(a.MaximumTransmissionUnit()); err != nil {
				return nil, fmt.Errorf("failed to set MTU %d: %w", a.MaximumTransmissionUnit(), err)
			}
		}
		return native, nil
	default:
		return nil, fmt.Errorf("unsupported network attachment %s: %w", att.AttachmentKind(), errdefs.ErrNotImplemented)
	}
}
