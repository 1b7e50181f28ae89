package vmconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
)

// BootLoaderKind identifies a boot descriptor variant.
type BootLoaderKind int

const (
	BootLoaderEFI BootLoaderKind = iota + 1
	BootLoaderLinux
)

func (k BootLoaderKind) String() string {
	switch k {
	case BootLoaderEFI:
		return "efi"
	case BootLoaderLinux:
		return "linux"
	default:
		return fmt.Sprintf("bootloader(%d)", int(k))
	}
}

// BootDescriptor describes how firmware locates and loads the guest.
type BootDescriptor interface {
	Kind() BootLoaderKind
	Sealed() bool

	sealBoot()
}

// VariableStore is the on-disk EFI variable store of one guest. Its content is
// owned and formatted by the hypervisor; only its existence is checked here.
type VariableStore struct {
	path    string
	created bool
}

// VariableStoreOption configures NewVariableStore.
type VariableStoreOption func(*variableStoreOptions)

type variableStoreOptions struct {
	create bool
}

// WithCreatingVariableStore creates the variable store file when it does not
// exist yet.
func WithCreatingVariableStore() VariableStoreOption {
	return func(o *variableStoreOptions) {
		o.create = true
	}
}

// NewVariableStore opens the variable store at path. The file must exist
// unless WithCreatingVariableStore is given.
func NewVariableStore(path string, opts ...VariableStoreOption) (*VariableStore, error) {
	if path == "" {
		return nil, invalidParam("variable store path cannot be empty")
	}
	var o variableStoreOptions
	for _, opt := range opts {
		opt(&o)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve variable store path %q: %w", path, err)
	}

	info, err := os.Stat(abs)
	switch {
	case err == nil:
		if info.IsDir() {
			return nil, invalidParam("variable store %q is a directory", abs)
		}
		return &VariableStore{path: abs}, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to stat variable store %q: %w", abs, err)
	case !o.create:
		return nil, fmt.Errorf("variable store %q: %w", abs, errdefs.ErrNotFound)
	}

	f, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create variable store %q: %w", abs, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to create variable store %q: %w", abs, err)
	}
	return &VariableStore{path: abs, created: true}, nil
}

// Path returns the absolute path of the variable store.
func (v *VariableStore) Path() string { return v.path }

// Created reports whether NewVariableStore created the file. A freshly
// created store is empty and must be formatted by the engine.
func (v *VariableStore) Created() bool { return v.created }

// EFIBootLoader boots the guest through UEFI firmware backed by a variable
// store.
type EFIBootLoader struct {
	seal

	store *VariableStore
}

// NewEFIBootLoader returns an EFI boot descriptor using store.
func NewEFIBootLoader(store *VariableStore) (*EFIBootLoader, error) {
	if store == nil {
		return nil, invalidParam("EFI boot loader requires a variable store")
	}
	return &EFIBootLoader{store: store}, nil
}

func (*EFIBootLoader) Kind() BootLoaderKind { return BootLoaderEFI }

// VariableStore returns the variable store backing the firmware.
func (b *EFIBootLoader) VariableStore() *VariableStore { return b.store }

func (b *EFIBootLoader) sealBoot() { b.markSealed() }

// LinuxBootLoader boots a Linux kernel directly.
type LinuxBootLoader struct {
	seal

	kernel      string
	initrd      string
	commandLine string
}

// LinuxBootLoaderOption configures a LinuxBootLoader.
type LinuxBootLoaderOption func(*LinuxBootLoader)

// WithCommandLine sets the kernel command line.
func WithCommandLine(cmdline string) LinuxBootLoaderOption {
	return func(b *LinuxBootLoader) { b.commandLine = cmdline }
}

// WithInitrd sets the initial ramdisk path.
func WithInitrd(path string) LinuxBootLoaderOption {
	return func(b *LinuxBootLoader) { b.initrd = path }
}

// NewLinuxBootLoader returns a boot descriptor for the kernel at kernelPath.
func NewLinuxBootLoader(kernelPath string, opts ...LinuxBootLoaderOption) (*LinuxBootLoader, error) {
	if kernelPath == "" {
		return nil, invalidParam("kernel path cannot be empty")
	}
	b := &LinuxBootLoader{kernel: kernelPath}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (*LinuxBootLoader) Kind() BootLoaderKind { return BootLoaderLinux }

func (b *LinuxBootLoader) KernelPath() string  { return b.kernel }
func (b *LinuxBootLoader) InitrdPath() string  { return b.initrd }
func (b *LinuxBootLoader) CommandLine() string { return b.commandLine }

// SetCommandLine replaces the kernel command line.
func (b *LinuxBootLoader) SetCommandLine(cmdline string) error {
	if err := b.mutable("linux boot loader"); err != nil {
		return err
	}
	b.commandLine = cmdline
	return nil
}

func (b *LinuxBootLoader) sealBoot() { b.markSealed() }
