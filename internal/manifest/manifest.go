// Package manifest reads YAML machine manifests and assembles them into
// sealed machine configurations.
//
// A manifest names a machine and lists its boot loader and devices:
//
//	name: dev
//	cpus: 2
//	memory_mib: 2048
//	boot:
//	  loader: efi
//	consoles:
//	  - capacity: 2
//	    ports:
//	      - slot: 0
//	        name: console
//	        console: true
//	        attach: {type: stdio}
//	disks:
//	  - path: disk.img
//	networks:
//	  - type: nat
//	clipboard:
//	  share: true
package manifest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"

	"github.com/containerd/errdefs"
	"gopkg.in/yaml.v3"
)

// Boot loaders.
const (
	LoaderEFI   = "efi"
	LoaderLinux = "linux"
)

// Port attachments.
const (
	AttachNone  = ""
	AttachFile  = "file"
	AttachStdio = "stdio"
	AttachSpice = "spice"
)

// Disk buses.
const (
	BusVirtio = "virtio"
	BusUSB    = "usb"
)

// Network attachments.
const (
	NetworkNAT        = "nat"
	NetworkSocketPair = "socketpair"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)

// Manifest describes one machine.
type Manifest struct {
	Name      string     `yaml:"name"`
	CPUs      uint       `yaml:"cpus,omitempty"`
	MemoryMiB uint64     `yaml:"memory_mib,omitempty"`
	Boot      Boot       `yaml:"boot"`
	Graphics  *Graphics  `yaml:"graphics,omitempty"`
	Consoles  []Console  `yaml:"consoles,omitempty"`
	Disks     []Disk     `yaml:"disks,omitempty"`
	Networks  []Network  `yaml:"networks,omitempty"`
	Clipboard *Clipboard `yaml:"clipboard,omitempty"`

	// dir resolves relative paths; it is the directory of the manifest file.
	dir string
}

type Boot struct {
	Loader        string `yaml:"loader"`
	VariableStore string `yaml:"variable_store,omitempty"`
	Kernel        string `yaml:"kernel,omitempty"`
	Initrd        string `yaml:"initrd,omitempty"`
	CommandLine   string `yaml:"cmdline,omitempty"`
}

type Graphics struct {
	Scanouts []Scanout `yaml:"scanouts"`
}

type Scanout struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

type Console struct {
	Capacity int    `yaml:"capacity"`
	Ports    []Port `yaml:"ports,omitempty"`
}

type Port struct {
	Slot    int    `yaml:"slot"`
	Name    string `yaml:"name,omitempty"`
	Console bool   `yaml:"console,omitempty"`
	Attach  Attach `yaml:"attach,omitempty"`
}

// Attach selects what backs a console port.
type Attach struct {
	Type   string `yaml:"type,omitempty"`
	Path   string `yaml:"path,omitempty"`
	Append bool   `yaml:"append,omitempty"`
}

type Disk struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
	Bus      string `yaml:"bus,omitempty"`
}

type Network struct {
	Type string `yaml:"type"`
	MAC  string `yaml:"mac,omitempty"`
	MTU  int    `yaml:"mtu,omitempty"`
}

type Clipboard struct {
	Share bool `yaml:"share"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	m.dir = abs
	return m, nil
}

// Parse decodes and validates a manifest. Relative paths are resolved
// against the working directory.
func Parse(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode: %w: %w", err, errdefs.ErrInvalidArgument)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the fields that the configuration nodes do not check
// themselves.
func (m *Manifest) Validate() error {
	var errs []error
	if !validName.MatchString(m.Name) {
		errs = append(errs, invalid("name %q must match %s", m.Name, validName))
	}

	switch m.Boot.Loader {
	case LoaderEFI:
	case LoaderLinux:
		if m.Boot.Kernel == "" {
			errs = append(errs, invalid("boot.kernel is required for the linux loader"))
		}
	default:
		errs = append(errs, invalid("boot.loader %q must be %s or %s", m.Boot.Loader, LoaderEFI, LoaderLinux))
	}

	stdio := 0
	for i, c := range m.Consoles {
		for j, p := range c.Ports {
			switch p.Attach.Type {
			case AttachNone, AttachSpice, AttachFile:
			case AttachStdio:
				stdio++
			default:
				errs = append(errs, invalid("consoles[%d].ports[%d].attach.type %q is unknown", i, j, p.Attach.Type))
			}
		}
	}
	if stdio > 1 {
		errs = append(errs, invalid("only one console port can attach to stdio, got %d", stdio))
	}

	for i, d := range m.Disks {
		if d.Path == "" {
			errs = append(errs, invalid("disks[%d].path is required", i))
		}
		switch d.Bus {
		case "", BusVirtio, BusUSB:
		default:
			errs = append(errs, invalid("disks[%d].bus %q must be %s or %s", i, d.Bus, BusVirtio, BusUSB))
		}
	}

	for i, n := range m.Networks {
		switch n.Type {
		case NetworkNAT:
			if n.MTU != 0 {
				errs = append(errs, invalid("networks[%d].mtu only applies to %s networks", i, NetworkSocketPair))
			}
		case NetworkSocketPair:
		default:
			errs = append(errs, invalid("networks[%d].type %q must be %s or %s", i, n.Type, NetworkNAT, NetworkSocketPair))
		}
		if n.MAC != "" {
			if _, err := net.ParseMAC(n.MAC); err != nil {
				errs = append(errs, invalid("networks[%d].mac: %v", i, err))
			}
		}
	}
	return errors.Join(errs...)
}

// UsesStdio reports whether a console port is attached to the host stdio.
func (m *Manifest) UsesStdio() bool {
	for _, c := range m.Consoles {
		for _, p := range c.Ports {
			if p.Attach.Type == AttachStdio {
				return true
			}
		}
	}
	return false
}

func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || m.dir == "" {
		return p
	}
	return filepath.Join(m.dir, p)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrInvalidArgument)
}
