package vmconfig

import (
	"fmt"
	"net"
)

// DeviceKind identifies a device configuration variant.
type DeviceKind int

const (
	DeviceGraphics DeviceKind = iota + 1
	DeviceConsole
	DeviceStorage
	DeviceNetwork
	DeviceClipboardAgent
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceGraphics:
		return "graphics"
	case DeviceConsole:
		return "console"
	case DeviceStorage:
		return "storage"
	case DeviceNetwork:
		return "network"
	case DeviceClipboardAgent:
		return "clipboard-agent"
	default:
		return fmt.Sprintf("device(%d)", int(k))
	}
}

// Device is a device configuration node. The set of implementations is
// closed; Build matches on them exhaustively.
type Device interface {
	Kind() DeviceKind
	Sealed() bool

	sealDevice()
}

// MaxScanoutDimension bounds scanout width and height in pixels.
const MaxScanoutDimension = 16384

// Scanout is one display output of a graphics device.
type Scanout struct {
	width  int
	height int
}

// NewScanout returns a scanout of width x height pixels.
func NewScanout(width, height int) (*Scanout, error) {
	if width < 1 || width > MaxScanoutDimension {
		return nil, invalidParam("scanout width %d outside [1, %d]", width, MaxScanoutDimension)
	}
	if height < 1 || height > MaxScanoutDimension {
		return nil, invalidParam("scanout height %d outside [1, %d]", height, MaxScanoutDimension)
	}
	return &Scanout{width: width, height: height}, nil
}

func (s *Scanout) Width() int  { return s.width }
func (s *Scanout) Height() int { return s.height }

// GraphicsDevice is a virtio GPU with an ordered list of scanouts.
type GraphicsDevice struct {
	seal

	scanouts []*Scanout
}

var _ Device = (*GraphicsDevice)(nil)

func NewGraphicsDevice() *GraphicsDevice {
	return &GraphicsDevice{}
}

func (*GraphicsDevice) Kind() DeviceKind { return DeviceGraphics }

// Scanouts returns a copy of the configured scanouts.
func (g *GraphicsDevice) Scanouts() []*Scanout {
	return append([]*Scanout(nil), g.scanouts...)
}

// SetScanouts replaces the scanout list.
func (g *GraphicsDevice) SetScanouts(scanouts ...*Scanout) error {
	if err := g.mutable("graphics device"); err != nil {
		return err
	}
	for i, s := range scanouts {
		if s == nil {
			return invalidParam("scanout %d is nil", i)
		}
	}
	g.scanouts = append([]*Scanout(nil), scanouts...)
	return nil
}

func (g *GraphicsDevice) sealDevice() { g.markSealed() }

// StorageBus selects how a disk is presented to the guest.
type StorageBus int

const (
	StorageVirtioBlock StorageBus = iota + 1
	StorageUSBMassStorage
)

func (b StorageBus) String() string {
	switch b {
	case StorageVirtioBlock:
		return "virtio-blk"
	case StorageUSBMassStorage:
		return "usb-mass-storage"
	default:
		return fmt.Sprintf("bus(%d)", int(b))
	}
}

// StorageDevice attaches a disk image to the guest.
type StorageDevice struct {
	seal

	bus        StorageBus
	attachment *DiskImageAttachment
}

var _ Device = (*StorageDevice)(nil)

// NewVirtioBlockDevice returns a virtio block device backed by att.
func NewVirtioBlockDevice(att *DiskImageAttachment) (*StorageDevice, error) {
	return newStorageDevice(StorageVirtioBlock, att)
}

// NewUSBMassStorageDevice returns a USB mass storage device backed by att,
// usually an installer image.
func NewUSBMassStorageDevice(att *DiskImageAttachment) (*StorageDevice, error) {
	return newStorageDevice(StorageUSBMassStorage, att)
}

func newStorageDevice(bus StorageBus, att *DiskImageAttachment) (*StorageDevice, error) {
	if att == nil {
		return nil, invalidParam("%s device requires a disk image attachment", bus)
	}
	dev := &StorageDevice{bus: bus, attachment: att}
	if err := att.bind(dev); err != nil {
		return nil, err
	}
	return dev, nil
}

func (*StorageDevice) Kind() DeviceKind { return DeviceStorage }

func (s *StorageDevice) Bus() StorageBus                  { return s.bus }
func (s *StorageDevice) Attachment() *DiskImageAttachment { return s.attachment }

func (s *StorageDevice) sealDevice() {
	s.markSealed()
	s.attachment.sealAttachment()
}

// NetworkDevice is a virtio network interface.
type NetworkDevice struct {
	seal

	attachment NetworkAttachment
	mac        net.HardwareAddr
}

var _ Device = (*NetworkDevice)(nil)

// NewNetworkDevice returns a network device backed by att.
func NewNetworkDevice(att NetworkAttachment) (*NetworkDevice, error) {
	if att == nil {
		return nil, invalidParam("network device requires an attachment")
	}
	dev := &NetworkDevice{attachment: att}
	if err := att.bind(dev); err != nil {
		return nil, err
	}
	return dev, nil
}

func (*NetworkDevice) Kind() DeviceKind { return DeviceNetwork }

func (n *NetworkDevice) Attachment() NetworkAttachment { return n.attachment }

// MACAddress returns the configured address, nil when the engine should
// pick one.
func (n *NetworkDevice) MACAddress() net.HardwareAddr {
	return append(net.HardwareAddr(nil), n.mac...)
}

// SetMACAddress sets a unicast ethernet address.
func (n *NetworkDevice) SetMACAddress(mac net.HardwareAddr) error {
	if err := n.mutable("network device"); err != nil {
		return err
	}
	if len(mac) != 6 {
		return invalidParam("MAC address %q must be 6 bytes", mac.String())
	}
	if mac[0]&0x01 != 0 {
		return invalidParam("MAC address %q is multicast", mac.String())
	}
	n.mac = append(net.HardwareAddr(nil), mac...)
	return nil
}

// MaximumTransmissionUnit returns the MTU of the underlying attachment.
func (n *NetworkDevice) MaximumTransmissionUnit() int {
	if fh, ok := n.attachment.(*FileHandleNetworkAttachment); ok {
		return fh.MaximumTransmissionUnit()
	}
	return DefaultMaximumTransmissionUnit
}

func (n *NetworkDevice) sealDevice() {
	n.markSealed()
	n.attachment.sealAttachment()
}

// ClipboardAgentDevice enables host/guest clipboard sharing through the Spice
// agent. At assembly it contributes a dedicated one-port console device.
type ClipboardAgentDevice struct {
	seal

	attachment *SpiceAgentAttachment
}

var _ Device = (*ClipboardAgentDevice)(nil)

func NewClipboardAgentDevice() *ClipboardAgentDevice {
	c := &ClipboardAgentDevice{attachment: NewSpiceAgentAttachment()}
	_ = c.attachment.bind(c)
	return c
}

func (*ClipboardAgentDevice) Kind() DeviceKind { return DeviceClipboardAgent }

func (c *ClipboardAgentDevice) Attachment() *SpiceAgentAttachment { return c.attachment }

// SharesClipboard reports whether clipboard sharing is enabled.
func (c *ClipboardAgentDevice) SharesClipboard() bool { return c.attachment.SharesClipboard() }

// SetSharesClipboard enables or disables clipboard sharing.
func (c *ClipboardAgentDevice) SetSharesClipboard(enable bool) error {
	if err := c.mutable("clipboard agent device"); err != nil {
		return err
	}
	return c.attachment.SetSharesClipboard(enable)
}

func (c *ClipboardAgentDevice) sealDevice() {
	c.markSealed()
	c.attachment.sealAttachment()
}
