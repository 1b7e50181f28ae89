package vmconfig

import (
	"fmt"
	"os"
)

// AttachmentKind identifies the concrete backing of a port or device.
type AttachmentKind int

const (
	AttachmentSpiceAgent AttachmentKind = iota + 1
	AttachmentFileSerial
	AttachmentFileHandleSerial
	AttachmentFileHandleNetwork
	AttachmentNATNetwork
	AttachmentDiskImage
)

func (k AttachmentKind) String() string {
	switch k {
	case AttachmentSpiceAgent:
		return "spice-agent"
	case AttachmentFileSerial:
		return "file-serial"
	case AttachmentFileHandleSerial:
		return "file-handle-serial"
	case AttachmentFileHandleNetwork:
		return "file-handle-network"
	case AttachmentNATNetwork:
		return "nat-network"
	case AttachmentDiskImage:
		return "disk-image"
	default:
		return fmt.Sprintf("attachment(%d)", int(k))
	}
}

// SpiceAgentPortName is the console port name the guest agent looks for.
const SpiceAgentPortName = "com.redhat.spice.0"

// Network MTU bounds accepted by file-handle network attachments.
const (
	MinMaximumTransmissionUnit     = 1500
	MaxMaximumTransmissionUnit     = 65535
	DefaultMaximumTransmissionUnit = 1500
)

// Attachment is the common interface of every attachment variant.
type Attachment interface {
	AttachmentKind() AttachmentKind
	Sealed() bool

	sealAttachment()
	bind(owner any) error
	release(owner any)
	boundTo(owner any) bool
}

// SerialPortAttachment can back a console port.
type SerialPortAttachment interface {
	Attachment

	serialPortAttachment()
}

// NetworkAttachment can back a network device.
type NetworkAttachment interface {
	Attachment

	networkAttachment()
}

// SpiceAgentAttachment enables the Spice agent clipboard sharing capability.
type SpiceAgentAttachment struct {
	seal
	binding

	sharesClipboard bool
}

var _ SerialPortAttachment = (*SpiceAgentAttachment)(nil)

// NewSpiceAgentAttachment returns a Spice agent attachment with clipboard
// sharing enabled.
func NewSpiceAgentAttachment() *SpiceAgentAttachment {
	return &SpiceAgentAttachment{sharesClipboard: true}
}

func (*SpiceAgentAttachment) AttachmentKind() AttachmentKind { return AttachmentSpiceAgent }

// SharesClipboard reports whether clipboard sharing is enabled.
func (a *SpiceAgentAttachment) SharesClipboard() bool { return a.sharesClipboard }

// SetSharesClipboard enables or disables clipboard sharing.
func (a *SpiceAgentAttachment) SetSharesClipboard(enable bool) error {
	if err := a.mutable("spice agent attachment"); err != nil {
		return err
	}
	a.sharesClipboard = enable
	return nil
}

func (a *SpiceAgentAttachment) sealAttachment()     { a.markSealed() }
func (*SpiceAgentAttachment) serialPortAttachment() {}

// FileSerialAttachment writes guest console output to a file.
type FileSerialAttachment struct {
	seal
	binding

	path         string
	shouldAppend bool
}

var _ SerialPortAttachment = (*FileSerialAttachment)(nil)

// NewFileSerialAttachment returns an attachment logging to path.
func NewFileSerialAttachment(path string, shouldAppend bool) (*FileSerialAttachment, error) {
	if path == "" {
		return nil, invalidParam("serial attachment path cannot be empty")
	}
	return &FileSerialAttachment{path: path, shouldAppend: shouldAppend}, nil
}

func (*FileSerialAttachment) AttachmentKind() AttachmentKind { return AttachmentFileSerial }

func (a *FileSerialAttachment) Path() string       { return a.path }
func (a *FileSerialAttachment) ShouldAppend() bool { return a.shouldAppend }

func (a *FileSerialAttachment) sealAttachment()     { a.markSealed() }
func (*FileSerialAttachment) serialPortAttachment() {}

// FileHandleSerialAttachment connects a console port to a pair of open files,
// typically the host process stdio.
type FileHandleSerialAttachment struct {
	seal
	binding

	read  *os.File
	write *os.File
}

var _ SerialPortAttachment = (*FileHandleSerialAttachment)(nil)

// NewFileHandleSerialAttachment returns an attachment reading guest input
// from read and writing guest output to write. Either may be nil but not both.
func NewFileHandleSerialAttachment(read, write *os.File) (*FileHandleSerialAttachment, error) {
	if read == nil && write == nil {
		return nil, invalidParam("serial attachment requires a read or write handle")
	}
	return &FileHandleSerialAttachment{read: read, write: write}, nil
}

func (*FileHandleSerialAttachment) AttachmentKind() AttachmentKind { return AttachmentFileHandleSerial }

func (a *FileHandleSerialAttachment) ReadFile() *os.File  { return a.read }
func (a *FileHandleSerialAttachment) WriteFile() *os.File { return a.write }

func (a *FileHandleSerialAttachment) sealAttachment()     { a.markSealed() }
func (*FileHandleSerialAttachment) serialPortAttachment() {}

// FileHandleNetworkAttachment sends and receives raw ethernet frames over a
// datagram socket.
type FileHandleNetworkAttachment struct {
	seal
	binding

	file *os.File
	mtu  int
}

var _ NetworkAttachment = (*FileHandleNetworkAttachment)(nil)

// NewFileHandleNetworkAttachment returns a network attachment over file.
func NewFileHandleNetworkAttachment(file *os.File) (*FileHandleNetworkAttachment, error) {
	if file == nil {
		return nil, invalidParam("network attachment requires a file handle")
	}
	return &FileHandleNetworkAttachment{file: file, mtu: DefaultMaximumTransmissionUnit}, nil
}

func (*FileHandleNetworkAttachment) AttachmentKind() AttachmentKind {
	return AttachmentFileHandleNetwork
}

func (a *FileHandleNetworkAttachment) File() *os.File { return a.file }

// MaximumTransmissionUnit returns the configured MTU.
func (a *FileHandleNetworkAttachment) MaximumTransmissionUnit() int { return a.mtu }

// SetMaximumTransmissionUnit sets the MTU. The socket buffers of the file
// handle must be sized accordingly by the caller.
func (a *FileHandleNetworkAttachment) SetMaximumTransmissionUnit(mtu int) error {
	if err := a.mutable("file handle network attachment"); err != nil {
		return err
	}
	if mtu < MinMaximumTransmissionUnit || mtu > MaxMaximumTransmissionUnit {
		return invalidParam("MTU %d outside [%d, %d]", mtu, MinMaximumTransmissionUnit, MaxMaximumTransmissionUnit)
	}
	a.mtu = mtu
	return nil
}

func (a *FileHandleNetworkAttachment) sealAttachment()  { a.markSealed() }
func (*FileHandleNetworkAttachment) networkAttachment() {}

// NATNetworkAttachment routes guest traffic through the host NAT.
type NATNetworkAttachment struct {
	seal
	binding
}

var _ NetworkAttachment = (*NATNetworkAttachment)(nil)

func NewNATNetworkAttachment() *NATNetworkAttachment {
	return &NATNetworkAttachment{}
}

func (*NATNetworkAttachment) AttachmentKind() AttachmentKind { return AttachmentNATNetwork }

func (a *NATNetworkAttachment) sealAttachment()  { a.markSealed() }
func (*NATNetworkAttachment) networkAttachment() {}

// DiskImageAttachment backs a storage device with a raw disk image.
type DiskImageAttachment struct {
	seal
	binding

	path     string
	readOnly bool
}

var _ Attachment = (*DiskImageAttachment)(nil)

// NewDiskImageAttachment returns a disk image attachment for path.
func NewDiskImageAttachment(path string, readOnly bool) (*DiskImageAttachment, error) {
	if path == "" {
		return nil, invalidParam("disk image path cannot be empty")
	}
	return &DiskImageAttachment{path: path, readOnly: readOnly}, nil
}

func (*DiskImageAttachment) AttachmentKind() AttachmentKind { return AttachmentDiskImage }

func (a *DiskImageAttachment) Path() string   { return a.path }
func (a *DiskImageAttachment) ReadOnly() bool { return a.readOnly }

// SetReadOnly toggles read-only access to the image.
func (a *DiskImageAttachment) SetReadOnly(readOnly bool) error {
	if err := a.mutable("disk image attachment"); err != nil {
		return err
	}
	a.readOnly = readOnly
	return nil
}

func (a *DiskImageAttachment) sealAttachment() { a.markSealed() }
