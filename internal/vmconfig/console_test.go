package vmconfig

import (
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConsoleDeviceCapacity(t *testing.T) {
	for _, n := range []int{0, -1, MaxConsolePortCount + 1} {
		_, err := NewConsoleDevice(n)
		assert.ErrorIs(t, err, ErrInvalidDeviceParameter, "capacity %d", n)
	}

	dev, err := NewConsoleDevice(MaxConsolePortCount)
	require.NoError(t, err)
	assert.Equal(t, MaxConsolePortCount, dev.MaximumPortCount())
}

func TestConsoleDevicePortBounds(t *testing.T) {
	dev, err := NewConsoleDevice(2)
	require.NoError(t, err)

	for _, idx := range []int{-1, 2, 10} {
		_, err := dev.Port(idx)
		assert.ErrorIs(t, err, ErrIndexOutOfRange)
		assert.True(t, errdefs.IsOutOfRange(err))

		err = dev.SetPort(idx, NewConsolePort())
		assert.ErrorIs(t, err, ErrIndexOutOfRange)

		err = dev.ClearPort(idx)
		assert.ErrorIs(t, err, ErrIndexOutOfRange)
	}

	p, err := dev.Port(1)
	require.NoError(t, err)
	assert.Nil(t, p, "empty slot")
}

func TestConsoleDeviceSetPort(t *testing.T) {
	dev, err := NewConsoleDevice(2)
	require.NoError(t, err)

	port := NewConsolePort(WithPortName("com.example.console"))
	require.NoError(t, dev.SetPort(0, port))

	got, err := dev.Port(0)
	require.NoError(t, err)
	assert.Same(t, port, got)
	assert.Equal(t, 0, port.Index())

	// Rebinding the same port to the same slot is a no-op.
	require.NoError(t, dev.SetPort(0, port))

	// A port occupies a single slot.
	err = dev.SetPort(1, port)
	assert.ErrorIs(t, err, ErrInvalidDeviceParameter)

	other, err := NewConsoleDevice(1)
	require.NoError(t, err)
	assert.ErrorIs(t, other.SetPort(0, port), ErrInvalidDeviceParameter)

	// Replacing releases the previous occupant.
	replacement := NewConsolePort(WithPortName("replacement"))
	require.NoError(t, dev.SetPort(0, replacement))
	assert.Equal(t, -1, port.Index())
	require.NoError(t, other.SetPort(0, port))

	require.NoError(t, dev.ClearPort(0))
	assert.Equal(t, -1, replacement.Index())

	assert.ErrorIs(t, dev.SetPort(0, nil), ErrInvalidDeviceParameter)
}

func TestConsoleDeviceDuplicatePrimary(t *testing.T) {
	dev, err := NewConsoleDevice(3)
	require.NoError(t, err)

	first := NewConsolePort(WithPortName("first"))
	second := NewConsolePort(WithPortName("second"))
	require.NoError(t, dev.SetPort(0, first))
	require.NoError(t, dev.SetPort(1, second))

	require.NoError(t, first.SetIsConsole(true))

	// Reject policy: the existing primary is kept and the caller is told.
	err = second.SetIsConsole(true)
	assert.ErrorIs(t, err, ErrDuplicatePrimaryConsole)
	assert.True(t, errdefs.IsAlreadyExists(err))
	assert.False(t, second.IsConsole())

	idx, ok := dev.PrimaryPort()
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	// Unmark the first, then the second succeeds and no duplicate persists.
	require.NoError(t, first.SetIsConsole(false))
	require.NoError(t, second.SetIsConsole(true))
	idx, ok = dev.PrimaryPort()
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.False(t, first.IsConsole())

	// Binding a pre-marked port next to an existing primary is rejected too.
	third := NewConsolePort(WithPortIsConsole(true))
	assert.ErrorIs(t, dev.SetPort(2, third), ErrDuplicatePrimaryConsole)
	p, err := dev.Port(2)
	require.NoError(t, err)
	assert.Nil(t, p)

	// Re-marking the current primary is not a conflict with itself.
	require.NoError(t, second.SetIsConsole(true))

	// Replacing the primary slot with another primary port is allowed.
	require.NoError(t, dev.SetPort(1, third))
	idx, ok = dev.PrimaryPort()
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestConsoleDeviceSetMaximumPortCount(t *testing.T) {
	dev, err := NewConsoleDevice(4)
	require.NoError(t, err)
	require.NoError(t, dev.SetPort(2, NewConsolePort()))

	assert.ErrorIs(t, dev.SetMaximumPortCount(2), ErrIndexOutOfRange)
	assert.Equal(t, 4, dev.MaximumPortCount())

	require.NoError(t, dev.SetMaximumPortCount(3))
	assert.Equal(t, 3, dev.MaximumPortCount())
	p, err := dev.Port(2)
	require.NoError(t, err)
	assert.NotNil(t, p)

	require.NoError(t, dev.SetMaximumPortCount(8))
	assert.Equal(t, 8, dev.MaximumPortCount())
	assert.ErrorIs(t, dev.SetMaximumPortCount(0), ErrInvalidDeviceParameter)
}

func TestConsolePortAttachment(t *testing.T) {
	spice := NewSpiceAgentAttachment()
	port := NewConsolePort(WithPortAttachment(spice), WithPortName(SpiceAgentPortName))
	assert.Same(t, spice, port.Attachment())

	require.NoError(t, port.SetAttachment(nil))
	assert.Nil(t, port.Attachment())

	file, err := NewFileSerialAttachment("/tmp/console.log", true)
	require.NoError(t, err)
	require.NoError(t, port.SetAttachment(file))
	assert.Equal(t, AttachmentFileSerial, port.Attachment().AttachmentKind())
}

func TestConsolePortAttachmentOwnership(t *testing.T) {
	spice := NewSpiceAgentAttachment()
	first := NewConsolePort()
	second := NewConsolePort()

	require.NoError(t, first.SetAttachment(spice))
	require.NoError(t, first.SetAttachment(spice), "rebinding the same port is a no-op")

	err := second.SetAttachment(spice)
	assert.ErrorIs(t, err, ErrInvalidDeviceParameter)
	assert.Nil(t, second.Attachment())

	// Unbinding frees the attachment for another port.
	require.NoError(t, first.SetAttachment(nil))
	require.NoError(t, second.SetAttachment(spice))
	assert.Same(t, spice, second.Attachment())

	file, err := NewFileSerialAttachment("/tmp/console.log", false)
	require.NoError(t, err)
	require.NoError(t, second.SetAttachment(file))
	require.NoError(t, first.SetAttachment(spice), "replaced attachment is released")
}
