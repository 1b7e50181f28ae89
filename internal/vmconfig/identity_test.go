package vmconfig

import (
	"bytes"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineIdentityFromBytesRoundTrip(t *testing.T) {
	buf := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}

	id, err := NewMachineIdentityFromBytes(buf)
	require.NoError(t, err)
	assert.Equal(t, buf, id.DataRepresentation())

	// The identity keeps its own copy.
	buf[0] = 0xff
	assert.Equal(t, byte(0), id.DataRepresentation()[0])

	out := id.DataRepresentation()
	out[1] = 0xff
	assert.Equal(t, byte(1), id.DataRepresentation()[1])
}

func TestMachineIdentityFromBytesRejectsWrongLength(t *testing.T) {
	for _, n := range []int{0, 15, 17, 32} {
		_, err := NewMachineIdentityFromBytes(make([]byte, n))
		assert.ErrorIs(t, err, ErrInvalidDeviceParameter, "len=%d", n)
		assert.True(t, errdefs.IsInvalidArgument(err))
	}
}

func TestNewMachineIdentityIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		id, err := NewMachineIdentity()
		require.NoError(t, err)
		require.Len(t, id.DataRepresentation(), MachineIdentitySize)
		key := id.String()
		assert.False(t, seen[key], "identity %s generated twice", key)
		seen[key] = true
	}
}

func TestMachineIdentityEqual(t *testing.T) {
	a, err := NewMachineIdentity()
	require.NoError(t, err)
	b, err := NewMachineIdentityFromBytes(a.DataRepresentation())
	require.NoError(t, err)
	c, err := NewMachineIdentity()
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
	assert.False(t, bytes.Equal(a.DataRepresentation(), c.DataRepresentation()))
}
