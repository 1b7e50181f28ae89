package vmconfig

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// MachineIdentitySize is the fixed length of a machine identity.
const MachineIdentitySize = 16

// MachineIdentity uniquely identifies one logical guest. It must be persisted
// and restored across restarts of the same guest; the bytes are opaque.
type MachineIdentity struct {
	seal

	data [MachineIdentitySize]byte
}

// NewMachineIdentity generates a fresh identity from a cryptographically
// random source.
func NewMachineIdentity() (*MachineIdentity, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate machine identity: %w", err)
	}
	return &MachineIdentity{data: u}, nil
}

// NewMachineIdentityFromBytes restores an identity from its persisted data
// representation.
func NewMachineIdentityFromBytes(b []byte) (*MachineIdentity, error) {
	if len(b) != MachineIdentitySize {
		return nil, invalidParam("machine identity must be %d bytes, got %d", MachineIdentitySize, len(b))
	}
	id := &MachineIdentity{}
	copy(id.data[:], b)
	return id, nil
}

// DataRepresentation returns a copy of the identity bytes suitable for
// persistence.
func (m *MachineIdentity) DataRepresentation() []byte {
	out := make([]byte, MachineIdentitySize)
	copy(out, m.data[:])
	return out
}

// Equal reports whether both identities carry the same bytes.
func (m *MachineIdentity) Equal(other *MachineIdentity) bool {
	if m == nil || other == nil {
		return m == other
	}
	return bytes.Equal(m.data[:], other.data[:])
}

// String renders the identity in UUID form.
func (m *MachineIdentity) String() string {
	return uuid.UUID(m.data).String()
}
