package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/aledbf/vzbox/internal/vmconfig"
)

// IdentityBucket holds IdentityRecord values keyed by machine name.
const IdentityBucket = "identities"

// IdentityRecord is the persisted identity of one named machine.
type IdentityRecord struct {
	Name          string    `json:"name"`
	Identity      []byte    `json:"identity"`
	VariableStore string    `json:"variable_store,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// MachineIdentity restores the identity node of r.
func (r *IdentityRecord) MachineIdentity() (*vmconfig.MachineIdentity, error) {
	id, err := vmconfig.NewMachineIdentityFromBytes(r.Identity)
	if err != nil {
		return nil, fmt.Errorf("identity record %q: %w", r.Name, err)
	}
	return id, nil
}

// NewIdentityStore opens the identity bucket of the database at dbPath.
func NewIdentityStore(dbPath string) (Store[IdentityRecord], error) {
	return NewBoltStore[IdentityRecord](dbPath, IdentityBucket)
}

// LoadOrCreateIdentity returns the identity recorded for name, generating and
// recording a fresh one on first use. created reports which happened.
func LoadOrCreateIdentity(ctx context.Context, s Store[IdentityRecord], name, variableStore string) (_ *IdentityRecord, created bool, _ error) {
	rec, err := s.Get(ctx, name)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, errdefs.ErrNotFound) {
		return nil, false, err
	}

	id, err := vmconfig.NewMachineIdentity()
	if err != nil {
		return nil, false, err
	}
	rec = &IdentityRecord{
		Name:          name,
		Identity:      id.DataRepresentation(),
		VariableStore: variableStore,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.Create(ctx, name, rec); err != nil {
		return nil, false, err
	}
	log.G(ctx).WithFields(log.Fields{
		"machine":  name,
		"identity": id.String(),
	}).Info("recorded new machine identity")
	return rec, true, nil
}
