package vz

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	virtualization "github.com/Code-Hex/vz/v3"
)

// genericMachineIdentifier loads the engine-formatted identifier stored at
// path, generating and persisting a fresh one when the file is missing or
// empty. An empty file is left behind when a machine directory is cloned.
func genericMachineIdentifier(path string) (*virtualization.GenericMachineIdentifier, error) {
	st, err := os.Stat(path)
	if err == nil && st.Size() > 0 {
		return virtualization.NewGenericMachineIdentifierWithDataPath(path)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	id, err := virtualization.NewGenericMachineIdentifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate machine identifier: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, id.DataRepresentation(), 0600); err != nil {
		return nil, fmt.Errorf("failed to persist machine identifier: %w", err)
	}
	return id, nil
}
