package vz

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenericMachineIdentifierPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identifiers", "a.vz-identifier")

	first, err := genericMachineIdentifier(path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first.DataRepresentation(), data)

	second, err := genericMachineIdentifier(path)
	require.NoError(t, err)
	assert.Equal(t, first.DataRepresentation(), second.DataRepresentation())
}

func TestGenericMachineIdentifierReplacesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.vz-identifier")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	id, err := genericMachineIdentifier(path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.Equal(t, id.DataRepresentation(), data)
}
