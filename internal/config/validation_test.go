package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// realTempDir resolves t.TempDir, which is itself behind a symlink on darwin.
func realTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestCanonicalizePath(t *testing.T) {
	root := realTempDir(t)
	target := filepath.Join(root, "state")
	require.NoError(t, os.MkdirAll(target, 0750))
	require.NoError(t, os.Symlink(target, filepath.Join(root, "link")))

	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "clean", path: target, want: target},
		{name: "dot dot", path: filepath.Join(target, "..", "state"), want: target},
		{name: "symlink", path: filepath.Join(root, "link"), want: target},
		{name: "missing below symlink", path: filepath.Join(root, "link", "machines", "dev"), want: filepath.Join(target, "machines", "dev")},
		{name: "missing", path: filepath.Join(root, "a", "b"), want: filepath.Join(root, "a", "b")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := canonicalizePath(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateDirectoryExists(t *testing.T) {
	root := realTempDir(t)
	file := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(file, nil, 0600))
	require.NoError(t, os.Symlink(root, filepath.Join(root, "link")))

	assert.NoError(t, validateDirectoryExists(root, "paths.state_dir"))
	assert.NoError(t, validateDirectoryExists(filepath.Join(root, "link"), "paths.state_dir"))

	err := validateDirectoryExists(filepath.Join(root, "missing"), "paths.state_dir")
	assert.True(t, errdefs.IsNotFound(err))
	assert.Contains(t, err.Error(), "paths.state_dir")

	err = validateDirectoryExists(file, "paths.state_dir")
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestEnsureDirectoryWritableCreatesAtCanonicalPath(t *testing.T) {
	root := realTempDir(t)
	target := filepath.Join(root, "target")
	require.NoError(t, os.MkdirAll(target, 0750))
	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(target, link))

	require.NoError(t, ensureDirectoryWritable(filepath.Join(link, "state"), "paths.state_dir"))
	assert.DirExists(t, filepath.Join(target, "state"))

	entries, err := os.ReadDir(filepath.Join(target, "state"))
	require.NoError(t, err)
	assert.Empty(t, entries, "write probe is removed")
}

func TestEnsureDirectoryWritableRejectsFile(t *testing.T) {
	file := filepath.Join(realTempDir(t), "file")
	require.NoError(t, os.WriteFile(file, nil, 0600))

	assert.Error(t, ensureDirectoryWritable(file, "paths.state_dir"))
}
