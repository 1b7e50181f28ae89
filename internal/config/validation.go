package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
)

// canonicalizePath returns the absolute, symlink-resolved form of path. For a
// path that does not exist yet the deepest existing ancestor is resolved and
// the remaining elements are appended.
func canonicalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	existing := abs
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
}

// validateDirectoryExists checks that path resolves to an existing directory.
func validateDirectoryExists(path, field string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: failed to resolve %s: %w", field, path, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return fmt.Errorf("%s: directory %s (resolved from %s): %w", field, canonical, path, errdefs.ErrNotFound)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %s is not a directory: %w", field, canonical, errdefs.ErrInvalidArgument)
	}
	return nil
}

// ensureDirectoryWritable creates path at its canonical location if needed
// and checks that files can be created in it.
func ensureDirectoryWritable(path, field string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: failed to resolve %s: %w", field, path, err)
	}
	if err := os.MkdirAll(canonical, 0750); err != nil {
		return fmt.Errorf("%s: failed to create %s: %w", field, canonical, err)
	}
	if err := validateDirectoryExists(canonical, field); err != nil {
		return err
	}

	f, err := os.CreateTemp(canonical, ".vzbox-write-test-*")
	if err != nil {
		return fmt.Errorf("%s: directory %s is not writable: %w", field, canonical, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
