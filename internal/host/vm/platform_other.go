//go:build !darwin

package vm

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// Supported returns false on platforms without the hypervisor framework.
func Supported() (bool, error) {
	return false, fmt.Errorf("hypervisor framework: %w", errdefs.ErrNotImplemented)
}
