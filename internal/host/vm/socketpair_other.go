//go:build !darwin && !linux

package vm

import (
	"fmt"
	"os"

	"github.com/containerd/errdefs"
)

// SocketPair is not available on this platform.
func SocketPair() (engine, host *os.File, _ error) {
	return nil, nil, fmt.Errorf("socket pairs: %w", errdefs.ErrNotImplemented)
}
