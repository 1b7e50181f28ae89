//go:build darwin

package vm

import (
	"golang.org/x/sys/unix"
)

// Supported reports whether the kernel exposes the hypervisor framework to
// this process.
func Supported() (bool, error) {
	supported, err := unix.SysctlUint32("kern.hv_support")
	if err != nil {
		return false, err
	}
	return supported != 0, nil
}
