package vmconfig

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// Configuration errors. Each wraps an errdefs class so callers can match on
// either the specific sentinel or the broader category.
var (
	// ErrInvalidDeviceParameter is returned by constructors and setters when a
	// value is outside the range accepted by the hypervisor.
	ErrInvalidDeviceParameter = fmt.Errorf("invalid device parameter: %w", errdefs.ErrInvalidArgument)

	// ErrConfigurationFrozen is returned when a sealed node is mutated.
	ErrConfigurationFrozen = fmt.Errorf("configuration frozen: %w", errdefs.ErrFailedPrecondition)

	// ErrIndexOutOfRange is returned for console port slot indexes outside
	// the device capacity.
	ErrIndexOutOfRange = fmt.Errorf("index out of range: %w", errdefs.ErrOutOfRange)

	// ErrDuplicatePrimaryConsole is returned when a second port of the same
	// console device is marked as the system console.
	ErrDuplicatePrimaryConsole = fmt.Errorf("duplicate primary console port: %w", errdefs.ErrAlreadyExists)

	// ErrInvalidConfiguration is returned by Build when the node set is not
	// acceptable as a whole.
	ErrInvalidConfiguration = fmt.Errorf("invalid machine configuration: %w", errdefs.ErrInvalidArgument)
)

func invalidParam(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidDeviceParameter)
}

func frozen(what string) error {
	return fmt.Errorf("%s: %w", what, ErrConfigurationFrozen)
}

func indexOutOfRange(idx, capacity int) error {
	return fmt.Errorf("port index %d, capacity %d: %w", idx, capacity, ErrIndexOutOfRange)
}

func duplicatePrimary(existing int) error {
	return fmt.Errorf("port %d is already the system console: %w", existing, ErrDuplicatePrimaryConsole)
}
