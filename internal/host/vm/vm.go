// Package vm defines the boundary between the host and a hypervisor engine.
//
// Engines call back into the host from threads they own. Those callbacks never
// carry host pointers; they carry a Handle that the host resolves through a
// registry it controls.
package vm

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/aledbf/vzbox/internal/vmconfig"
)

// Handle is the opaque value threaded through engine callbacks. Zero is never
// a valid handle.
type Handle uintptr

func (h Handle) String() string {
	return fmt.Sprintf("handle-%d", uintptr(h))
}

// StartCompletionFunc receives the outcome of Machine.Start. err is nil on
// success and a *BootFailure otherwise.
type StartCompletionFunc func(h Handle, err error)

// PortCallback receives console port open and close notifications.
type PortCallback func(h Handle, dev ConsoleDevice, port ConsolePort)

// Executor runs engine callbacks. It stands in for the dispatch queue handed
// to the native start call.
type Executor interface {
	Execute(fn func())
}

// GoExecutor runs every function on its own goroutine.
type GoExecutor struct{}

func (GoExecutor) Execute(fn func()) { go fn() }

// StartOptions tunes a single start request.
type StartOptions struct {
	// StartUpFromRecovery boots into the recovery partition when the guest
	// has one.
	StartUpFromRecovery bool
}

// Engine creates native machines from sealed configurations.
type Engine interface {
	// Name identifies the engine in logs.
	Name() string

	// NewMachine materializes cfg. The configuration must already be
	// claimed by the caller.
	NewMachine(ctx context.Context, cfg *vmconfig.MachineConfiguration) (Machine, error)
}

// Machine is a native virtual machine.
type Machine interface {
	// Start boots the machine. It returns immediately; the outcome is
	// delivered exactly once to done, on a goroutine chosen by exec.
	Start(exec Executor, opts StartOptions, h Handle, done StartCompletionFunc)

	// Stop halts the machine. It is safe to call on a machine that never
	// started.
	Stop(ctx context.Context) error

	// ConsoleDevices returns the runtime console devices. The list is empty
	// until the machine is running.
	ConsoleDevices() []ConsoleDevice

	// Stopped is closed once a started machine has halted, whether through
	// Stop or because the guest powered off.
	Stopped() <-chan struct{}
}

// ConsoleDevice is a runtime virtio console device.
type ConsoleDevice interface {
	// SetDelegate installs port callbacks tagged with h. A later call
	// replaces the previous delegate.
	SetDelegate(h Handle, didOpen, didClose PortCallback)
	Ports() PortArray
}

// PortArray is the fixed-capacity slot array of a runtime console device.
type PortArray interface {
	MaximumPortCount() int
	// At returns the port in slot i, nil when the slot is empty or i is out
	// of range.
	At(i int) ConsolePort
}

// ConsolePort is a runtime console port.
type ConsolePort interface {
	Name() string
	// Attachment returns the attachment last set on the port, nil if none.
	Attachment() vmconfig.SerialPortAttachment
	// SetAttachment connects att to the running guest; nil disconnects.
	SetAttachment(att vmconfig.SerialPortAttachment) error
}

// BootFailure is the error handed to a StartCompletionFunc when the engine
// could not boot the guest.
type BootFailure struct {
	Reason string
}

func (e *BootFailure) Error() string {
	return "boot failed: " + e.Reason
}

// Unwrap classifies boot failures as unavailable.
func (e *BootFailure) Unwrap() error {
	return errdefs.ErrUnavailable
}

// NewBootFailure wraps a native error as a boot failure. It returns nil when
// err is nil.
func NewBootFailure(err error) error {
	if err == nil {
		return nil
	}
	return &BootFailure{Reason: err.Error()}
}
