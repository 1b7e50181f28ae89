package bridge

import (
	"fmt"

	"github.com/aledbf/vzbox/internal/host/vm"
)

// StartEvent reports the outcome of a machine start. Err is nil on success and
// a *vm.BootFailure otherwise.
type StartEvent struct {
	SessionID string
	Handle    vm.Handle
	Err       error
}

// PortEventKind distinguishes console port notifications.
type PortEventKind int

const (
	PortOpened PortEventKind = iota + 1
	PortClosed
)

func (k PortEventKind) String() string {
	switch k {
	case PortOpened:
		return "opened"
	case PortClosed:
		return "closed"
	default:
		return fmt.Sprintf("port-event(%d)", int(k))
	}
}

// PortEvent reports a guest opening or closing a console port. Device and Port
// are engine references valid while the machine runs.
type PortEvent struct {
	SessionID string
	Handle    vm.Handle
	Kind      PortEventKind
	Device    vm.ConsoleDevice
	Port      vm.ConsolePort
}
