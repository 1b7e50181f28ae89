//go:build darwin || linux

package vm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Socket buffer sizes for datagram network attachments. The receive side is
// larger so bursts from the guest do not drop frames.
const (
	socketSendBuffer    = 1 << 20
	socketReceiveBuffer = 4 << 20
)

// SocketPair returns a connected pair of datagram sockets suitable for a
// file-handle network attachment. The engine side is handed to the guest
// device; the host side carries raw ethernet frames.
func SocketPair() (engine, host *os.File, _ error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create socket pair: %w", err)
	}
	for _, fd := range fds {
		if err := setBuffers(fd); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, nil, err
		}
		unix.CloseOnExec(fd)
	}
	return os.NewFile(uintptr(fds[0]), "engine"), os.NewFile(uintptr(fds[1]), "host"), nil
}

func setBuffers(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, socketSendBuffer); err != nil {
		return fmt.Errorf("failed to set send buffer: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, socketReceiveBuffer); err != nil {
		return fmt.Errorf("failed to set receive buffer: %w", err)
	}
	return nil
}
