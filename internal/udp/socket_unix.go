//go:build unix

package udp

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

func socketControl(bufSize int) func(network, address string, c syscall.RawConn) error {
	if bufSize <= 0 {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bufSize); e != nil {
				sockErr = fmt.Errorf("set SO_RCVBUF: %w", e)
				return
			}
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, bufSize); e != nil {
				sockErr = fmt.Errorf("set SO_SNDBUF: %w", e)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// mapSocketError translates errno values with a transport meaning.
func mapSocketError(err error) error {
	switch {
	case errors.Is(err, unix.EADDRNOTAVAIL):
		return fmt.Errorf("%w: %w", ErrAddrInvalid, err)
	case errors.Is(err, unix.EMSGSIZE):
		return fmt.Errorf("%w: %w", ErrMessageSize, err)
	default:
		return err
	}
}
