//go:build !unix

package udp

import "syscall"

// Socket buffer sizing is only wired up on unix; elsewhere the OS default
// applies.
func socketControl(bufSize int) func(network, address string, c syscall.RawConn) error {
	return nil
}

func mapSocketError(err error) error {
	return err
}
