//go:build unix

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl allows several sockets to bind the same address.
func reuseControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if opErr != nil {
			return
		}
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}

// truncated reports whether recvmsg flagged the datagram as cut short.
func truncated(flags int) bool {
	return flags&unix.MSG_TRUNC != 0
}
