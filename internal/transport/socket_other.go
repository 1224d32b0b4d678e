//go:build !unix

package transport

import "syscall"

// reuseControl is a no-op where SO_REUSEPORT is not available.
func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}

// truncated always reports false; these platforms fail the read instead.
func truncated(flags int) bool {
	return false
}
