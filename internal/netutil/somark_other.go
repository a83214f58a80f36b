//go:build !linux

package netutil

import "syscall"

// SoMarkControl is a no-op outside Linux: SO_MARK is a Linux-specific
// socket option used to cooperate with the netfilter program, which
// is itself Linux-only.
func SoMarkControl(mark int) func(network, address string, c syscall.RawConn) error {
	return nil
}
