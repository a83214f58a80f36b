//go:build linux

package netutil

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// SoMarkControl returns a net.Dialer.Control hook that sets SO_MARK
// on the outbound socket before connect(2), so traffic TNG itself
// dials out can skip the netfilter chain that captured the original
// traffic (avoiding self-capture loops). mark == 0 installs no hook.
func SoMarkControl(mark int) func(network, address string, c syscall.RawConn) error {
	if mark == 0 {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark)
		}); err != nil {
			return err
		}
		return sockErr
	}
}
