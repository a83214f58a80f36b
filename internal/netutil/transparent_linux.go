//go:build linux

package netutil

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// TransparentControl returns a net.ListenConfig.Control hook that sets
// IP_TRANSPARENT on the listening socket, required for TPROXY capture:
// it lets the kernel hand the netfilter ingress flow connections whose
// original destination differs from the socket's own bound address,
// with that original destination preserved on the accepted conn's
// local address.
func TransparentControl() func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
		}); err != nil {
			return err
		}
		return sockErr
	}
}
