//go:build !linux

package netutil

import "syscall"

// TransparentControl is a no-op outside Linux: IP_TRANSPARENT/TPROXY
// capture is a Linux-only facility.
func TransparentControl() func(network, address string, c syscall.RawConn) error {
	return nil
}
