//go:build !linux

package netfilter

import (
	"context"
	"log/slog"

	"github.com/tng-project/tng/internal/tngerr"
)

// Guard is the non-Linux stand-in: netfilter/iptables capture is a
// Linux-only facility, so Install always fails fast rather than
// pretending to have installed anything.
type Guard struct{}

// Install always fails outside Linux.
func Install(ctx context.Context, spec Spec, logger *slog.Logger) (*Guard, error) {
	return nil, &tngerr.ErrNetfilterSetupFailed{Stage: "install", Err: errUnsupportedPlatform}
}

// Close is a no-op; Install never succeeds, so there is nothing to
// tear down.
func (g *Guard) Close(ctx context.Context) error { return nil }

var errUnsupportedPlatform = unsupportedPlatformError{}

type unsupportedPlatformError struct{}

func (unsupportedPlatformError) Error() string {
	return "netfilter capture is only supported on linux"
}
