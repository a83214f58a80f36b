//go:build linux

package netfilter

import (
	"context"
	"log/slog"
	"net"
	"os/exec"

	"github.com/tng-project/tng/internal/tngerr"
)

// exclusivitySocketName is the abstract Unix domain socket name
// bound for the lifetime of the process's netfilter guard. Linux
// abstract sockets (leading NUL byte, written here as the "@" prefix
// net.Listen recognizes) have no filesystem presence and are
// automatically released when the owning process exits or closes
// the listener — exactly the "at most one instance per network
// namespace" exclusivity spec.md §4.10 and §5 require.
const exclusivitySocketName = "@tng"

// Guard owns one flow's installed netfilter chain. Construction
// installs the chain; Close runs the revoke script unconditionally,
// per spec.md §4.10's drop path.
type Guard struct {
	spec   Spec
	sock   net.Listener
	logger *slog.Logger
}

// Install binds the exclusivity socket, then runs the generated
// invoke script. It fails with tngerr.ErrNetfilterSetupFailed if the
// exclusivity socket is already held by another instance in this
// network namespace, or if the invoke script itself fails.
func Install(ctx context.Context, spec Spec, logger *slog.Logger) (*Guard, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sock, err := net.Listen("unix", exclusivitySocketName)
	if err != nil {
		return nil, &tngerr.ErrNetfilterSetupFailed{Stage: "exclusivity guard", Err: err}
	}

	if err := runScript(ctx, GenerateInvoke(spec)); err != nil {
		sock.Close()
		return nil, &tngerr.ErrNetfilterSetupFailed{Stage: "invoke", Err: err}
	}

	logger.Info("netfilter: chain installed", "flow_index", spec.FlowIndex, "redirect_port", spec.RedirectPort)
	return &Guard{spec: spec, sock: sock, logger: logger}, nil
}

// Close runs the revoke script and releases the exclusivity socket.
// A revoke failure is logged but never returned: the process is
// exiting regardless, per spec.md §4.10's drop path.
func (g *Guard) Close(ctx context.Context) error {
	if err := runScript(ctx, GenerateRevoke(g.spec)); err != nil {
		g.logger.Warn("netfilter: revoke script failed, chain may be left installed", "error", err)
	}
	return g.sock.Close()
}

func runScript(ctx context.Context, script string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &scriptError{output: string(out), err: err}
	}
	return nil
}

type scriptError struct {
	output string
	err    error
}

func (e *scriptError) Error() string { return e.err.Error() + ": " + e.output }
func (e *scriptError) Unwrap() error { return e.err }
