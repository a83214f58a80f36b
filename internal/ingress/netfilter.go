package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/tng-project/tng/internal/endpoint"
	"github.com/tng-project/tng/internal/metrics"
	"github.com/tng-project/tng/internal/netutil"
	"github.com/tng-project/tng/internal/pool"
	"github.com/tng-project/tng/internal/runtime"
	"github.com/tng-project/tng/internal/tngerr"
)

// NetfilterFlow implements spec.md §4.8.4: binds 127.0.0.1:ListenPort
// with IP_TRANSPARENT, and for every accepted stream recovers the
// original destination from the connection's local address (TPROXY
// preserves it rather than rewriting it to the listener's own
// address), rejecting self-capture loops.
type NetfilterFlow struct {
	readiness

	ListenPort  uint16
	Pool        *pool.Pool
	Flow        *metrics.FlowMetrics
	Runtime     *runtime.Runtime
	Logger      *slog.Logger
	EncapInHTTP bool

	ln             net.Listener
	resolvedListen endpoint.Endpoint
}

// ListenEndpoint returns the actual bound listen address. Valid only
// after Ready() has fired; the netfilter program needs this to
// generate its REDIRECT rule when ListenPort is 0 (auto-assign).
func (f *NetfilterFlow) ListenEndpoint() endpoint.Endpoint {
	return f.resolvedListen
}

func NewNetfilterFlow(listenPort uint16, p *pool.Pool, flow *metrics.FlowMetrics, rt *runtime.Runtime, encapInHTTP bool, logger *slog.Logger) *NetfilterFlow {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetfilterFlow{
		readiness:   newReadiness(),
		ListenPort:  listenPort,
		Pool:        p,
		Flow:        flow,
		Runtime:     rt,
		EncapInHTTP: encapInHTTP,
		Logger:      logger.With("flow_type", "netfilter"),
	}
}

func (f *NetfilterFlow) Start(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", f.ListenPort)
	lc := net.ListenConfig{Control: netutil.TransparentControl()}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return &tngerr.ErrNetfilterSetupFailed{Stage: "ingress listen", Err: err}
	}
	f.ln = ln
	listenEndpoint, err := endpoint.ParseAddr(ln.Addr().String())
	if err != nil {
		return fmt.Errorf("ingress netfilter: %w", err)
	}
	f.resolvedListen = listenEndpoint
	f.Logger.Info("ingress netfilter flow starting", "listen", listenEndpoint.String())
	f.signal()

	return acceptLoop(ctx, ln, f.Logger, f.Runtime, func(ctx context.Context, conn net.Conn) {
		f.handle(ctx, conn, listenEndpoint)
	})
}

func (f *NetfilterFlow) handle(ctx context.Context, conn net.Conn, listenEndpoint endpoint.Endpoint) {
	dst, err := endpoint.ParseAddr(conn.LocalAddr().String())
	if err != nil {
		f.Logger.Warn("ingress netfilter: could not parse recovered destination", "error", err)
		conn.Close()
		return
	}
	if dst == listenEndpoint {
		f.Logger.Warn("ingress netfilter: recursive capture detected, refusing", "destination", dst.String())
		conn.Close()
		return
	}

	key, rwc := sniffKey(conn, dst, f.EncapInHTTP, f.Logger)
	dialTarget(ctx, rwc, key, f.Pool, f.Flow, f.Logger)
}

func (f *NetfilterFlow) Stop(ctx context.Context) error {
	if f.ln == nil {
		return nil
	}
	return f.ln.Close()
}
