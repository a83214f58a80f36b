package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/tng-project/tng/internal/endpoint"
	"github.com/tng-project/tng/internal/metrics"
	"github.com/tng-project/tng/internal/pool"
	"github.com/tng-project/tng/internal/runtime"
)

// MappingFlow implements spec.md §4.8.1: every accepted TCP stream on
// Listen is paired, unconditionally and via the tunnel, with Target.
type MappingFlow struct {
	readiness

	Listen      endpoint.Endpoint
	Target      endpoint.Endpoint
	Pool        *pool.Pool
	Flow        *metrics.FlowMetrics
	Runtime     *runtime.Runtime
	Logger      *slog.Logger
	EncapInHTTP bool

	ln net.Listener
}

// NewMappingFlow builds a MappingFlow. Logger defaults to slog.Default.
// encapInHTTP activates the transport inspector (spec.md §6's
// encap_in_http, SPEC_FULL.md §10.2): every accepted stream is sniffed
// for an HTTP/1 request line so the pooled tunnel stream it dials can
// be keyed by {authority, rewritten_path} rather than by Target alone.
func NewMappingFlow(listen, target endpoint.Endpoint, p *pool.Pool, flow *metrics.FlowMetrics, rt *runtime.Runtime, encapInHTTP bool, logger *slog.Logger) *MappingFlow {
	if logger == nil {
		logger = slog.Default()
	}
	return &MappingFlow{
		readiness:   newReadiness(),
		Listen:      listen,
		Target:      target,
		Pool:        p,
		Flow:        flow,
		Runtime:     rt,
		EncapInHTTP: encapInHTTP,
		Logger:      logger.With("flow_type", "mapping", "flow_listen", listen.String()),
	}
}

func (f *MappingFlow) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", f.Listen.String())
	if err != nil {
		return fmt.Errorf("ingress mapping: listen %s: %w", f.Listen, err)
	}
	f.ln = ln
	f.Logger.Info("ingress mapping flow starting", "target", f.Target.String())
	f.signal()

	return acceptLoop(ctx, ln, f.Logger, f.Runtime, func(ctx context.Context, conn net.Conn) {
		key, rwc := sniffKey(conn, f.Target, f.EncapInHTTP, f.Logger)
		dialTarget(ctx, rwc, key, f.Pool, f.Flow, f.Logger)
	})
}

func (f *MappingFlow) Stop(ctx context.Context) error {
	if f.ln == nil {
		return nil
	}
	return f.ln.Close()
}
