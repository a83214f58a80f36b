package egress

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/tng-project/tng/internal/endpoint"
	"github.com/tng-project/tng/internal/metrics"
	"github.com/tng-project/tng/internal/runtime"
)

// MappingFlow implements spec.md §4.9.1: listen on Listen, terminate
// attested TLS, accept one CONNECT, dial Target with the configured
// SO_MARK, forward bidirectionally.
type MappingFlow struct {
	readiness

	Listen        endpoint.Endpoint
	Target        endpoint.Endpoint
	BuildTLS      TLSConfigFunc
	Mark          int
	Flow          *metrics.FlowMetrics
	Runtime       *runtime.Runtime
	Logger        *slog.Logger
	DecapFromHTTP bool

	ln net.Listener
}

func NewMappingFlow(listen, target endpoint.Endpoint, buildTLS TLSConfigFunc, mark int, flow *metrics.FlowMetrics, decapFromHTTP bool, rt *runtime.Runtime, logger *slog.Logger) *MappingFlow {
	if logger == nil {
		logger = slog.Default()
	}
	return &MappingFlow{
		readiness:     newReadiness(),
		Listen:        listen,
		Target:        target,
		BuildTLS:      buildTLS,
		Mark:          mark,
		Flow:          flow,
		Runtime:       rt,
		DecapFromHTTP: decapFromHTTP,
		Logger:        logger.With("flow_type", "mapping", "flow_listen", listen.String()),
	}
}

func (f *MappingFlow) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", f.Listen.String())
	if err != nil {
		return fmt.Errorf("egress mapping: listen %s: %w", f.Listen, err)
	}
	f.ln = ln
	f.Logger.Info("egress mapping flow starting", "target", f.Target.String())
	f.signal()

	return serve(ctx, ln, f.BuildTLS, func() string { return f.Target.String() }, f.Mark, f.Flow, f.DecapFromHTTP, f.Runtime, f.Logger)
}

func (f *MappingFlow) Stop(ctx context.Context) error {
	if f.ln == nil {
		return nil
	}
	return f.ln.Close()
}
