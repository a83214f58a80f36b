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

// NetfilterFlow implements spec.md §4.9.2: as MappingFlow, but listens
// on 0.0.0.0:ListenPort and the outbound dial to Target carries
// Mark so it is exempt from the iptables chain that captured the
// original traffic at the ingress side.
type NetfilterFlow struct {
	readiness

	ListenPort    uint16
	Target        endpoint.Endpoint
	BuildTLS      TLSConfigFunc
	Mark          int
	Flow          *metrics.FlowMetrics
	Runtime       *runtime.Runtime
	Logger        *slog.Logger
	DecapFromHTTP bool

	ln             net.Listener
	resolvedListen endpoint.Endpoint
}

// ListenEndpoint returns the actual bound listen address, including
// the auto-assigned port when ListenPort is 0. Valid only after
// Ready() has fired. Egress netfilter installs no iptables chain, so
// no REDIRECT rule is generated from it.
func (f *NetfilterFlow) ListenEndpoint() endpoint.Endpoint {
	return f.resolvedListen
}

func NewNetfilterFlow(listenPort uint16, target endpoint.Endpoint, buildTLS TLSConfigFunc, mark int, flow *metrics.FlowMetrics, decapFromHTTP bool, rt *runtime.Runtime, logger *slog.Logger) *NetfilterFlow {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetfilterFlow{
		readiness:     newReadiness(),
		ListenPort:    listenPort,
		Target:        target,
		BuildTLS:      buildTLS,
		Mark:          mark,
		Flow:          flow,
		Runtime:       rt,
		DecapFromHTTP: decapFromHTTP,
		Logger:        logger.With("flow_type", "netfilter", "flow_listen", fmt.Sprintf("0.0.0.0:%d", listenPort)),
	}
}

func (f *NetfilterFlow) Start(ctx context.Context) error {
	addr := fmt.Sprintf("0.0.0.0:%d", f.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("egress netfilter: listen %s: %w", addr, err)
	}
	f.ln = ln
	resolved, err := endpoint.ParseAddr(ln.Addr().String())
	if err != nil {
		return fmt.Errorf("egress netfilter: %w", err)
	}
	f.resolvedListen = resolved
	f.Logger.Info("egress netfilter flow starting", "target", f.Target.String(), "listen", resolved.String())
	f.signal()

	return serve(ctx, ln, f.BuildTLS, func() string { return f.Target.String() }, f.Mark, f.Flow, f.DecapFromHTTP, f.Runtime, f.Logger)
}

func (f *NetfilterFlow) Stop(ctx context.Context) error {
	if f.ln == nil {
		return nil
	}
	return f.ln.Close()
}
