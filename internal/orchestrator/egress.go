package orchestrator

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/tng-project/tng/internal/config"
	"github.com/tng-project/tng/internal/egress"
	"github.com/tng-project/tng/internal/tlsconfig"
)

// buildEgress constructs one add_egress[] flow. Unlike the ingress
// netfilter variant, egress netfilter (spec.md §4.9.2) installs no
// iptables chain of its own — it only needs its backend dial marked
// with SOMark so it skips whatever capture chain an ingress netfilter
// flow installed elsewhere on the host; that mark is threaded through
// to egress.NewNetfilterFlow/egress.NewMappingFlow and applied at
// dial time.
func (o *Orchestrator) buildEgress(ctx context.Context, index int, entry config.EgressEntry) (flow, error) {
	label := fmt.Sprintf("egress-%d", index)

	params, err := o.buildTLSParams(ctx, entry.RAArgs, label)
	if err != nil {
		return nil, err
	}

	buildTLS := func() (*tls.Config, *tlsconfig.SideChannel, error) {
		sc := tlsconfig.NewSideChannel()
		cfg, err := tlsconfig.BuildServerConfig(params, sc)
		return cfg, sc, err
	}

	switch {
	case entry.Mapping != nil:
		flowMetrics, err := o.Metrics.NewFlowMetrics("mapping", label, entry.Mapping.In.String())
		if err != nil {
			return nil, err
		}
		return egress.NewMappingFlow(entry.Mapping.In, entry.Mapping.Out, buildTLS, entry.SOMark, flowMetrics, entry.DecapFromHTTP, o.Runtime, o.Logger), nil

	case entry.Netfilter != nil:
		flowMetrics, err := o.Metrics.NewFlowMetrics("netfilter", label, fmt.Sprintf("0.0.0.0:%d", entry.Netfilter.ListenPort))
		if err != nil {
			return nil, err
		}
		return egress.NewNetfilterFlow(entry.Netfilter.ListenPort, entry.Netfilter.Out, buildTLS, entry.SOMark, flowMetrics, entry.DecapFromHTTP, o.Runtime, o.Logger), nil

	default:
		return nil, fmt.Errorf("no egress mode set")
	}
}
