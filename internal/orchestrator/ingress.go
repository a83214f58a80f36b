package orchestrator

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/tng-project/tng/internal/config"
	"github.com/tng-project/tng/internal/ingress"
	"github.com/tng-project/tng/internal/netfilter"
	"github.com/tng-project/tng/internal/pool"
	"github.com/tng-project/tng/internal/tlsconfig"
)

func (o *Orchestrator) buildIngress(ctx context.Context, index int, entry config.IngressEntry) (flow, error) {
	label := fmt.Sprintf("ingress-%d", index)

	params, err := o.buildTLSParams(ctx, entry.RAArgs, label)
	if err != nil {
		return nil, err
	}

	p := pool.New(func() (*tls.Config, *tlsconfig.SideChannel, error) {
		sc := tlsconfig.NewSideChannel()
		cfg, err := tlsconfig.BuildClientConfig(params, sc)
		return cfg, sc, err
	}, entry.SOMark, o.Logger)

	switch {
	case entry.Mapping != nil:
		flowMetrics, err := o.Metrics.NewFlowMetrics("mapping", label, entry.Mapping.In.String())
		if err != nil {
			return nil, err
		}
		return ingress.NewMappingFlow(entry.Mapping.In, entry.Mapping.Out, p, flowMetrics, o.Runtime, entry.EncapInHTTP, o.Logger), nil

	case entry.HTTPProxy != nil:
		matcher, err := config.ToMatcher(entry.HTTPProxy.DstFilters)
		if err != nil {
			return nil, fmt.Errorf("dst_filters: %w", err)
		}
		flowMetrics, err := o.Metrics.NewFlowMetrics("http_proxy", label, entry.HTTPProxy.ProxyListen.String())
		if err != nil {
			return nil, err
		}
		return ingress.NewHTTPProxyFlow(entry.HTTPProxy.ProxyListen, matcher, p, flowMetrics, o.Runtime, entry.WebPageInject, o.Logger), nil

	case entry.Socks5 != nil:
		matcher, err := config.ToMatcher(entry.Socks5.DstFilters)
		if err != nil {
			return nil, fmt.Errorf("dst_filters: %w", err)
		}
		flowMetrics, err := o.Metrics.NewFlowMetrics("socks5", label, entry.Socks5.ProxyListen.String())
		if err != nil {
			return nil, err
		}
		return ingress.NewSOCKS5Flow(entry.Socks5.ProxyListen, matcher, p, flowMetrics, o.Runtime, entry.Socks5.Username, entry.Socks5.Password, o.Logger)

	case entry.Netfilter != nil:
		flowMetrics, err := o.Metrics.NewFlowMetrics("netfilter", label, fmt.Sprintf("127.0.0.1:%d", entry.Netfilter.ListenPort))
		if err != nil {
			return nil, err
		}
		nf := ingress.NewNetfilterFlow(entry.Netfilter.ListenPort, p, flowMetrics, o.Runtime, entry.EncapInHTTP, o.Logger)
		if err := o.installIngressNetfilter(ctx, index, entry, nf); err != nil {
			return nil, err
		}
		return nf, nil

	default:
		return nil, fmt.Errorf("no ingress mode set")
	}
}

// installIngressNetfilter waits for nf to bind its listener (to learn
// the real port when listen_port is 0, auto-assign) and then installs
// the netfilter chain redirecting every configured capture
// destination into it.
func (o *Orchestrator) installIngressNetfilter(ctx context.Context, index int, entry config.IngressEntry, nf *ingress.NetfilterFlow) error {
	dests, err := config.ToNetfilterDests(entry.Netfilter.CaptureDests)
	if err != nil {
		return fmt.Errorf("netfilter dst: %w", err)
	}

	o.Runtime.SpawnUnsupervised(func(spawnCtx context.Context) {
		select {
		case <-nf.Ready():
		case <-spawnCtx.Done():
			return
		}

		spec := netfilter.Spec{
			FlowIndex:           index,
			SOMark:              entry.SOMark,
			RedirectPort:        nf.ListenEndpoint().Port,
			CaptureDests:        dests,
			CaptureLocalTraffic: entry.Netfilter.CaptureLocalTraffic,
		}
		guard, err := netfilter.Install(spawnCtx, spec, o.Logger)
		if err != nil {
			o.Logger.Error("ingress netfilter install failed", "flow_index", index, "error", err)
			return
		}
		o.addGuard(guard)
	})
	return nil
}
