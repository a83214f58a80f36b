// Package metrics wires the per-flow OpenTelemetry instruments (C11)
// and exposes them to Prometheus, mirroring the teacher's
// internal/mux Hub.registerMetrics pattern minus every connectrpc
// concern that has no TNG equivalent.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/tng-project/tng"

// Registry owns the process-wide MeterProvider and the counters that
// don't belong to any single flow (live/ready gauges). Each Registry
// carries its own prometheus.Registry rather than registering into
// the global default one, so that more than one Orchestrator (one
// per test, or one per hot-reloaded configuration document) can
// exist in the same process without a duplicate-collector panic.
type Registry struct {
	promRegistry *prometheus.Registry
	provider     *sdkmetric.MeterProvider
	meter        metric.Meter

	live  metric.Int64UpDownCounter
	ready metric.Int64UpDownCounter
}

// NewRegistry builds a Prometheus-backed meter provider. Callers
// expose the returned Registry's Handler on an HTTP mux.
func NewRegistry() (*Registry, error) {
	promRegistry := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(promRegistry))
	if err != nil {
		return nil, fmt.Errorf("build prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	live, err := meter.Int64UpDownCounter("tng_live",
		metric.WithDescription("1 once the process has started serving"))
	if err != nil {
		return nil, err
	}
	ready, err := meter.Int64UpDownCounter("tng_ready",
		metric.WithDescription("1 once every configured flow is accepting connections"))
	if err != nil {
		return nil, err
	}

	return &Registry{promRegistry: promRegistry, provider: provider, meter: meter, live: live, ready: ready}, nil
}

// Handler returns the /metrics HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{})
}

// SetLive marks the process as started. Called once, early in orchestrator
// startup; never decremented in the lifetime of the process.
func (r *Registry) SetLive(ctx context.Context) {
	r.live.Add(ctx, 1)
}

// SetReady marks every configured flow as accepting connections.
func (r *Registry) SetReady(ctx context.Context) {
	r.ready.Add(ctx, 1)
}

// Shutdown flushes and releases exporter resources.
func (r *Registry) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}

// NewFlowMetrics builds the five-instrument bundle for one flow.
func (r *Registry) NewFlowMetrics(flowType, flowID, flowListen string) (*FlowMetrics, error) {
	attrs := flowAttributes(flowType, flowID, flowListen)

	cxTotal, err := r.meter.Int64Counter("cx_total", metric.WithDescription("streams accepted"))
	if err != nil {
		return nil, err
	}
	cxActive, err := r.meter.Int64UpDownCounter("cx_active", metric.WithDescription("streams currently open"))
	if err != nil {
		return nil, err
	}
	cxFailed, err := r.meter.Int64Counter("cx_failed", metric.WithDescription("streams that dropped without a clean finish"))
	if err != nil {
		return nil, err
	}
	txBytes, err := r.meter.Int64Counter("tx_bytes_total", metric.WithUnit("By"), metric.WithDescription("bytes written upstream->downstream"))
	if err != nil {
		return nil, err
	}
	rxBytes, err := r.meter.Int64Counter("rx_bytes_total", metric.WithUnit("By"), metric.WithDescription("bytes written downstream->upstream"))
	if err != nil {
		return nil, err
	}

	return &FlowMetrics{
		attrs:    attrs,
		cxTotal:  cxTotal,
		cxActive: cxActive,
		cxFailed: cxFailed,
		txBytes:  txBytes,
		rxBytes:  rxBytes,
	}, nil
}
