package metrics

import (
	"context"
	"io"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func flowAttributes(flowType, flowID, flowListen string) attribute.Set {
	return attribute.NewSet(
		attribute.String("flow_type", flowType),
		attribute.String("flow_id", flowID),
		attribute.String("flow_listen", flowListen),
	)
}

// FlowMetrics is the clone-by-reference bundle of five instruments
// bound to one flow's {flow_type, flow_id, flow_listen} attribute set.
// It lives for the lifetime of the process, shared by every stream the
// flow accepts.
type FlowMetrics struct {
	attrs attribute.Set

	cxTotal  metric.Int64Counter
	cxActive metric.Int64UpDownCounter
	cxFailed metric.Int64Counter
	txBytes  metric.Int64Counter
	rxBytes  metric.Int64Counter
}

// Accept records a stream accept: cx_total++ and cx_active++. It
// returns a StreamHandle the caller must Finish exactly once.
func (f *FlowMetrics) Accept(ctx context.Context) *StreamHandle {
	opt := metric.WithAttributeSet(f.attrs)
	f.cxTotal.Add(ctx, 1, opt)
	f.cxActive.Add(ctx, 1, opt)
	return &StreamHandle{flow: f}
}

// StreamHandle tracks one accepted stream from accept to drop.
// mark_finished_successfully in the original corresponds to calling
// MarkSuccess before Finish; Finish without a prior MarkSuccess counts
// as a failure (cx_failed++).
type StreamHandle struct {
	flow      *FlowMetrics
	succeeded atomic.Bool
	finished  atomic.Bool
}

// MarkSuccess records that the stream completed its work cleanly
// (e.g. forwarder saw EOF on both halves rather than an error).
func (h *StreamHandle) MarkSuccess() {
	h.succeeded.Store(true)
}

// Finish decrements cx_active and, absent a prior MarkSuccess,
// increments cx_failed. Safe to call at most once; subsequent calls
// are no-ops.
func (h *StreamHandle) Finish(ctx context.Context) {
	if !h.finished.CompareAndSwap(false, true) {
		return
	}
	opt := metric.WithAttributeSet(h.flow.attrs)
	h.flow.cxActive.Add(ctx, -1, opt)
	if !h.succeeded.Load() {
		h.flow.cxFailed.Add(ctx, 1, opt)
	}
}

// CountingConn wraps a net.Conn-shaped duplex stream so every byte
// moved through it is attributed to tx_bytes_total / rx_bytes_total.
// rx is the direction read from this conn (originating peer -> TNG);
// tx is the direction written to it (TNG -> originating peer) —
// naming matches the stream-wrapper counters described for the
// bidirectional forwarder.
type CountingConn struct {
	io.ReadWriteCloser
	ctx  context.Context
	flow *FlowMetrics
}

// NewCountingConn wraps rw so Read/Write increment the flow's byte
// counters as they happen.
func NewCountingConn(ctx context.Context, rw io.ReadWriteCloser, flow *FlowMetrics) *CountingConn {
	return &CountingConn{ReadWriteCloser: rw, ctx: ctx, flow: flow}
}

func (c *CountingConn) Read(p []byte) (int, error) {
	n, err := c.ReadWriteCloser.Read(p)
	if n > 0 {
		c.flow.rxBytes.Add(c.ctx, int64(n), metric.WithAttributeSet(c.flow.attrs))
	}
	return n, err
}

func (c *CountingConn) Write(p []byte) (int, error) {
	n, err := c.ReadWriteCloser.Write(p)
	if n > 0 {
		c.flow.txBytes.Add(c.ctx, int64(n), metric.WithAttributeSet(c.flow.attrs))
	}
	return n, err
}
