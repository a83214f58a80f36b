// Package ingress implements the client side of the tunnel: the four
// listen modes that capture downstream byte streams and route them
// either through the pool (via_tunnel = true) or directly (bypass).
// The accept-loop/Start-Stop shape is grounded on the teacher's
// internal/transport/http.Server (net.Listen up front, blocking Serve
// loop, context-based shutdown) generalized from one HTTP listener to
// four ingress protocols.
package ingress

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/tng-project/tng/internal/endpoint"
	"github.com/tng-project/tng/internal/forward"
	"github.com/tng-project/tng/internal/metrics"
	"github.com/tng-project/tng/internal/pool"
	"github.com/tng-project/tng/internal/runtime"
	"github.com/tng-project/tng/internal/sniff"
)

// Flow is what the top-level orchestrator needs from every ingress
// flow: it implements the same Start/Stop shape as
// internal/transport.Listener, plus a readiness signal.
type Flow interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ready() <-chan struct{}
}

// readiness is embedded by every flow to provide the common
// "signal ready once, after the listener is bound" behavior described
// in spec.md's common ingress accept loop.
type readiness struct {
	ch   chan struct{}
	once sync.Once
}

func newReadiness() readiness {
	return readiness{ch: make(chan struct{})}
}

func (r *readiness) signal() {
	r.once.Do(func() { close(r.ch) })
}

func (r *readiness) Ready() <-chan struct{} {
	return r.ch
}

// acceptLoop runs the common "accept, spawn a supervised task per
// connection, log and continue on accept error" loop shared by every
// TCP-based ingress flow (mapping, netfilter and socks5; http_proxy
// delegates accept to net/http's Server.Serve instead).
func acceptLoop(ctx context.Context, ln net.Listener, logger *slog.Logger, rt *runtime.Runtime, handle func(ctx context.Context, conn net.Conn)) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("ingress accept error", "error", err)
			continue
		}
		runtime.SpawnSupervised(rt, func(ctx context.Context) (struct{}, error) {
			handle(ctx, conn)
			return struct{}{}, nil
		})
	}
}

// dialTarget is the shared "send this connection through the pool to
// target" handler used by mapping and netfilter ingress, the two
// modes with a single fixed or recovered destination and no per-
// request routing decision. conn is an io.ReadWriteCloser rather than
// a bare net.Conn so that encap_in_http callers can hand in a
// bufferedConn that still carries bytes already consumed by sniffing.
func dialTarget(ctx context.Context, conn io.ReadWriteCloser, key pool.Key, p *pool.Pool, flow *metrics.FlowMetrics, logger *slog.Logger) {
	handle := flow.Accept(ctx)
	defer handle.Finish(ctx)
	defer conn.Close()

	stream, _, err := p.NewStream(ctx, key)
	if err != nil {
		logger.Warn("ingress: tunnel dial failed", "target", key.Endpoint, "error", err)
		return
	}

	forward.Bidirectional(ctx, conn, stream, flow)
	handle.MarkSuccess()
}

// sniffKey builds the pool.Key for one accepted connection, deriving
// Extras from the transport inspector (C7) when encap is set: the
// original_source HTTP-encapsulation variant routes pooled streams by
// {authority, rewritten_path} instead of by destination endpoint alone
// (SPEC_FULL.md §10.2). sniff.Peek only ever buffers, never drains, so
// the returned bufferedConn still carries every byte dialTarget needs
// to forward.
func sniffKey(conn net.Conn, target endpoint.Endpoint, encap bool, logger *slog.Logger) (pool.Key, io.ReadWriteCloser) {
	if !encap {
		return pool.Key{Endpoint: target}, conn
	}

	br := bufio.NewReader(conn)
	wrapped := &bufferedConn{Reader: br, Conn: conn}

	result, err := sniff.Peek(br)
	if err != nil {
		logger.Warn("ingress: transport inspection failed", "error", err)
		return pool.Key{Endpoint: target}, wrapped
	}

	return pool.Key{Endpoint: target, Extras: pool.Extras{Authority: result.Authority, RewrittenPath: result.Path}}, wrapped
}

// bufferedConn adapts a net.Conn plus the bufio.Reader a sniff already
// peeked through back into a single io.ReadWriteCloser; Read must go
// through the bufio.Reader so its buffered bytes aren't lost.
type bufferedConn struct {
	*bufio.Reader
	net.Conn
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.Reader.Read(p) }
