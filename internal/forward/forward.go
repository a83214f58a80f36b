// Package forward implements the bidirectional byte copy shared by
// every ingress and egress flow, generalizing the teacher's
// tunnel.Bridge.relay to run over any two duplex streams (TCP, a
// pooled HTTP/2 tunnel stream, or an in-memory pipe) and to count
// bytes into per-flow metrics.
package forward

import (
	"context"
	"io"

	"github.com/tng-project/tng/internal/metrics"
)

// Bidirectional copies bytes between a and b until one direction
// closes, then closes both ends and waits for the other direction to
// also finish, exactly as the teacher's relay does. a is always the
// downstream/client side and b the upstream/tunnel side; if flow is
// non-nil, bytes read from a (client -> tunnel) count as rx_bytes_total
// and bytes written to a (tunnel -> client) count as tx_bytes_total.
func Bidirectional(ctx context.Context, a, b io.ReadWriteCloser, flow *metrics.FlowMetrics) {
	if flow != nil {
		a = metrics.NewCountingConn(ctx, a, flow)
	}

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(a, b) // b -> a
		errc <- err
	}()
	go func() {
		_, err := io.Copy(b, a) // a -> b
		errc <- err
	}()

	<-errc
	a.Close()
	b.Close()
	<-errc
}
