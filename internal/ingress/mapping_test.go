package ingress

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tng-project/tng/internal/endpoint"
	"github.com/tng-project/tng/internal/metrics"
	"github.com/tng-project/tng/internal/pool"
	"github.com/tng-project/tng/internal/runtime"
	"github.com/tng-project/tng/internal/tlsconfig"
	"github.com/tng-project/tng/internal/wrapping"
)

// startEchoEgress stands in for a full egress mapping flow: it
// terminates NoRa TLS, runs the wrapping layer, and echoes every byte
// it receives, so the ingress mapping flow under test can be
// exercised end to end (spec.md scenario S1) without depending on the
// egress package.
func startEchoEgress(t *testing.T) (addr string, stop func()) {
	t.Helper()

	tlsCfg, err := tlsconfig.BuildServerConfig(tlsconfig.Params{Mode: tlsconfig.ModeNoRa}, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	wrapper := wrapping.New()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			tlsConn := tls.Server(conn, tlsCfg)
			go wrapper.Serve(ctx, tlsConn, tlsconfig.AttestationResult{})
		}
	}()

	go func() {
		for accepted := range wrapper.Accepted() {
			go func(c net.Conn) { io.Copy(c, c) }(accepted.Conn)
		}
	}()

	return ln.Addr().String(), func() {
		cancel()
		ln.Close()
	}
}

func TestMappingFlowEndToEnd(t *testing.T) {
	egressAddr, stopEgress := startEchoEgress(t)
	defer stopEgress()

	egressEP, err := endpoint.ParseAddr(egressAddr)
	require.NoError(t, err)

	p := pool.New(func() (*tls.Config, *tlsconfig.SideChannel, error) {
		cfg, err := tlsconfig.BuildClientConfig(tlsconfig.Params{Mode: tlsconfig.ModeNoRa}, nil)
		return cfg, nil, err
	}, 0, nil)
	defer p.Close()

	reg, err := metrics.NewRegistry()
	require.NoError(t, err)
	defer reg.Shutdown(context.Background())
	flowMetrics, err := reg.NewFlowMetrics("mapping", "0", ":0")
	require.NoError(t, err)

	rt := runtime.New(context.Background(), slog.Default())
	defer rt.Close()

	listenEP, err := endpoint.ParseAddr("127.0.0.1:0")
	require.NoError(t, err)

	flow := NewMappingFlow(listenEP, egressEP, p, flowMetrics, rt, false, nil)

	startErr := make(chan error, 1)
	go func() { startErr <- flow.Start(rt.Context()) }()

	select {
	case <-flow.Ready():
	case err := <-startErr:
		t.Fatalf("flow exited before becoming ready: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("flow never became ready")
	}

	conn, err := net.Dial("tcp", flow.ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	msg := []byte("PING")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf)

	require.NoError(t, flow.Stop(context.Background()))
}
