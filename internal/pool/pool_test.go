package pool

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tng-project/tng/internal/endpoint"
	"github.com/tng-project/tng/internal/tlsconfig"
	"github.com/tng-project/tng/internal/wrapping"
)

// startEchoEgress listens on the loopback interface, TLS-terminates
// every connection in NoRa mode, runs the wrapping layer over it, and
// echoes every byte it receives back to the sender — standing in for
// a full egress flow + local backend for the purposes of exercising
// the pool end to end.
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
			go func(c net.Conn) {
				io.Copy(c, c)
			}(accepted.Conn)
		}
	}()

	return ln.Addr().String(), func() {
		cancel()
		ln.Close()
	}
}

func TestPoolNewStreamRoundTrip(t *testing.T) {
	addr, stop := startEchoEgress(t)
	defer stop()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	_ = portStr

	ep, err := endpoint.ParseAddr(addr)
	require.NoError(t, err)
	require.Equal(t, host, ep.Host)

	p := New(func() (*tls.Config, *tlsconfig.SideChannel, error) {
		cfg, err := tlsconfig.BuildClientConfig(tlsconfig.Params{Mode: tlsconfig.ModeNoRa}, nil)
		return cfg, nil, err
	}, 0, nil)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, result, err := p.NewStream(ctx, Key{Endpoint: ep})
	require.NoError(t, err)
	require.False(t, result.Present())
	defer stream.Close()

	msg := []byte("hello through the tunnel")
	_, err = stream.Write(msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf)

	require.Equal(t, 1, p.Len())
}

func TestPoolReusesClientForSameKey(t *testing.T) {
	addr, stop := startEchoEgress(t)
	defer stop()

	ep, err := endpoint.ParseAddr(addr)
	require.NoError(t, err)

	p := New(func() (*tls.Config, *tlsconfig.SideChannel, error) {
		cfg, err := tlsconfig.BuildClientConfig(tlsconfig.Params{Mode: tlsconfig.ModeNoRa}, nil)
		return cfg, nil, err
	}, 0, nil)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s1, _, err := p.NewStream(ctx, Key{Endpoint: ep})
	require.NoError(t, err)
	defer s1.Close()

	s2, _, err := p.NewStream(ctx, Key{Endpoint: ep})
	require.NoError(t, err)
	defer s2.Close()

	require.Equal(t, 1, p.Len())
}
