package ingress

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tng-project/tng/internal/endpoint"
	"github.com/tng-project/tng/internal/metrics"
	"github.com/tng-project/tng/internal/pool"
	"github.com/tng-project/tng/internal/runtime"
	"github.com/tng-project/tng/internal/tlsconfig"
)

// socks5Connect performs a minimal no-auth SOCKS5 handshake and a
// CONNECT request against proxyAddr for target "host:port", returning
// the raw connection positioned right after the SOCKS5 reply so the
// test can speak the proxied protocol directly.
func socks5Connect(t *testing.T, proxyAddr, host string, port uint16) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)

	// greeting: version 5, 1 method, no-auth (0x00)
	_, err = conn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	reply := make([]byte, 2)
	_, err = io.ReadFull(r, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x05), reply[0])
	require.Equal(t, byte(0x00), reply[1], "server should accept no-auth")

	// CONNECT request: ver=5, cmd=1 (connect), rsv=0, atyp=3 (domain)
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}
	req = append(req, []byte(host)...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	req = append(req, portBytes...)
	_, err = conn.Write(req)
	require.NoError(t, err)

	// reply: ver, rep, rsv, atyp, bnd.addr (4 bytes for IPv4), bnd.port (2 bytes)
	header := make([]byte, 4)
	_, err = io.ReadFull(r, header)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), header[1], "CONNECT should succeed")
	require.Equal(t, byte(0x01), header[3], "expect IPv4 bound address")
	rest := make([]byte, 6)
	_, err = io.ReadFull(r, rest)
	require.NoError(t, err)

	return &bufferedConn{Conn: conn, reader: r}
}

func TestSOCKS5FlowConnectBypass(t *testing.T) {
	backend := httptest.NewServer(nil)
	defer backend.Close()
	backendEP, err := endpoint.ParseAddr(backend.Listener.Addr().String())
	require.NoError(t, err)

	// A filter that never matches the plaintext backend exercises the
	// bypass path (via_tunnel == false): the pool is never dialed, so
	// it's safe to fail loudly if it ever is.
	matcher, err := endpoint.NewMatcher([]endpoint.Filter{{Domain: "example.internal"}})
	require.NoError(t, err)

	p := pool.New(func() (*tls.Config, *tlsconfig.SideChannel, error) {
		return nil, nil, errors.New("pool should not be used on a dst_filter miss")
	}, 0, nil)
	defer p.Close()

	reg, err := metrics.NewRegistry()
	require.NoError(t, err)
	defer reg.Shutdown(context.Background())
	flowMetrics, err := reg.NewFlowMetrics("socks5", "0", ":0")
	require.NoError(t, err)

	rt := runtime.New(context.Background(), slog.Default())
	defer rt.Close()

	listenEP, err := endpoint.ParseAddr("127.0.0.1:0")
	require.NoError(t, err)

	flow, err := NewSOCKS5Flow(listenEP, matcher, p, flowMetrics, rt, "", "", nil)
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() { startErr <- flow.Start(rt.Context()) }()

	select {
	case <-flow.Ready():
	case err := <-startErr:
		t.Fatalf("flow exited before becoming ready: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("flow never became ready")
	}

	conn := socks5Connect(t, flow.ln.Addr().String(), backendEP.Host, backendEP.Port)
	defer conn.Close()

	req := "GET / HTTP/1.1\r\nHost: " + backendEP.String() + "\r\nConnection: close\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Contains(t, string(resp), "HTTP/1.1")

	require.NoError(t, flow.Stop(context.Background()))
}
