package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/tng-project/tng/internal/netutil"
	"github.com/tng-project/tng/internal/tlsconfig"
)

// connectTimeout bounds TCP dial + TLS handshake for a new client.
const connectTimeout = 5 * time.Second

// tunnelAuthority is the fixed ":authority" every CONNECT request
// carries; the gateway's data plane never depends on what a peer
// calls itself.
const tunnelAuthority = "tng.internal"

// client is one pooled HTTP/2 tunnel client: a long-lived connection
// rooted on a TLS transport whose peer has already been accepted
// (trivially, for NoRa; cryptographically, for attested modes).
type client struct {
	id   uint64
	key  Key
	cc   *http2.ClientConn
	conn net.Conn
}

// nextSessionID is a monotonic counter used only for logging, so
// operators can correlate "built client #N" log lines with later
// per-stream activity on it.
var nextSessionID atomic.Uint64

// dial builds a fresh client for key: TCP-dials the endpoint with
// SO_MARK applied (to make egress traffic skip the same netfilter
// chain that captured it), performs the TLS handshake per tlsCfg,
// and wraps the result in an HTTP/2 client connection.
func dial(ctx context.Context, key Key, tlsCfg *tls.Config, mark int) (*client, error) {
	dialer := &net.Dialer{
		Timeout: connectTimeout,
		Control: netutil.SoMarkControl(mark),
	}

	rawConn, err := dialer.DialContext(ctx, "tcp", key.Endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("pool: dial %s: %w", key.Endpoint, err)
	}

	tlsConn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("pool: TLS handshake with %s: %w", key.Endpoint, err)
	}

	t := &http2.Transport{}
	cc, err := t.NewClientConn(tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("pool: establish HTTP/2 connection to %s: %w", key.Endpoint, err)
	}

	return &client{id: nextSessionID.Add(1), key: key, cc: cc, conn: tlsConn}, nil
}

// newStream issues one CONNECT on the client's HTTP/2 connection and
// returns the resulting duplex stream.
func (c *client) newStream(ctx context.Context) (net.Conn, error) {
	pr, pw := io.Pipe()

	req, err := http.NewRequestWithContext(ctx, http.MethodConnect, "", pr)
	if err != nil {
		return nil, fmt.Errorf("pool: build CONNECT request: %w", err)
	}
	req.URL = &url.URL{Opaque: tunnelAuthority}
	req.Host = tunnelAuthority

	resp, err := c.cc.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("pool: CONNECT %s: %w", c.key.Endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("pool: CONNECT rejected with status %s", resp.Status)
	}

	stream := newH2Stream(pw, resp.Body)
	return &netConnAdapter{
		h2Stream:   stream,
		localAddr:  c.conn.LocalAddr(),
		remoteAddr: c.conn.RemoteAddr(),
	}, nil
}

func (c *client) healthy() bool {
	state := c.cc.State()
	return !state.Closed && !state.Closing
}

func (c *client) close() error {
	return c.conn.Close()
}

// attestationResultFor is a placeholder extraction point: in
// Attest/Verify modes the CoCo verifier records its
// tlsconfig.AttestationResult on the SideChannel bound to this
// client's handshake, fetched by the caller that built the client.
func attestationResultFor(sc *tlsconfig.SideChannel) tlsconfig.AttestationResult {
	if sc == nil {
		return tlsconfig.AttestationResult{}
	}
	return sc.Result()
}
