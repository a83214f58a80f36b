package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/armon/go-socks5"

	"github.com/tng-project/tng/internal/endpoint"
	"github.com/tng-project/tng/internal/metrics"
	"github.com/tng-project/tng/internal/pool"
	"github.com/tng-project/tng/internal/runtime"
)

// maxConcurrentSOCKS5Sessions bounds concurrent SOCKS5 sessions per
// spec.md §4.8.3: handle holds a slot from accept through the
// handshake until the whole session ends.
const maxConcurrentSOCKS5Sessions = 1024

// SOCKS5Flow implements spec.md §4.8.3 on top of
// github.com/armon/go-socks5: destination filtering and tunnel-or-
// bypass routing are both implemented via the library's Dial hook, so
// CONNECT is the only command that ever reaches our code — BIND and
// ASSOCIATE are rejected by the library itself with
// CommandNotSupported before Dial is ever called.
type SOCKS5Flow struct {
	readiness

	Listen       endpoint.Endpoint
	Matcher      *endpoint.Matcher
	Pool         *pool.Pool
	Flow         *metrics.FlowMetrics
	Runtime      *runtime.Runtime
	Logger       *slog.Logger
	Username     string
	Password     string
	DirectDialer *net.Dialer

	server *socks5.Server
	ln     net.Listener
	sem    chan struct{}
}

func NewSOCKS5Flow(listen endpoint.Endpoint, matcher *endpoint.Matcher, p *pool.Pool, flow *metrics.FlowMetrics, rt *runtime.Runtime, username, password string, logger *slog.Logger) (*SOCKS5Flow, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &SOCKS5Flow{
		readiness: newReadiness(),
		Listen:    listen,
		Matcher:   matcher,
		Pool:      p,
		Flow:      flow,
		Runtime:   rt,
		Username:  username,
		Password:  password,
		Logger:    logger.With("flow_type", "socks5", "flow_listen", listen.String()),
		sem:       make(chan struct{}, maxConcurrentSOCKS5Sessions),
	}

	cfg := &socks5.Config{
		Dial: f.dial,
	}
	if username != "" {
		cfg.Credentials = socks5.StaticCredentials{username: password}
		cfg.AuthMethods = []socks5.Authenticator{socks5.UserPassAuthenticator{Credentials: cfg.Credentials}}
	}

	server, err := socks5.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("ingress socks5: %w", err)
	}
	f.server = server
	return f, nil
}

func (f *SOCKS5Flow) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", f.Listen.String())
	if err != nil {
		return fmt.Errorf("ingress socks5: listen %s: %w", f.Listen, err)
	}
	f.ln = ln
	f.Logger.Info("ingress socks5 flow starting")
	f.signal()

	return acceptLoop(ctx, ln, f.Logger, f.Runtime, f.handle)
}

func (f *SOCKS5Flow) handle(ctx context.Context, conn net.Conn) {
	select {
	case f.sem <- struct{}{}:
	case <-ctx.Done():
		conn.Close()
		return
	}
	defer func() { <-f.sem }()

	handle := f.Flow.Accept(ctx)
	defer handle.Finish(ctx)

	if err := f.server.ServeConn(conn); err != nil {
		f.Logger.Debug("socks5 session ended", "error", err)
		return
	}
	handle.MarkSuccess()
}

func (f *SOCKS5Flow) Stop(ctx context.Context) error {
	if f.ln == nil {
		return nil
	}
	return f.ln.Close()
}

// dial is the go-socks5 Config.Dial hook: every CONNECT request's
// destination is routed through the tunnel or dialed directly
// depending on f.Matcher, mirroring http_proxy's routing rule.
func (f *SOCKS5Flow) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	ep, err := endpoint.ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	if f.Matcher.Matches(ep) {
		stream, _, err := f.Pool.NewStream(ctx, pool.Key{Endpoint: ep})
		return stream, err
	}
	dialer := f.DirectDialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return dialer.DialContext(ctx, network, addr)
}
