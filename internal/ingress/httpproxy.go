package ingress

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tng-project/tng/internal/endpoint"
	"github.com/tng-project/tng/internal/forward"
	"github.com/tng-project/tng/internal/metrics"
	"github.com/tng-project/tng/internal/pool"
	"github.com/tng-project/tng/internal/runtime"
	"github.com/tng-project/tng/internal/tngerr"
)

// recursionHeader is prepended to every forwarded non-CONNECT request
// so a second http_proxy ingress downstream of this one can detect a
// loop (spec.md §4.8.2).
const recursionHeader = "X-Tng-Http-Forward"

// webPageInjectBanner is the small HTML comment injected into
// text/html responses when WebPageInject is enabled (supplemented
// feature from original_source's web_page_inject flag).
const webPageInjectBanner = "\n<!-- tunneled via tng -->\n"

// HTTPProxyFlow implements spec.md §4.8.2: an HTTP/1.1 + HTTP/2 proxy
// server handling both CONNECT and plain reverse-proxy requests, with
// destination-filter-driven routing grounded on the teacher's
// internal/transport/http.Server Start/Stop shape.
type HTTPProxyFlow struct {
	readiness

	Listen        endpoint.Endpoint
	Matcher       *endpoint.Matcher
	Pool          *pool.Pool
	Flow          *metrics.FlowMetrics
	Runtime       *runtime.Runtime
	Logger        *slog.Logger
	WebPageInject bool
	// DirectDialer dials bypass (via_tunnel == false) destinations
	// directly. Defaults to net.Dialer{} when nil.
	DirectDialer *net.Dialer

	srv *http.Server
	ln  net.Listener
}

func NewHTTPProxyFlow(listen endpoint.Endpoint, matcher *endpoint.Matcher, p *pool.Pool, flow *metrics.FlowMetrics, rt *runtime.Runtime, webPageInject bool, logger *slog.Logger) *HTTPProxyFlow {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProxyFlow{
		readiness:     newReadiness(),
		Listen:        listen,
		Matcher:       matcher,
		Pool:          p,
		Flow:          flow,
		Runtime:       rt,
		WebPageInject: webPageInject,
		Logger:        logger.With("flow_type", "http_proxy", "flow_listen", listen.String()),
	}
}

func (f *HTTPProxyFlow) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", f.Listen.String())
	if err != nil {
		return fmt.Errorf("ingress http_proxy: listen %s: %w", f.Listen, err)
	}
	f.ln = ln

	protocols := new(http.Protocols)
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)

	f.srv = &http.Server{
		Handler:           http.HandlerFunc(f.serveHTTP),
		ReadHeaderTimeout: 10 * time.Second,
		Protocols:         protocols,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	f.Logger.Info("ingress http_proxy flow starting")
	f.signal()

	if err := f.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ingress http_proxy: serve: %w", err)
	}
	return nil
}

func (f *HTTPProxyFlow) Stop(ctx context.Context) error {
	if f.srv == nil {
		return nil
	}
	return f.srv.Shutdown(ctx)
}

func (f *HTTPProxyFlow) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(recursionHeader) == "true" {
		http.Error(w, (&tngerr.ErrRecursionDetected{Header: recursionHeader}).Error(), http.StatusBadRequest)
		return
	}
	if r.Method == http.MethodConnect {
		f.handleConnect(w, r)
		return
	}
	f.handleForward(w, r)
}

func (f *HTTPProxyFlow) handleConnect(w http.ResponseWriter, r *http.Request) {
	ep, err := parseHostPortDefault(r.Host, 443)
	if err != nil {
		http.Error(w, "bad CONNECT authority", http.StatusBadRequest)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection does not support hijacking", http.StatusInternalServerError)
		return
	}
	conn, bufrw, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	handle := f.Flow.Accept(ctx)

	upstream, err := f.dial(ctx, ep)
	if err != nil {
		handle.Finish(ctx)
		fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		conn.Close()
		return
	}

	fmt.Fprintf(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")
	bufrw.Writer.Flush()

	downstream := &bufferedConn{Conn: conn, reader: bufrw.Reader}
	forward.Bidirectional(ctx, downstream, upstream, f.Flow)
	handle.MarkSuccess()
	handle.Finish(ctx)
}

func (f *HTTPProxyFlow) handleForward(w http.ResponseWriter, r *http.Request) {
	defaultPort := uint16(80)
	if r.TLS != nil || r.URL.Scheme == "https" {
		defaultPort = 443
	}
	ep, err := parseHostPortDefault(r.Host, defaultPort)
	if err != nil {
		http.Error(w, "bad Host header", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	handle := f.Flow.Accept(ctx)
	defer handle.Finish(ctx)

	upstream, err := f.dial(ctx, ep)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	out := r.Clone(ctx)
	out.URL.Scheme = ""
	out.URL.Host = ""
	out.RequestURI = ""
	out.Header.Set(recursionHeader, "true")

	if err := out.Write(upstream); err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstream), out)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	f.writeResponse(w, resp)
	handle.MarkSuccess()
}

func (f *HTTPProxyFlow) writeResponse(w http.ResponseWriter, resp *http.Response) {
	if !f.WebPageInject || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") ||
		resp.Header.Get("Content-Encoding") != "" || resp.TransferEncoding != nil {
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		return
	}
	injected := injectBanner(body)
	copyHeader(w.Header(), resp.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(injected)))
	w.WriteHeader(resp.StatusCode)
	w.Write(injected)
}

func injectBanner(body []byte) []byte {
	if idx := bytes.LastIndex(body, []byte("</body>")); idx >= 0 {
		out := make([]byte, 0, len(body)+len(webPageInjectBanner))
		out = append(out, body[:idx]...)
		out = append(out, webPageInjectBanner...)
		out = append(out, body[idx:]...)
		return out
	}
	return append(body, webPageInjectBanner...)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// dial routes ep through the tunnel if it matches f.Matcher, else
// dials it directly — the via_tunnel decision from spec.md §4.8.2.
func (f *HTTPProxyFlow) dial(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
	if f.Matcher.Matches(ep) {
		stream, _, err := f.Pool.NewStream(ctx, pool.Key{Endpoint: ep})
		return stream, err
	}
	dialer := f.DirectDialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: 10 * time.Second}
	}
	return dialer.DialContext(ctx, "tcp", ep.String())
}

func parseHostPortDefault(hostport string, defaultPort uint16) (endpoint.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return endpoint.Endpoint{Host: hostport, Port: defaultPort}, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return endpoint.Endpoint{}, err
	}
	return endpoint.Endpoint{Host: host, Port: uint16(port)}, nil
}

// bufferedConn serves reads from a bufio.Reader that may already hold
// bytes read past the HTTP headers during hijacking, falling through
// to the raw connection once drained; writes and close go straight to
// the connection.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.reader.Read(p) }
