package ingress

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tng-project/tng/internal/endpoint"
	"github.com/tng-project/tng/internal/metrics"
	"github.com/tng-project/tng/internal/pool"
	"github.com/tng-project/tng/internal/runtime"
	"github.com/tng-project/tng/internal/tlsconfig"
)

// TestHTTPProxyFlowBypassesOnFilterMiss covers spec.md scenario S2:
// a dst_filter that never matches the real backend routes the request
// directly, bypassing the tunnel entirely, while still counting
// cx_total for the flow.
func TestHTTPProxyFlowBypassesOnFilterMiss(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello from backend"))
	}))
	defer backend.Close()

	matcher, err := endpoint.NewMatcher([]endpoint.Filter{{Domain: "example.internal"}})
	require.NoError(t, err)

	p := pool.New(func() (*tls.Config, *tlsconfig.SideChannel, error) {
		return nil, nil, errors.New("pool should not be used when dst_filter misses")
	}, 0, nil)
	defer p.Close()

	reg, err := metrics.NewRegistry()
	require.NoError(t, err)
	defer reg.Shutdown(context.Background())
	flowMetrics, err := reg.NewFlowMetrics("http_proxy", "0", ":0")
	require.NoError(t, err)

	rt := runtime.New(context.Background(), slog.Default())
	defer rt.Close()

	listenEP, err := endpoint.ParseAddr("127.0.0.1:0")
	require.NoError(t, err)

	flow := NewHTTPProxyFlow(listenEP, matcher, p, flowMetrics, rt, false, nil)

	startErr := make(chan error, 1)
	go func() { startErr <- flow.Start(rt.Context()) }()

	select {
	case <-flow.Ready():
	case err := <-startErr:
		t.Fatalf("flow exited before becoming ready: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("flow never became ready")
	}

	proxyURL, err := url.Parse("http://" + flow.ln.Addr().String())
	require.NoError(t, err)

	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}

	resp, err := client.Get(backend.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello from backend", string(body))

	require.NoError(t, flow.Stop(context.Background()))
}
