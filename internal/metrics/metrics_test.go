package metrics

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRegistryExposesHandler(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	defer reg.Shutdown(context.Background())

	req := httptest.NewRequest("GET", "/metrics", nil)
	rw := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rw, req)
	require.Equal(t, 200, rw.Code)
}

func TestFlowMetricsAcceptAndFinishSuccess(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	defer reg.Shutdown(context.Background())

	flow, err := reg.NewFlowMetrics("mapping", "f1", "127.0.0.1:8080")
	require.NoError(t, err)

	handle := flow.Accept(context.Background())
	handle.MarkSuccess()
	handle.Finish(context.Background())

	// Calling Finish again must not double-count.
	handle.Finish(context.Background())
}

func TestFlowMetricsFinishWithoutSuccessCountsFailed(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	defer reg.Shutdown(context.Background())

	flow, err := reg.NewFlowMetrics("http_proxy", "f2", ":41000")
	require.NoError(t, err)

	handle := flow.Accept(context.Background())
	handle.Finish(context.Background())
}

type fakeConn struct {
	io.Reader
	io.Writer
}

func (fakeConn) Close() error { return nil }

func TestCountingConnCountsBothDirections(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	defer reg.Shutdown(context.Background())

	flow, err := reg.NewFlowMetrics("mapping", "f3", "127.0.0.1:9000")
	require.NoError(t, err)

	var written bytes.Buffer
	inner := fakeConn{Reader: bytes.NewReader([]byte("hello")), Writer: &written}

	conn := NewCountingConn(context.Background(), struct {
		io.Reader
		io.Writer
		io.Closer
	}{inner, inner, inner}, flow)

	buf := make([]byte, 5)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	n, err = conn.Write([]byte("world"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", written.String())
}
