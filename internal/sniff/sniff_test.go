package sniff

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeekHTTP2Preface(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(http2Preface + "rest of frame data"))
	result, err := Peek(r)
	require.NoError(t, err)
	require.Equal(t, HTTP2, result.Kind)

	// Peek must not have consumed the stream.
	rest, err := r.Peek(len(http2Preface))
	require.NoError(t, err)
	require.Equal(t, http2Preface, string(rest))
}

func TestPeekHTTP1Get(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("GET /foo/bar HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	result, err := Peek(r)
	require.NoError(t, err)
	require.Equal(t, HTTP1, result.Kind)
	require.Equal(t, "", result.Authority)
	require.Equal(t, "/foo/bar", result.Path)
}

func TestPeekHTTP1Connect(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
	result, err := Peek(r)
	require.NoError(t, err)
	require.Equal(t, HTTP1, result.Kind)
	require.Equal(t, "example.com:443", result.Authority)
}

func TestPeekUnknown(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("\x16\x03\x01\x02\x00garbage-tls-looking-bytes"))
	result, err := Peek(r)
	require.NoError(t, err)
	require.Equal(t, Unknown, result.Kind)
}

func TestPeekDoesNotConsumeBytes(t *testing.T) {
	data := "GET / HTTP/1.1\r\nHost: x\r\n\r\nbody-after-headers"
	r := bufio.NewReader(strings.NewReader(data))
	_, err := Peek(r)
	require.NoError(t, err)

	all, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, data, string(all))
}

// TestPeekShortRequestOnLiveConnDoesNotBlock guards against a
// regression where Peek demanded a fixed byte count from the
// underlying reader regardless of how much the peer had actually
// sent. A short request line delivered in one write, with the client
// then waiting on a response, must classify without blocking on bytes
// that are never coming.
func TestPeekShortRequestOnLiveConnDoesNotBlock(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	const request = "GET / HTTP/1.1\r\n\r\n"

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := Peek(bufio.NewReader(server))
		done <- outcome{r, err}
	}()

	_, err := client.Write([]byte(request))
	require.NoError(t, err)

	select {
	case o := <-done:
		require.NoError(t, o.err)
		require.Equal(t, HTTP1, o.result.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("Peek blocked waiting for bytes the client never sent")
	}
}

func TestKindString(t *testing.T) {
	require.Equal(t, "http1", HTTP1.String())
	require.Equal(t, "http2", HTTP2.String())
	require.Equal(t, "unknown", Unknown.String())
}
