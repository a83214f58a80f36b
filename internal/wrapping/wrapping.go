// Package wrapping implements the egress-side Wrapping Layer: for
// every accepted attested TLS connection it runs a minimal HTTP/2
// server that accepts exactly one CONNECT and hands the resulting
// duplex stream off to the plaintext forwarder.
package wrapping

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/tng-project/tng/internal/tlsconfig"
	"github.com/tng-project/tng/internal/tngerr"
)

// ServerHeader is the value the wrapping layer's CONNECT response
// carries in the "server" header.
const ServerHeader = "tng/0.1"

// AcceptedStream is one upgraded CONNECT stream plus the attestation
// result bound to the TLS connection it arrived on, handed to the
// plaintext forwarder.
type AcceptedStream struct {
	Conn   net.Conn
	Result tlsconfig.AttestationResult
}

// Wrapper runs the HTTP/2 CONNECT acceptor over already-TLS-terminated
// connections and publishes each accepted stream on a single,
// shared channel — the "single-producer channel" the plaintext
// forwarder reads from.
type Wrapper struct {
	out chan AcceptedStream
}

// New builds a Wrapper. Accepted streams are delivered on the
// channel returned by Accepted; the caller must keep draining it.
func New() *Wrapper {
	return &Wrapper{out: make(chan AcceptedStream)}
}

// Accepted returns the channel every accepted CONNECT stream is
// published on.
func (w *Wrapper) Accepted() <-chan AcceptedStream {
	return w.out
}

// Serve runs the HTTP/2 server for one already-TLS-terminated
// connection until the connection closes or ctx is cancelled. result
// is the AttestationResult captured by the CoCo verifier during the
// TLS handshake that produced conn (zero value for NoRa).
func (w *Wrapper) Serve(ctx context.Context, conn net.Conn, result tlsconfig.AttestationResult) error {
	srv := &http2.Server{}

	var connectSeen atomic.Bool

	opts := &http2.ServeConnOpts{
		Context: ctx,
		Handler: http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			if req.Method != http.MethodConnect {
				http.Error(rw, "only CONNECT is accepted", http.StatusBadRequest)
				return
			}
			if !connectSeen.CompareAndSwap(false, true) {
				w.rejectRecursiveConnect(rw)
				return
			}
			w.handleConnect(rw, req, conn, result)
		}),
	}

	srv.ServeConn(conn, opts)
	return nil
}

func (w *Wrapper) rejectRecursiveConnect(rw http.ResponseWriter) {
	http.Error(rw, (&tngerr.ErrProtocol{Detail: "more than one CONNECT on a single wrapping-layer connection"}).Error(),
		http.StatusBadRequest)
}

func (w *Wrapper) handleConnect(rw http.ResponseWriter, req *http.Request, conn net.Conn, result tlsconfig.AttestationResult) {
	rw.Header().Set("server", ServerHeader)
	rw.WriteHeader(http.StatusOK)
	flusher, ok := rw.(http.Flusher)
	if !ok {
		return
	}
	flusher.Flush()

	stream := &serverStream{
		write:   rw,
		flusher: flusher,
		read:    req.Body,
		done:    make(chan struct{}),
		local:   conn.LocalAddr(),
		remote:  conn.RemoteAddr(),
	}

	select {
	case w.out <- AcceptedStream{Conn: stream, Result: result}:
	case <-req.Context().Done():
		stream.Close()
		return
	}

	// The handler must not return until the stream is done, because
	// returning ends the underlying HTTP/2 stream.
	<-stream.done
}

// serverStream is the server-side mirror of pool's h2Stream: the
// request body is the upstream read direction, the flushed
// ResponseWriter is the downstream write direction.
type serverStream struct {
	write   http.ResponseWriter
	flusher http.Flusher
	read    interface {
		Read([]byte) (int, error)
		Close() error
	}
	local, remote net.Addr

	closed atomic.Bool
	done   chan struct{}
}

func (s *serverStream) Read(p []byte) (int, error) { return s.read.Read(p) }

func (s *serverStream) Write(p []byte) (int, error) {
	n, err := s.write.Write(p)
	if err == nil {
		s.flusher.Flush()
	}
	return n, err
}

func (s *serverStream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
	return s.read.Close()
}

func (s *serverStream) LocalAddr() net.Addr  { return s.local }
func (s *serverStream) RemoteAddr() net.Addr { return s.remote }

func (s *serverStream) SetDeadline(t time.Time) error      { return nil }
func (s *serverStream) SetReadDeadline(t time.Time) error  { return nil }
func (s *serverStream) SetWriteDeadline(t time.Time) error { return nil }

var _ net.Conn = (*serverStream)(nil)
