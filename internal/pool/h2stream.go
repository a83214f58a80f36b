package pool

import (
	"io"
	"net"
	"sync"
	"time"
)

// h2Stream adapts one HTTP/2 CONNECT request/response pair into a
// single io.ReadWriteCloser, the same role h2_stream.rs's H2Stream
// plays over h2::SendStream/RecvStream: writes go out as request
// body DATA frames, reads come from the response body, and closing
// either half tears down the whole logical stream.
type h2Stream struct {
	send io.WriteCloser
	recv io.ReadCloser

	closeOnce sync.Once
	closeErr  error
}

func newH2Stream(send io.WriteCloser, recv io.ReadCloser) *h2Stream {
	return &h2Stream{send: send, recv: recv}
}

func (s *h2Stream) Read(p []byte) (int, error)  { return s.recv.Read(p) }
func (s *h2Stream) Write(p []byte) (int, error) { return s.send.Write(p) }

func (s *h2Stream) Close() error {
	s.closeOnce.Do(func() {
		sendErr := s.send.Close()
		recvErr := s.recv.Close()
		if sendErr != nil {
			s.closeErr = sendErr
		} else {
			s.closeErr = recvErr
		}
	})
	return s.closeErr
}

// netConnAdapter lets an h2Stream stand in wherever a net.Conn is
// expected (e.g. handed to the plaintext bidirectional copier),
// borrowing the local/remote addresses of the underlying transport
// connection since the logical stream itself has no socket of its
// own.
type netConnAdapter struct {
	*h2Stream
	localAddr, remoteAddr net.Addr
}

func (a *netConnAdapter) LocalAddr() net.Addr  { return a.localAddr }
func (a *netConnAdapter) RemoteAddr() net.Addr { return a.remoteAddr }

// Deadlines are no-ops: the underlying HTTP/2 stream has no socket
// of its own to set a deadline on, and callers cancel reads/writes
// via context instead (the same div of responsibility as the
// wrapping layer's pipe-backed connections).
func (a *netConnAdapter) SetDeadline(t time.Time) error      { return nil }
func (a *netConnAdapter) SetReadDeadline(t time.Time) error  { return nil }
func (a *netConnAdapter) SetWriteDeadline(t time.Time) error { return nil }

var _ net.Conn = (*netConnAdapter)(nil)
