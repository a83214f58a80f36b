package forward

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestBidirectionalCopiesBothDirectionsAndCloses wires two net.Pipe
// pairs through Bidirectional and checks that writes on either
// external peer arrive on the other, and that closing one external
// peer eventually unblocks Bidirectional (propagating the close to
// the other side).
func TestBidirectionalCopiesBothDirectionsAndCloses(t *testing.T) {
	aPeer, aSide := net.Pipe()
	bPeer, bSide := net.Pipe()

	done := make(chan struct{})
	go func() {
		Bidirectional(context.Background(), aSide, bSide, nil)
		close(done)
	}()

	go func() {
		_, err := aPeer.Write([]byte("downstream"))
		require.NoError(t, err)
	}()
	buf := make([]byte, len("downstream"))
	_, err := io.ReadFull(bPeer, buf)
	require.NoError(t, err)
	require.Equal(t, "downstream", string(buf))

	go func() {
		_, err := bPeer.Write([]byte("upstream"))
		require.NoError(t, err)
	}()
	buf = make([]byte, len("upstream"))
	_, err = io.ReadFull(aPeer, buf)
	require.NoError(t, err)
	require.Equal(t, "upstream", string(buf))

	aPeer.Close()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Bidirectional did not finish after one side closed")
	}

	// bPeer's read should now observe EOF/closed since Bidirectional
	// closed bSide once aSide's copy direction ended.
	_, err = bPeer.Read(make([]byte, 1))
	require.Error(t, err)
}
