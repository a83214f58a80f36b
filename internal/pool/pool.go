// Package pool implements the Trusted Stream Manager: a map of
// pooled HTTP/2 tunnel clients keyed by destination (plus optional
// HTTP-encapsulation routing extras), built lazily and reused across
// calls to NewStream.
package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/tng-project/tng/internal/tlsconfig"
	"github.com/tng-project/tng/internal/tngerr"
)

// TLSConfigFunc builds the client-side tls.Config (and the
// SideChannel that will receive its AttestationResult, if any) for a
// newly dialed client. The pool calls this once per cache miss, not
// once per stream, since a tls.Config applies to the whole
// connection.
type TLSConfigFunc func() (*tls.Config, *tlsconfig.SideChannel, error)

// Pool holds one HTTP/2 client per Key, built on demand.
type Pool struct {
	mu      sync.RWMutex
	clients map[Key]*pooledEntry

	buildTLS TLSConfigFunc
	mark     int
	logger   *slog.Logger
}

type pooledEntry struct {
	client *client
	sc     *tlsconfig.SideChannel
}

// New builds an empty Pool. buildTLS is invoked on every cache miss;
// mark is the SO_MARK applied to outbound dials (0 disables it).
func New(buildTLS TLSConfigFunc, mark int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		clients:  make(map[Key]*pooledEntry),
		buildTLS: buildTLS,
		mark:     mark,
		logger:   logger,
	}
}

// NewStream resolves (or builds) the pooled client for key and
// issues one CONNECT on it, returning the resulting duplex stream
// and the attestation result bound to that client's handshake.
func (p *Pool) NewStream(ctx context.Context, key Key) (net.Conn, tlsconfig.AttestationResult, error) {
	entry, err := p.resolve(ctx, key)
	if err != nil {
		return nil, tlsconfig.AttestationResult{}, err
	}

	if !entry.client.healthy() {
		entry, err = p.rebuild(ctx, key)
		if err != nil {
			return nil, tlsconfig.AttestationResult{}, err
		}
	}

	stream, err := entry.client.newStream(ctx)
	if err != nil {
		return nil, tlsconfig.AttestationResult{}, &tngerr.ErrTunnelHandshakeFailed{Endpoint: key.Endpoint.String(), Err: err}
	}
	return stream, attestationResultFor(entry.sc), nil
}

// resolve implements double-checked locking: a read-lock hit avoids
// contending with other readers; a miss upgrades to a write lock,
// re-checks (another goroutine may have filled it first), and only
// then dials.
func (p *Pool) resolve(ctx context.Context, key Key) (*pooledEntry, error) {
	p.mu.RLock()
	entry, ok := p.clients[key]
	p.mu.RUnlock()
	if ok {
		return entry, nil
	}
	return p.rebuild(ctx, key)
}

func (p *Pool) rebuild(ctx context.Context, key Key) (*pooledEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.clients[key]; ok && entry.client.healthy() {
		return entry, nil
	}

	tlsCfg, sc, err := p.buildTLS()
	if err != nil {
		return nil, fmt.Errorf("pool: build TLS config for %s: %w", key.Endpoint, err)
	}

	c, err := dial(ctx, key, tlsCfg, p.mark)
	if err != nil {
		return nil, &tngerr.ErrTunnelHandshakeFailed{Endpoint: key.Endpoint.String(), Err: err}
	}

	entry := &pooledEntry{client: c, sc: sc}
	p.clients[key] = entry
	p.logger.Info("pool: built client", "session_id", c.id, "endpoint", key.Endpoint.String())
	return entry, nil
}

// Len reports the number of distinct keys currently pooled. Exposed
// for tests and metrics.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// Close tears down every pooled client.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for key, entry := range p.clients {
		if err := entry.client.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.clients, key)
	}
	return firstErr
}
