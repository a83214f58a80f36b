package pki

import (
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tng-project/tng/internal/attestation"
	"github.com/tng-project/tng/internal/runtime"
	"github.com/tng-project/tng/internal/tngerr"
)

// DefaultRefreshInterval and DefaultAttemptTimeout match the default
// values a flow's certificate manager uses unless configured
// otherwise.
const (
	DefaultRefreshInterval = time.Hour
	DefaultAttemptTimeout  = 2 * time.Minute
)

// DefaultSubject is the certificate subject the manager requests
// from the Attestation Agent when the caller does not override it.
var DefaultSubject = pkix.Name{
	CommonName:   "TNG",
	Organization: []string{"Inclavare Containers"},
}

// CertifiedKey bundles a private key with the certificate chain the
// Attestation Agent issued for it, ready to be installed into a
// tls.Config via GetCertificate/GetClientCertificate.
type CertifiedKey struct {
	Chain []*x509.Certificate
	Key   *ecdsa.PrivateKey
}

// Leaf returns the end-entity certificate (the chain's first entry).
func (ck *CertifiedKey) Leaf() *x509.Certificate {
	if len(ck.Chain) == 0 {
		return nil
	}
	return ck.Chain[0]
}

// TLSCertificate converts the certified key into the tls package's
// certificate-plus-key representation used by Config.GetCertificate.
func (ck *CertifiedKey) TLSCertificate() *tls.Certificate {
	der := make([][]byte, 0, len(ck.Chain))
	for _, c := range ck.Chain {
		der = append(der, c.Raw)
	}
	return &tls.Certificate{
		Certificate: der,
		PrivateKey:  ck.Key,
		Leaf:        ck.Leaf(),
	}
}

// Manager is the Certificate Manager: it holds the latest
// attestation-backed keypair and refreshes it on a timer, following
// the teacher's ticker-driven health-loop idiom
// (internal/providers/chisel/health.go) generalized from a liveness
// probe into a certificate refresher.
type Manager struct {
	agent           attestation.AgentClient
	subject         pkix.Name
	refreshInterval time.Duration
	attemptTimeout  time.Duration
	logger          *slog.Logger

	latest atomic.Pointer[CertifiedKey]
}

// NewManager builds a Manager bound to agent. Zero refreshInterval or
// attemptTimeout fall back to the package defaults.
func NewManager(agent attestation.AgentClient, subject pkix.Name, refreshInterval, attemptTimeout time.Duration, logger *slog.Logger) *Manager {
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agent:           agent,
		subject:         subject,
		refreshInterval: refreshInterval,
		attemptTimeout:  attemptTimeout,
		logger:          logger,
	}
}

// CreateAndLaunch performs the synchronous first certificate fetch
// and, on success, spawns a supervised refresher bound to rt. A
// first-fetch failure is fatal and returned as
// tngerr.ErrAttestationUnavailable; the caller should treat this as a
// flow construction failure, matching spec semantics.
func (m *Manager) CreateAndLaunch(ctx context.Context, rt *runtime.Runtime) error {
	fetchCtx, cancel := context.WithTimeout(ctx, m.attemptTimeout)
	defer cancel()

	ck, err := m.fetch(fetchCtx)
	if err != nil {
		return &tngerr.ErrAttestationUnavailable{Err: err}
	}
	m.latest.Store(ck)

	runtime.SpawnSupervised(rt, func(ctx context.Context) (struct{}, error) {
		m.refreshLoop(ctx)
		return struct{}{}, nil
	})
	return nil
}

// GetLatestCert returns the most recently fetched certified key. It
// never blocks: CreateAndLaunch guarantees a value is present before
// it returns, and every subsequent update is an atomic swap.
func (m *Manager) GetLatestCert() *CertifiedKey {
	return m.latest.Load()
}

func (m *Manager) refreshLoop(ctx context.Context) {
	timer := time.NewTimer(m.refreshInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			attemptCtx, cancel := context.WithTimeout(ctx, m.attemptTimeout)
			ck, err := m.fetch(attemptCtx)
			cancel()

			if err != nil {
				m.logger.Warn("certificate refresh failed, keeping prior certificate",
					"error", (&tngerr.ErrAttestationRefreshFailed{Err: err}).Error())
			} else {
				m.latest.Store(ck)
				m.logger.Info("certificate refreshed")
			}
			timer.Reset(m.refreshInterval)
		}
	}
}

func (m *Manager) fetch(ctx context.Context) (*CertifiedKey, error) {
	chain, key, err := m.agent.GenerateCert(ctx, m.subject)
	if err != nil {
		return nil, fmt.Errorf("pki: request certified key: %w", err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("pki: attestation agent returned an empty certificate chain")
	}
	return &CertifiedKey{Chain: chain, Key: key}, nil
}
