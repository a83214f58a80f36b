// Package tlsconfig builds the one-time crypto/tls.Config for a
// flow's client or server side, from one of the four remote
// attestation modes: NoRa, Verify, Attest, AttestAndVerify.
package tlsconfig

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/tng-project/tng/internal/attestation"
	"github.com/tng-project/tng/internal/pki"
)

// Mode selects which combination of certificate issuance and peer
// verification a flow's TLS config uses.
type Mode int

const (
	// ModeNoRa performs no remote attestation: a throwaway
	// certificate issued by a fixed-seed local CA is presented, and the peer's
	// certificate is accepted unconditionally. Logged as
	// production-unsafe wherever it is selected.
	ModeNoRa Mode = iota
	// ModeVerify presents a throwaway certificate but verifies the
	// peer via the CoCo verifier.
	ModeVerify
	// ModeAttest presents an attestation-backed certificate from a
	// Certificate Manager but accepts any peer certificate.
	ModeAttest
	// ModeAttestAndVerify does both.
	ModeAttestAndVerify
)

// Params bundles everything a Mode might need to build a config.
type Params struct {
	Mode        Mode
	CertManager *pki.Manager
	Verify      VerifyArgs
	ASClient    attestation.ServiceClient
}

func (p Params) needsCertManager() bool {
	return p.Mode == ModeAttest || p.Mode == ModeAttestAndVerify
}

func (p Params) needsVerifier() bool {
	return p.Mode == ModeVerify || p.Mode == ModeAttestAndVerify
}

// noRaCert is a single process-lifetime throwaway certificate used
// by every NoRa-mode and dummy-cert-resolver TLS config. It is
// regenerated once per process start, never persisted.
var (
	noRaOnce sync.Once
	noRaCert *tls.Certificate
	noRaErr  error
)

func dummyCertificate() (*tls.Certificate, error) {
	noRaOnce.Do(func() {
		ca, err := pki.NewCAFromSeed("tng-no-ra-dummy-cert")
		if err != nil {
			noRaErr = err
			return
		}
		certPEM, keyPEM, err := ca.GenerateServerCert("tng.internal")
		if err != nil {
			noRaErr = err
			return
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			noRaErr = err
			return
		}
		noRaCert = &cert
	})
	return noRaCert, noRaErr
}

// BuildServerConfig builds a server-side tls.Config for p, bound to
// sc for recording the CoCo verifier's AttestationResult, if any.
// The returned config is TLS 1.3-only and advertises ALPN "h2".
func BuildServerConfig(p Params, sc *SideChannel) (*tls.Config, error) {
	cfg := baseConfig()

	getCert, err := serverCertResolver(p)
	if err != nil {
		return nil, err
	}
	cfg.GetCertificate = getCert

	if p.needsVerifier() {
		verifier, err := newCoCoVerifier(p.Verify, p.ASClient)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAnyClientCert
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifier.verify(context.Background(), rawCerts, sc)
		}
	} else {
		cfg.ClientAuth = tls.NoClientCert
	}

	return cfg, nil
}

// BuildClientConfig builds a client-side tls.Config for p.
func BuildClientConfig(p Params, sc *SideChannel) (*tls.Config, error) {
	cfg := baseConfig()
	cfg.ServerName = "tng.internal"
	cfg.InsecureSkipVerify = true

	if p.needsVerifier() {
		verifier, err := newCoCoVerifier(p.Verify, p.ASClient)
		if err != nil {
			return nil, err
		}
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifier.verify(context.Background(), rawCerts, sc)
		}
	}

	if p.needsCertManager() {
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			ck := p.CertManager.GetLatestCert()
			if ck == nil {
				return nil, fmt.Errorf("tlsconfig: no certificate available from certificate manager")
			}
			return ck.TLSCertificate(), nil
		}
	}

	return cfg, nil
}

func serverCertResolver(p Params) (func(*tls.ClientHelloInfo) (*tls.Certificate, error), error) {
	if p.needsCertManager() {
		return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			ck := p.CertManager.GetLatestCert()
			if ck == nil {
				return nil, fmt.Errorf("tlsconfig: no certificate available from certificate manager")
			}
			return ck.TLSCertificate(), nil
		}, nil
	}

	cert, err := dummyCertificate()
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: build dummy certificate: %w", err)
	}
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return cert, nil }, nil
}

func baseConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
		NextProtos: []string{"h2"},
	}
}
