// Package pki also provides the NoRa-mode Certificate Authority: a
// minimal, self-signed CA used when a flow's attestation mode is
// "no_ra" (no remote attestation) and there is no Attestation Agent
// to request a cert from.
//
// The CA can be created deterministically from a seed string so that
// restarts produce the same CA certificate, keeping previously issued
// peer certificates valid until they expire.
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"golang.org/x/crypto/hkdf"
)

// certValidity is the default validity period for agent certificates
// signed by the CA. Short-lived certificates limit the blast radius
// of a compromised key and avoid the need for explicit revocation.
const certValidity = 24 * time.Hour

// caEpoch is the fixed time origin used for the deterministic CA
// certificate. Using a constant avoids the non-determinism that
// time.Now() would introduce, ensuring the CA certificate is
// byte-identical across restarts for the same seed.
var caEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// CA holds a self-signed certificate authority key pair and provides
// methods for signing CSRs and generating server certificates.
type CA struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
}

// NewCAFromSeed creates a deterministic CA from the given seed string.
// The same seed always produces the same CA key pair and certificate,
// which is important for server restarts: agents that already hold a
// certificate signed by this CA can reconnect without re-registering.
func NewCAFromSeed(seed string) (*CA, error) {
	key, err := deriveKey(seed, "ca")
	if err != nil {
		return nil, fmt.Errorf("pki: derive CA key: %w", err)
	}

	serial := deriveSerial(seed, "ca-serial")

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Inclavare Containers"},
			CommonName:   "tng-no-ra-ca",
		},
		NotBefore:             caEpoch,
		NotAfter:              caEpoch.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
	}

	// Use a deterministic reader for signing so that the CA
	// certificate is byte-identical across restarts for the same seed.
	signReader := hkdf.New(sha256.New, []byte(seed), nil, []byte("ca-sign"))
	certDER, err := x509.CreateCertificate(signReader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("pki: create CA cert: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("pki: parse CA cert: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	return &CA{cert: cert, key: key, certPEM: certPEM}, nil
}

// CertPEM returns the PEM-encoded CA certificate. Agents use this to
// verify the tunnel server's identity and to be verified themselves.
func (ca *CA) CertPEM() []byte {
	return ca.certPEM
}

// SignCSR validates a PEM-encoded PKCS#10 certificate signing request
// and returns a PEM-encoded X.509 certificate signed by the CA. The
// certificate is valid for the default certValidity period.
func (ca *CA) SignCSR(csrPEM []byte) ([]byte, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("pki: invalid CSR PEM")
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pki: parse CSR: %w", err)
	}

	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("pki: CSR signature invalid: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, csr.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("pki: sign certificate: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), nil
}

// GenerateServerCert creates a TLS server certificate signed by the
// CA. The hosts parameter accepts IP addresses and DNS names that are
// added as Subject Alternative Names.
func (ca *CA) GenerateServerCert(hosts ...string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: generate server key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Inclavare Containers"},
			CommonName:   "TNG",
		},
		NotBefore:   now.Add(-5 * time.Minute),
		NotAfter:    now.Add(365 * 24 * time.Hour), // 1 year; regenerated on every server start
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: create server cert: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: marshal server key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// GenerateKey creates a new ECDSA P-256 private key suitable for use
// in a CSR. It returns the key and its PEM encoding.
func GenerateKey() (*ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: generate key: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: marshal key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return key, keyPEM, nil
}

// GenerateCSR creates a PEM-encoded PKCS#10 certificate signing
// request with the given common name.
func GenerateCSR(key *ecdsa.PrivateKey, cn string) ([]byte, error) {
	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{
			Organization: []string{"Inclavare Containers"},
			CommonName:   cn,
		},
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, fmt.Errorf("pki: create CSR: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER}), nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// deriveKey deterministically produces an ECDSA P-256 private key
// from a seed and a label using HKDF (RFC 5869). The seed should
// have sufficient entropy (e.g. a passphrase or random string).
func deriveKey(seed, label string) (*ecdsa.PrivateKey, error) {
	reader := hkdf.New(sha256.New, []byte(seed), nil, []byte(label))
	key, err := ecdsa.GenerateKey(elliptic.P256(), reader)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// deriveSerial produces a deterministic positive big.Int from a seed
// and label, suitable for use as a certificate serial number.
func deriveSerial(seed, label string) *big.Int {
	h := sha256.Sum256([]byte(label + ":" + seed))
	serial := new(big.Int).SetBytes(h[:16])
	serial.Abs(serial)
	if serial.Sign() == 0 {
		serial.SetInt64(1)
	}
	return serial
}

// randomSerial generates a cryptographically random serial number.
func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("pki: generate serial: %w", err)
	}
	return serial, nil
}
