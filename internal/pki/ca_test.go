package pki

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"testing"
)

func TestNewCAFromSeed(t *testing.T) {
	ca, err := NewCAFromSeed("seed-1")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	if len(ca.CertPEM()) == 0 {
		t.Error("expected non-empty cert PEM")
	}

	block, _ := pem.Decode(ca.CertPEM())
	if block == nil {
		t.Fatal("failed to decode CA cert PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}

	if !cert.IsCA {
		t.Error("expected IsCA to be true")
	}
	if cert.Subject.CommonName != "tng-no-ra-ca" {
		t.Errorf("expected CN=tng-no-ra-ca, got %s", cert.Subject.CommonName)
	}
	if cert.MaxPathLen > 0 {
		t.Errorf("expected MaxPathLen<=0, got %d", cert.MaxPathLen)
	}
}

func TestNewCAFromSeed_Deterministic(t *testing.T) {
	ca1, err := NewCAFromSeed("same-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed 1: %v", err)
	}
	ca2, err := NewCAFromSeed("same-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed 2: %v", err)
	}

	if !bytes.Equal(ca1.CertPEM(), ca2.CertPEM()) {
		t.Error("expected identical CA certs for the same seed")
	}
}

func TestNewCAFromSeed_DifferentSeedsDiffer(t *testing.T) {
	ca1, err := NewCAFromSeed("seed-a")
	if err != nil {
		t.Fatalf("NewCAFromSeed 1: %v", err)
	}
	ca2, err := NewCAFromSeed("seed-b")
	if err != nil {
		t.Fatalf("NewCAFromSeed 2: %v", err)
	}

	if bytes.Equal(ca1.CertPEM(), ca2.CertPEM()) {
		t.Error("expected different CA certs for different seeds")
	}
}

func TestSignCSR(t *testing.T) {
	ca, err := NewCAFromSeed("sign-csr-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	key, _, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	csrPEM, err := GenerateCSR(key, "test-peer")
	if err != nil {
		t.Fatalf("GenerateCSR: %v", err)
	}

	certPEM, err := ca.SignCSR(csrPEM)
	if err != nil {
		t.Fatalf("SignCSR: %v", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("failed to decode signed cert PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}

	if cert.Subject.CommonName != "test-peer" {
		t.Errorf("expected CN=test-peer, got %s", cert.Subject.CommonName)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		t.Errorf("certificate verification failed: %v", err)
	}
}

func TestSignCSR_InvalidPEM(t *testing.T) {
	ca, err := NewCAFromSeed("invalid-pem-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	if _, err := ca.SignCSR([]byte("not-a-pem")); err == nil {
		t.Error("expected error for invalid PEM, got nil")
	}
}

func TestGenerateServerCert(t *testing.T) {
	ca, err := NewCAFromSeed("server-cert-seed")
	if err != nil {
		t.Fatalf("NewCAFromSeed: %v", err)
	}

	certPEM, keyPEM, err := ca.GenerateServerCert("127.0.0.1", "tng.internal")
	if err != nil {
		t.Fatalf("GenerateServerCert: %v", err)
	}

	if len(certPEM) == 0 {
		t.Error("expected non-empty cert PEM")
	}
	if len(keyPEM) == 0 {
		t.Error("expected non-empty key PEM")
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("failed to decode server cert PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}

	if len(cert.IPAddresses) != 1 || cert.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("expected IP SAN 127.0.0.1, got %v", cert.IPAddresses)
	}
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "tng.internal" {
		t.Errorf("expected DNS SAN tng.internal, got %v", cert.DNSNames)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Errorf("certificate verification failed: %v", err)
	}
}

func TestGenerateKeyAndCSR(t *testing.T) {
	key, keyPEM, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	if key == nil {
		t.Fatal("expected non-nil key")
	}
	if len(keyPEM) == 0 {
		t.Fatal("expected non-empty key PEM")
	}

	csrPEM, err := GenerateCSR(key, "test-cn")
	if err != nil {
		t.Fatalf("GenerateCSR: %v", err)
	}

	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		t.Fatal("expected CERTIFICATE REQUEST PEM block")
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		t.Fatalf("parse CSR: %v", err)
	}

	if csr.Subject.CommonName != "test-cn" {
		t.Errorf("expected CN=test-cn, got %s", csr.Subject.CommonName)
	}
}
