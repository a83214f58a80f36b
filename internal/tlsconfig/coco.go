package tlsconfig

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"os"
	"slices"

	"github.com/tng-project/tng/internal/attestation"
	"github.com/tng-project/tng/internal/tngerr"
)

// evidenceExtensionOID identifies the X.509 extension a CoCo-attested
// certificate embeds its raw evidence document under. It is TNG's own
// assignment, read by the CoCo verifier and never interpreted by any
// other code path.
var evidenceExtensionOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 193450, 1, 1}

// VerifyArgs configures a CoCo verifier: where to reach the
// Attestation Service, which policies a token must satisfy, and
// which PEM files of trusted roots to load. The roots are read and
// parsed when the verifier is built; a token's signing chain is not
// checked against them.
type VerifyArgs struct {
	ASAddr            string
	PolicyIDs         []string
	TrustedCertsPaths []string
}

// cocoVerifier implements the "Verify" and "AttestAndVerify" peer
// verification: it forwards the peer certificate's embedded evidence
// to the Attestation Service and records the returned token into a
// per-handshake SideChannel.
type cocoVerifier struct {
	args    VerifyArgs
	service attestation.ServiceClient
	roots   *x509.CertPool
}

func newCoCoVerifier(args VerifyArgs, service attestation.ServiceClient) (*cocoVerifier, error) {
	roots := x509.NewCertPool()
	for _, path := range args.TrustedCertsPaths {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("tlsconfig: read trusted cert %s: %w", path, err)
		}
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tlsconfig: no certificates found in %s", path)
		}
	}
	return &cocoVerifier{args: args, service: service, roots: roots}, nil
}

// verify is installed as tls.Config.VerifyPeerCertificate. It ignores
// the library's own chain-of-trust verification (handshake is
// configured with InsecureSkipVerify so this is the only check) and
// instead performs attestation-anchored verification: extract
// evidence, ask the Attestation Service, check policy membership, and
// stash the result on sc. The token's signature and its chaining to
// the loaded trust roots are not checked.
func (v *cocoVerifier) verify(ctx context.Context, rawCerts [][]byte, sc *SideChannel) error {
	if len(rawCerts) == 0 {
		return &tngerr.ErrPeerAttestationRejected{Reason: "no peer certificate presented"}
	}

	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return &tngerr.ErrPeerAttestationRejected{Reason: fmt.Sprintf("parse peer certificate: %v", err)}
	}

	evidence, err := extractEvidence(leaf)
	if err != nil {
		return &tngerr.ErrPeerAttestationRejected{Reason: err.Error()}
	}

	token, err := v.service.AttestEvidence(ctx, evidence, v.args.PolicyIDs)
	if err != nil {
		return &tngerr.ErrPeerAttestationRejected{Reason: fmt.Sprintf("attestation service rejected evidence: %v", err)}
	}

	claims, err := decodeJWTClaims(token)
	if err != nil {
		return &tngerr.ErrPeerAttestationRejected{Reason: err.Error()}
	}

	if err := v.checkPolicy(claims); err != nil {
		return &tngerr.ErrPeerAttestationRejected{Reason: err.Error()}
	}

	if sc != nil {
		sc.set(AttestationResult{Token: token, Claims: claims})
	}
	return nil
}

func (v *cocoVerifier) checkPolicy(claims map[string]any) error {
	if len(v.args.PolicyIDs) == 0 {
		return nil
	}

	satisfied, _ := claims["tcb-status"].(string)
	ids, _ := claims["policy-ids"].([]any)
	for _, raw := range ids {
		id, ok := raw.(string)
		if ok && slices.Contains(v.args.PolicyIDs, id) {
			return nil
		}
	}
	return fmt.Errorf("token does not carry any required policy id %v (tcb-status=%q)", v.args.PolicyIDs, satisfied)
}

// extractEvidence reads the raw evidence bytes out of the peer
// certificate's CoCo evidence extension.
func extractEvidence(cert *x509.Certificate) ([]byte, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(evidenceExtensionOID) {
			return ext.Value, nil
		}
	}
	return nil, fmt.Errorf("peer certificate carries no CoCo evidence extension")
}
