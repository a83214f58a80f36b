package tlsconfig

import (
	"fmt"
	"sync"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// AttestationResult is the opaque, cloneable value wrapping a peer's
// accepted attestation: the verifier's signed JWT and its decoded
// claim set. It is attached to each successful tunnel and surfaced
// in access logs. The zero value represents "no attestation was
// performed" (NoRa mode).
type AttestationResult struct {
	Token  string
	Claims map[string]any
}

// Present reports whether a and AttestationResult actually carries a
// verified token (false for the NoRa mode's zero value).
func (a AttestationResult) Present() bool { return a.Token != "" }

// decodeJWTClaims extracts the unverified claim set from a JWT using
// go-jose's JWT parser. Signature verification is the Attestation
// Service's job, not this client's: by the time the token reaches
// here the AS has already signed it over its own transport, and the
// verifier only needs the claims to check policy membership — the
// same "parse, don't verify a second time" relationship the teacher's
// middleware has with its OIDC provider, minus the provider round
// trip.
func decodeJWTClaims(token string) (map[string]any, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.ES256, jose.RS256, jose.PS256})
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: parse JWT: %w", err)
	}

	var claims map[string]any
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, fmt.Errorf("tlsconfig: read JWT claims: %w", err)
	}
	return claims, nil
}

// SideChannel is a per-handshake slot the CoCo verifier stashes
// its AttestationResult into, since crypto/tls.Config's verifier
// callbacks have no return value beyond error. One slot is created
// per dial/accept and handed to exactly one handshake.
type SideChannel struct {
	mu     sync.Mutex
	result AttestationResult
}

// NewSideChannel returns a fresh, empty SideChannel to bind to one
// handshake attempt.
func NewSideChannel() *SideChannel {
	return &SideChannel{}
}

func (s *SideChannel) set(r AttestationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = r
}

// Result returns the AttestationResult recorded during the handshake
// this side channel was bound to. Safe to call only after the
// handshake has completed.
func (s *SideChannel) Result() AttestationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}
