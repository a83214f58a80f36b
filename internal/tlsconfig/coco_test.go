package tlsconfig

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
)

type fakeServiceClient struct {
	token string
	err   error
}

func (f *fakeServiceClient) AttestEvidence(ctx context.Context, evidence []byte, policyIDs []string) (string, error) {
	return f.token, f.err
}

// makeSignedJWT builds a real ES256-signed token, the same shape the
// Attestation Service issues: decodeJWTClaims only ever reads claims
// without re-verifying the signature, but it still requires a
// well-formed JWS with a supported alg.
func makeSignedJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, nil)
	require.NoError(t, err)

	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return token
}

func certWithEvidence(t *testing.T, evidence []byte) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "peer"},
		ExtraExtensions: []pkix.Extension{
			{Id: evidenceExtensionOID, Value: evidence},
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func TestCoCoVerifierAcceptsValidPolicy(t *testing.T) {
	token := makeSignedJWT(t, map[string]any{"policy-ids": []any{"default"}})
	v, err := newCoCoVerifier(VerifyArgs{PolicyIDs: []string{"default"}}, &fakeServiceClient{token: token})
	require.NoError(t, err)

	sc := NewSideChannel()
	der := certWithEvidence(t, []byte("evidence-bytes"))
	require.NoError(t, v.verify(context.Background(), [][]byte{der}, sc))
	require.True(t, sc.Result().Present())
	require.Equal(t, token, sc.Result().Token)
}

func TestCoCoVerifierRejectsMissingPolicy(t *testing.T) {
	token := makeSignedJWT(t, map[string]any{"policy-ids": []any{"other"}})
	v, err := newCoCoVerifier(VerifyArgs{PolicyIDs: []string{"default"}}, &fakeServiceClient{token: token})
	require.NoError(t, err)

	der := certWithEvidence(t, []byte("evidence-bytes"))
	err = v.verify(context.Background(), [][]byte{der}, nil)
	require.Error(t, err)
}

func TestCoCoVerifierRejectsMissingEvidence(t *testing.T) {
	v, err := newCoCoVerifier(VerifyArgs{}, &fakeServiceClient{})
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "peer"}}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	err = v.verify(context.Background(), [][]byte{der}, nil)
	require.Error(t, err)
}

func TestCoCoVerifierRejectsServiceError(t *testing.T) {
	v, err := newCoCoVerifier(VerifyArgs{}, &fakeServiceClient{err: fmt.Errorf("boom")})
	require.NoError(t, err)

	der := certWithEvidence(t, []byte("evidence-bytes"))
	err = v.verify(context.Background(), [][]byte{der}, nil)
	require.Error(t, err)
}

func TestDecodeJWTClaims(t *testing.T) {
	token := makeSignedJWT(t, map[string]any{"tcb-status": "ok"})
	claims, err := decodeJWTClaims(token)
	require.NoError(t, err)
	require.Equal(t, "ok", claims["tcb-status"])
}

func TestDecodeJWTClaimsMalformed(t *testing.T) {
	_, err := decodeJWTClaims("not-a-jwt")
	require.Error(t, err)
}
