// Package attestation implements the two RPC clients the gateway
// depends on for remote attestation: the local Attestation Agent
// (evidence producer and cert minter) and the remote Attestation
// Service (evidence verifier and token issuer). Neither is
// implemented by this module — both are external Confidential
// Containers components reached over the Connect protocol
// (connectrpc.com/connect), the teacher's own RPC transport, using a
// hand-written JSON codec in place of protoc-generated stubs.
package attestation

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/otelconnect"
)

// DefaultAgentSocket is the well-known Unix socket the Confidential
// Containers Attestation Agent listens on.
const DefaultAgentSocket = "unix:///run/confidential-containers/attestation-agent/attestation-agent.sock"

// AgentClient is everything the core needs from the Attestation
// Agent: producing raw evidence, and minting an attested keypair.
type AgentClient interface {
	// GetEvidence requests one evidence document binding reportData
	// (typically a hash of the public key being attested) to the
	// local trusted-execution-environment posture.
	GetEvidence(ctx context.Context, reportData []byte) ([]byte, error)

	// GenerateCert requests a P-256 keypair plus an evidence-bound
	// certificate chain for subject.
	GenerateCert(ctx context.Context, subject pkix.Name) (chain []*x509.Certificate, key *ecdsa.PrivateKey, err error)

	// Close releases the underlying connection.
	Close() error
}

type getEvidenceRequest struct {
	ReportData []byte `json:"report_data"`
}

type getEvidenceResponse struct {
	Evidence []byte `json:"evidence"`
}

type generateCertRequest struct {
	Subject   string `json:"subject"`
	PublicKey []byte `json:"public_key_der"`
	HashAlgo  string `json:"hash_algorithm"`
}

type generateCertResponse struct {
	// CertChainDER is a chain of DER-encoded certificates, leaf first.
	CertChainDER [][]byte `json:"cert_chain_der"`
}

// connectAgentClient implements AgentClient as two Connect unary
// clients sharing one underlying HTTP transport.
type connectAgentClient struct {
	getEvidence  *connect.Client[getEvidenceRequest, getEvidenceResponse]
	generateCert *connect.Client[generateCertRequest, generateCertResponse]
	httpClient   *http.Client
}

// DialAgent connects to the Attestation Agent at addr, which may be
// "unix:///path/to.sock" or a regular "http://host:port" endpoint.
func DialAgent(ctx context.Context, addr string) (AgentClient, error) {
	httpClient := &http.Client{Timeout: EvidenceTimeout}
	baseURL := addr

	if socketPath, ok := strings.CutPrefix(addr, "unix://"); ok {
		httpClient.Transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		}
		baseURL = "http://attestation-agent"
	}

	interceptor, err := otelconnect.NewInterceptor()
	if err != nil {
		return nil, fmt.Errorf("attestation: otel interceptor: %w", err)
	}
	opts := []connect.ClientOption{connect.WithCodec(jsonCodec{}), connect.WithInterceptors(interceptor)}

	return &connectAgentClient{
		getEvidence:  connect.NewClient[getEvidenceRequest, getEvidenceResponse](httpClient, baseURL+"/attestation.AttestationAgentService/GetEvidence", opts...),
		generateCert: connect.NewClient[generateCertRequest, generateCertResponse](httpClient, baseURL+"/attestation.AttestationAgentService/GenerateCert", opts...),
		httpClient:   httpClient,
	}, nil
}

func (c *connectAgentClient) GetEvidence(ctx context.Context, reportData []byte) ([]byte, error) {
	resp, err := c.getEvidence.CallUnary(ctx, connect.NewRequest(&getEvidenceRequest{ReportData: reportData}))
	if err != nil {
		return nil, fmt.Errorf("attestation: GetEvidence: %w", err)
	}
	return resp.Msg.Evidence, nil
}

func (c *connectAgentClient) GenerateCert(ctx context.Context, subject pkix.Name) ([]*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("attestation: generate key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("attestation: marshal public key: %w", err)
	}

	req := &generateCertRequest{
		Subject:   subject.String(),
		PublicKey: pubDER,
		HashAlgo:  "sha256",
	}
	resp, err := c.generateCert.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, nil, fmt.Errorf("attestation: GenerateCert: %w", err)
	}

	chain := make([]*x509.Certificate, 0, len(resp.Msg.CertChainDER))
	for _, der := range resp.Msg.CertChainDER {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, nil, fmt.Errorf("attestation: parse issued certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	return chain, key, nil
}

func (c *connectAgentClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// EvidenceTimeout bounds one GetEvidence/GenerateCert RPC, matching
// the 120s attestation-evidence timeout.
const EvidenceTimeout = 120 * time.Second
