package attestation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"connectrpc.com/connect"
	"connectrpc.com/otelconnect"
)

// ServiceClient is the remote Attestation Service verifier: it takes
// evidence plus the policy IDs the caller requires and returns a
// signed JWT asserting the evidence satisfied one of them.
type ServiceClient interface {
	AttestEvidence(ctx context.Context, evidence []byte, policyIDs []string) (token string, err error)
}

type attestEvidenceRequest struct {
	Evidence  []byte   `json:"evidence"`
	PolicyIDs []string `json:"policy_ids"`
}

type attestEvidenceResponse struct {
	Token string `json:"token"`
}

// httpServiceClient speaks the Attestation Service's REST verification
// endpoint (POST /attestation, JSON body in, JSON body out) — selected
// when the flow's config sets as_is_grpc=false.
type httpServiceClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPServiceClient builds a ServiceClient over a plain HTTP(S)
// attestation-service endpoint.
func NewHTTPServiceClient(baseURL string, client *http.Client) ServiceClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpServiceClient{baseURL: baseURL, client: client}
}

func (c *httpServiceClient) AttestEvidence(ctx context.Context, evidence []byte, policyIDs []string) (string, error) {
	body, err := json.Marshal(attestEvidenceRequest{Evidence: evidence, PolicyIDs: policyIDs})
	if err != nil {
		return "", fmt.Errorf("attestation: encode evidence request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/attestation", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("attestation: build evidence request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("attestation: verify evidence: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("attestation: read verification response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("attestation: verification rejected: %s: %s", resp.Status, respBody)
	}

	var out attestEvidenceResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("attestation: decode verification response: %w", err)
	}
	return out.Token, nil
}

// connectServiceClient speaks the Attestation Service over the
// Connect protocol, using the same JSON codec trick as the agent
// client — selected when the flow's config sets as_is_grpc=true.
type connectServiceClient struct {
	attestEvidence *connect.Client[attestEvidenceRequest, attestEvidenceResponse]
	httpClient     *http.Client
}

// NewConnectServiceClient dials a Connect-protocol attestation-service
// endpoint.
func NewConnectServiceClient(addr string) (ServiceClient, error) {
	httpClient := &http.Client{Timeout: EvidenceTimeout}

	interceptor, err := otelconnect.NewInterceptor()
	if err != nil {
		return nil, fmt.Errorf("attestation: otel interceptor: %w", err)
	}
	opts := []connect.ClientOption{connect.WithCodec(jsonCodec{}), connect.WithInterceptors(interceptor)}

	return &connectServiceClient{
		attestEvidence: connect.NewClient[attestEvidenceRequest, attestEvidenceResponse](httpClient, addr+"/attestation.AttestationService/AttestEvidence", opts...),
		httpClient:     httpClient,
	}, nil
}

func (c *connectServiceClient) AttestEvidence(ctx context.Context, evidence []byte, policyIDs []string) (string, error) {
	req := &attestEvidenceRequest{Evidence: evidence, PolicyIDs: policyIDs}
	resp, err := c.attestEvidence.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return "", fmt.Errorf("attestation: AttestEvidence: %w", err)
	}
	return resp.Msg.Token, nil
}

// Close releases the underlying HTTP transport's idle connections.
func (c *connectServiceClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
