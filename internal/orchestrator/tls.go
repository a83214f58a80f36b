package orchestrator

import (
	"context"
	"fmt"

	"github.com/tng-project/tng/internal/attestation"
	"github.com/tng-project/tng/internal/config"
	"github.com/tng-project/tng/internal/pki"
	"github.com/tng-project/tng/internal/tlsconfig"
)

// buildTLSParams resolves a flow entry's RAArgs into tlsconfig.Params:
// dialing the Attestation Agent and launching a Certificate Manager
// for Attest/AttestAndVerify modes, and constructing an Attestation
// Service client for Verify/AttestAndVerify modes. Any agent/service
// client it creates is registered on o.closers so Orchestrator
// teardown releases the connection.
func (o *Orchestrator) buildTLSParams(ctx context.Context, ra config.RAArgs, flowLabel string) (tlsconfig.Params, error) {
	params := tlsconfig.Params{Mode: ra.Mode()}
	if params.Mode == tlsconfig.ModeNoRa {
		o.Logger.Warn("no_ra selected: no remote attestation, production-unsafe", "flow", flowLabel)
	}

	if ra.Attest != nil {
		agent, err := attestation.DialAgent(ctx, ra.Attest.AAAddr)
		if err != nil {
			return tlsconfig.Params{}, fmt.Errorf("dial attestation agent %s: %w", ra.Attest.AAAddr, err)
		}
		o.closers = append(o.closers, agent)

		mgr := pki.NewManager(agent, pki.DefaultSubject, pki.DefaultRefreshInterval, pki.DefaultAttemptTimeout,
			o.Logger.With("flow", flowLabel, "component", "cert_manager"))
		if err := mgr.CreateAndLaunch(ctx, o.Runtime); err != nil {
			return tlsconfig.Params{}, fmt.Errorf("launch certificate manager: %w", err)
		}
		params.CertManager = mgr
	}

	if ra.Verify != nil {
		params.Verify = tlsconfig.VerifyArgs{
			ASAddr:            ra.Verify.ASAddr,
			PolicyIDs:         ra.Verify.PolicyIDs,
			TrustedCertsPaths: ra.Verify.TrustedCertsPaths,
		}

		var asClient attestation.ServiceClient
		var err error
		if ra.Verify.ASIsGRPC {
			asClient, err = attestation.NewConnectServiceClient(ra.Verify.ASAddr)
		} else {
			asClient = attestation.NewHTTPServiceClient(ra.Verify.ASAddr, nil)
		}
		if err != nil {
			return tlsconfig.Params{}, fmt.Errorf("attestation service client: %w", err)
		}
		if c, ok := asClient.(closer); ok {
			o.closers = append(o.closers, c)
		}
		params.ASClient = asClient
	}

	return params, nil
}
