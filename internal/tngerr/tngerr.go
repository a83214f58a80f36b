// Package tngerr collects the typed errors the gateway's components
// raise, following the teacher's convention of one exported struct
// per error with a pointer receiver Error() string rather than
// sentinel values, so callers can errors.As into whichever detail
// they need.
package tngerr

import "fmt"

// ErrConfig indicates the configuration document failed validation
// or referenced a mode that is incompatible with another field.
type ErrConfig struct {
	Field  string
	Reason string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// ErrAttestationUnavailable indicates the very first certificate
// fetch from the Attestation Agent failed. This is fatal at flow
// construction.
type ErrAttestationUnavailable struct {
	Addr string
	Err  error
}

func (e *ErrAttestationUnavailable) Error() string {
	return fmt.Sprintf("attestation agent %s unavailable: %v", e.Addr, e.Err)
}

func (e *ErrAttestationUnavailable) Unwrap() error { return e.Err }

// ErrAttestationRefreshFailed indicates a periodic certificate
// refresh failed. It is logged only — the prior certificate remains
// in service — and is never propagated as a flow-fatal error.
type ErrAttestationRefreshFailed struct {
	Err error
}

func (e *ErrAttestationRefreshFailed) Error() string {
	return fmt.Sprintf("certificate refresh failed, keeping prior certificate: %v", e.Err)
}

func (e *ErrAttestationRefreshFailed) Unwrap() error { return e.Err }

// ErrPeerAttestationRejected indicates the Attestation Service
// rejected a peer's evidence during a TLS handshake. This is a
// per-connection failure; it increments cx_failed but does not
// affect any other connection.
type ErrPeerAttestationRejected struct {
	Endpoint string
	Reason   string
}

func (e *ErrPeerAttestationRejected) Error() string {
	return fmt.Sprintf("peer attestation rejected for %s: %s", e.Endpoint, e.Reason)
}

// ErrTunnelHandshakeFailed indicates the TLS or HTTP/2 CONNECT
// handshake to an egress failed for reasons other than attestation
// rejection (network error, protocol error, timeout).
type ErrTunnelHandshakeFailed struct {
	Endpoint string
	Err      error
}

func (e *ErrTunnelHandshakeFailed) Error() string {
	return fmt.Sprintf("tunnel handshake to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ErrTunnelHandshakeFailed) Unwrap() error { return e.Err }

// ErrNetfilterSetupFailed indicates the netfilter program could not
// install or revoke its rules (iptables invocation failed, or
// another instance already holds the per-namespace exclusivity
// guard).
type ErrNetfilterSetupFailed struct {
	Stage string
	Err   error
}

func (e *ErrNetfilterSetupFailed) Error() string {
	return fmt.Sprintf("netfilter %s failed: %v", e.Stage, e.Err)
}

func (e *ErrNetfilterSetupFailed) Unwrap() error { return e.Err }

// ErrRecursionDetected indicates an ingress flow observed its own
// recursion guard header, meaning traffic looped back into itself.
type ErrRecursionDetected struct {
	Header string
}

func (e *ErrRecursionDetected) Error() string {
	return fmt.Sprintf("recursive forward detected via header %s", e.Header)
}

// ErrProtocol indicates a malformed or unexpected frame/request was
// observed on an otherwise healthy connection (e.g. a second CONNECT
// on a wrapping-layer stream, or an unparseable CONNECT authority).
type ErrProtocol struct {
	Detail string
}

func (e *ErrProtocol) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Detail)
}
