// Package endpoint provides the (host, port) value type used
// throughout the tunnel data plane and a matcher for testing an
// endpoint against a set of destination filters.
package endpoint

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Endpoint identifies a TCP destination by host (numeric or DNS name,
// resolved only at dial time) and port. Equality is byte-equal on
// both fields, which makes Endpoint safe to use as a map key.
type Endpoint struct {
	Host string
	Port uint16
}

// New returns an Endpoint for host:port.
func New(host string, port uint16) Endpoint {
	return Endpoint{Host: host, Port: port}
}

// String renders the endpoint as "host:port".
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// MarshalJSON renders the endpoint as the config document's
// {"host":..., "port":...} shape.
func (e Endpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Host string `json:"host"`
		Port uint16 `json:"port"`
	}{e.Host, e.Port})
}

// UnmarshalJSON parses the {"host":..., "port":...} shape.
func (e *Endpoint) UnmarshalJSON(b []byte) error {
	var v struct {
		Host string `json:"host"`
		Port uint16 `json:"port"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if v.Host == "" {
		return fmt.Errorf("endpoint: host is required")
	}
	e.Host, e.Port = v.Host, v.Port
	return nil
}

// ParseAddr splits a "host:port" address string (as accepted in
// listen-address configuration fields) into an Endpoint.
func ParseAddr(addr string) (Endpoint, error) {
	host, portStr, err := splitHostPort(addr)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: invalid port in %q: %w", addr, err)
	}
	return Endpoint{Host: host, Port: uint16(port)}, nil
}

func splitHostPort(addr string) (string, string, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("endpoint: address %q has no port", addr)
}
