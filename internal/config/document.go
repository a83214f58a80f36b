// Package config provides two layers of configuration: the ambient
// process configuration (which document to load, log level/format,
// CLI flags/env vars — loaded through viper+pflag in the teacher's
// Option-table style, see options.go/key.go) and the JSON tunnel
// configuration document itself (spec.md §6), decoded here into a
// discriminated-union Go type with custom UnmarshalJSON methods, the
// idiomatic Go rendering of the original's mode-tagged sum types.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tng-project/tng/internal/endpoint"
	"github.com/tng-project/tng/internal/netfilter"
	"github.com/tng-project/tng/internal/tlsconfig"
	"github.com/tng-project/tng/internal/tngerr"
)

// Document is the single JSON configuration object from spec.md §6.
type Document struct {
	ControlInterface *ControlInterface `json:"control_interface,omitempty"`
	Metric           *MetricConfig     `json:"metric,omitempty"`
	Trace            *TraceConfig      `json:"trace,omitempty"`
	AddIngress       []IngressEntry    `json:"add_ingress,omitempty"`
	AddEgress        []EgressEntry     `json:"add_egress,omitempty"`
	AdminBind        json.RawMessage   `json:"admin_bind,omitempty"`
}

// ControlInterface exposes /livez and /readyz; out of scope beyond
// being parsed and minimally served (§6.5).
type ControlInterface struct {
	Restful *struct {
		Host string `json:"host"`
		Port uint16 `json:"port"`
	} `json:"restful"`
}

// MetricConfig selects at most one metrics exporter. Out-of-scope
// collaborator beyond the Prometheus wiring internal/metrics already
// carries; the exporter entries listed here are accepted but ignored
// with a warning.
type MetricConfig struct {
	Exporters []struct {
		Type string `json:"type"`
	} `json:"exporters"`
}

// TraceConfig is parsed so documents that set it do not fail
// validation; the trace exporter itself is out of scope (§6.5).
type TraceConfig struct {
	Exporters []json.RawMessage `json:"exporters"`
}

// LoadDocument reads and decodes the JSON configuration document at
// path.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &tngerr.ErrConfig{Field: "path", Reason: err.Error()}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &tngerr.ErrConfig{Field: "document", Reason: err.Error()}
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks every flow entry's invariants that json.Unmarshal
// alone cannot express (exactly one mode, at least one RA setting).
func (d *Document) Validate() error {
	for i := range d.AddIngress {
		if err := d.AddIngress[i].validate(); err != nil {
			return &tngerr.ErrConfig{Field: fmt.Sprintf("add_ingress[%d]", i), Reason: err.Error()}
		}
	}
	for i := range d.AddEgress {
		if err := d.AddEgress[i].validate(); err != nil {
			return &tngerr.ErrConfig{Field: fmt.Sprintf("add_egress[%d]", i), Reason: err.Error()}
		}
	}
	return nil
}

// RAArgs is the remote-attestation block every ingress/egress entry
// carries: at least one of NoRA, Attest, or Verify must be set
// (spec.md §6).
type RAArgs struct {
	NoRA   bool        `json:"no_ra,omitempty"`
	Attest *AttestArgs `json:"attest,omitempty"`
	Verify *VerifyArgs `json:"verify,omitempty"`
}

func (a RAArgs) validate() error {
	if !a.NoRA && a.Attest == nil && a.Verify == nil {
		return fmt.Errorf("must set at least one of no_ra, attest, or verify")
	}
	return nil
}

// AttestArgs configures the Attestation Agent client used to obtain
// an attested certificate for this flow's own TLS identity.
type AttestArgs struct {
	AAAddr string `json:"aa_addr"`
}

// VerifyArgs configures the CoCo peer verifier.
type VerifyArgs struct {
	ASAddr            string   `json:"as_addr"`
	ASIsGRPC          bool     `json:"as_is_grpc,omitempty"`
	PolicyIDs         []string `json:"policy_ids,omitempty"`
	TrustedCertsPaths []string `json:"trusted_certs_paths,omitempty"`
}

// DstFilter mirrors endpoint.Filter's JSON shape for embedding in the
// configuration document (kept distinct from endpoint.Filter so this
// package has no compile-time dependency on the matcher's compiled
// regex internals).
type DstFilter struct {
	Domain      string  `json:"domain,omitempty"`
	DomainRegex string  `json:"domain_regex,omitempty"`
	Port        *uint16 `json:"port,omitempty"`
}

func (f DstFilter) toEndpointFilter() (endpoint.Filter, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return endpoint.Filter{}, err
	}
	var ef endpoint.Filter
	if err := (&ef).UnmarshalJSON(b); err != nil {
		return endpoint.Filter{}, err
	}
	return ef, nil
}

// ToMatcher compiles a list of DstFilter into an endpoint.Matcher.
func ToMatcher(filters []DstFilter) (*endpoint.Matcher, error) {
	compiled := make([]endpoint.Filter, len(filters))
	for i, f := range filters {
		ef, err := f.toEndpointFilter()
		if err != nil {
			return nil, err
		}
		compiled[i] = ef
	}
	return endpoint.NewMatcher(compiled)
}

// CaptureDest mirrors internal/netfilter.CaptureDest's JSON shape for
// the netfilter ingress capture-destination list, including the
// supplemented ipset and port-range variants recovered from
// original_source (SPEC_FULL.md §10 item 3). Host accepts CIDR
// notation directly, covering the supplemented capture_cidr variant.
// At least one of Host/Port/PortRange/IPSet must be set; Host+Port
// and IPSet+Port are the two combined forms. Other combinations are
// not rejected: toNetfilter picks the first match in the order
// IPSet+Port, IPSet, Host+Port, Host, PortRange, Port.
type CaptureDest struct {
	Host      string     `json:"host,omitempty"`
	Port      *uint16    `json:"port,omitempty"`
	PortRange *PortRange `json:"port_range,omitempty"`
	IPSet     string     `json:"ipset,omitempty"`
}

// PortRange is an inclusive [Min,Max] destination port range.
type PortRange struct {
	Min uint16 `json:"min"`
	Max uint16 `json:"max"`
}

func (d CaptureDest) toNetfilter() (netfilter.CaptureDest, error) {
	switch {
	case d.IPSet != "" && d.Port != nil:
		return netfilter.CaptureDest{Kind: netfilter.CaptureIPSetAndPort, IPSet: d.IPSet, Port: *d.Port}, nil
	case d.IPSet != "":
		return netfilter.CaptureDest{Kind: netfilter.CaptureIPSet, IPSet: d.IPSet}, nil
	case d.Host != "" && d.Port != nil:
		return netfilter.CaptureDest{Kind: netfilter.CaptureHostAndPort, Host: d.Host, Port: *d.Port}, nil
	case d.Host != "":
		return netfilter.CaptureDest{Kind: netfilter.CaptureHostOnly, Host: d.Host}, nil
	case d.PortRange != nil:
		return netfilter.CaptureDest{Kind: netfilter.CapturePortRange, PortMin: d.PortRange.Min, PortMax: d.PortRange.Max}, nil
	case d.Port != nil:
		return netfilter.CaptureDest{Kind: netfilter.CapturePortOnly, Port: *d.Port}, nil
	default:
		return netfilter.CaptureDest{}, fmt.Errorf("capture destination must set host, port, port_range, or ipset")
	}
}

// MappingFlow is the {"mapping": {...}} ingress/egress variant:
// unconditional tunnel of every stream from In to Out.
type MappingFlow struct {
	In  endpoint.Endpoint `json:"in"`
	Out endpoint.Endpoint `json:"out"`
}

// HTTPProxyFlow is the {"http_proxy": {...}} ingress variant.
type HTTPProxyFlow struct {
	ProxyListen endpoint.Endpoint `json:"proxy_listen"`
	DstFilters  []DstFilter       `json:"dst_filters,omitempty"`
}

// Socks5Flow is the {"socks5": {...}} ingress variant.
type Socks5Flow struct {
	ProxyListen endpoint.Endpoint `json:"proxy_listen"`
	DstFilters  []DstFilter       `json:"dst_filters,omitempty"`
	Username    string            `json:"username,omitempty"`
	Password    string            `json:"password,omitempty"`
}

// NetfilterIngressFlow is the ingress {"netfilter": {...}} variant:
// ListenPort of 0 means "pick an ephemeral port automatically", per
// spec.md §4.8.4.
type NetfilterIngressFlow struct {
	ListenPort          uint16        `json:"listen_port,omitempty"`
	CaptureDests        []CaptureDest `json:"dst,omitempty"`
	CaptureLocalTraffic bool          `json:"capture_local_traffic,omitempty"`
}

// NetfilterEgressFlow is the egress {"netfilter": {...}} variant: a
// listener captured traffic is redirected to, paired with the
// backend it forwards to once attested TLS and CONNECT complete.
type NetfilterEgressFlow struct {
	ListenPort uint16            `json:"listen_port"`
	Out        endpoint.Endpoint `json:"out"`
}

// IngressEntry is one add_ingress[] element: exactly one of Mapping,
// HTTPProxy, Socks5, or Netfilter must be set, alongside the common
// RAArgs block.
type IngressEntry struct {
	RAArgs

	Mapping       *MappingFlow          `json:"mapping,omitempty"`
	HTTPProxy     *HTTPProxyFlow        `json:"http_proxy,omitempty"`
	Socks5        *Socks5Flow           `json:"socks5,omitempty"`
	Netfilter     *NetfilterIngressFlow `json:"netfilter,omitempty"`
	EncapInHTTP   bool                  `json:"encap_in_http,omitempty"`
	WebPageInject bool                  `json:"web_page_inject,omitempty"`
	SOMark        int                   `json:"so_mark,omitempty"`
}

func (e *IngressEntry) validate() error {
	set := 0
	for _, p := range []bool{e.Mapping != nil, e.HTTPProxy != nil, e.Socks5 != nil, e.Netfilter != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of mapping, http_proxy, socks5, netfilter must be set, got %d", set)
	}
	return e.RAArgs.validate()
}

// EgressEntry is one add_egress[] element: exactly one of Mapping or
// Netfilter must be set, alongside the common RAArgs block.
type EgressEntry struct {
	RAArgs

	Mapping       *MappingFlow         `json:"mapping,omitempty"`
	Netfilter     *NetfilterEgressFlow `json:"netfilter,omitempty"`
	DecapFromHTTP bool                 `json:"decap_from_http,omitempty"`
	SOMark        int                  `json:"so_mark,omitempty"`
}

func (e *EgressEntry) validate() error {
	set := 0
	for _, p := range []bool{e.Mapping != nil, e.Netfilter != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of mapping, netfilter must be set, got %d", set)
	}
	return e.RAArgs.validate()
}

// Mode resolves which tlsconfig.Mode this RA block selects. At least
// one of NoRA/Attest/Verify is guaranteed set by validate() by the
// time this is called; Attest and Verify together select
// ModeAttestAndVerify.
func (a RAArgs) Mode() tlsconfig.Mode {
	switch {
	case a.Attest != nil && a.Verify != nil:
		return tlsconfig.ModeAttestAndVerify
	case a.Attest != nil:
		return tlsconfig.ModeAttest
	case a.Verify != nil:
		return tlsconfig.ModeVerify
	default:
		return tlsconfig.ModeNoRa
	}
}

// ToTLSVerifyArgs converts the document's Verify block into the
// tlsconfig package's argument shape; returns the zero value if no
// Verify block is set.
func (a RAArgs) ToTLSVerifyArgs() tlsconfig.VerifyArgs {
	if a.Verify == nil {
		return tlsconfig.VerifyArgs{}
	}
	return tlsconfig.VerifyArgs{
		ASAddr:            a.Verify.ASAddr,
		PolicyIDs:         a.Verify.PolicyIDs,
		TrustedCertsPaths: a.Verify.TrustedCertsPaths,
	}
}

// ToNetfilterDests converts a CaptureDest list into
// internal/netfilter's Spec-ready form.
func ToNetfilterDests(dests []CaptureDest) ([]netfilter.CaptureDest, error) {
	out := make([]netfilter.CaptureDest, len(dests))
	for i, d := range dests {
		nd, err := d.toNetfilter()
		if err != nil {
			return nil, fmt.Errorf("dst[%d]: %w", i, err)
		}
		out[i] = nd
	}
	return out, nil
}
