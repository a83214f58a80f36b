// Package netfilter implements the Netfilter Program (C10): it
// generates the iptables chain that redirects captured traffic into
// a flow's listener, installs it, and guarantees the chain is torn
// down again on Stop. Grounded on the teacher's direct os/exec
// shelling-out style for external tools (the pack's
// cuemby-warren/pkg/network/hostports.go iptables wrapper is the
// closest analogue; the teacher itself only ever writes files and
// invokes Go libraries, never a second process) and on
// internal/providers/chisel/tunnel_factory.go's temp-file-then-
// cleanup idiom, generalized from TLS material to generated shell
// scripts.
package netfilter

import "fmt"

// CaptureDestKind selects which predicate a capture-destination rule
// matches on, per spec.md §4.10's "per capture-destination variants"
// (host-only, port-only, port-range, host+port, ipset-ref, ipset+port).
// Host accepts plain CIDR notation (e.g. "10.0.0.0/8") since iptables'
// -d flag already understands it — the supplemented capture_cidr
// variant needs no separate Kind.
type CaptureDestKind int

const (
	CaptureHostOnly CaptureDestKind = iota
	CapturePortOnly
	CapturePortRange
	CaptureHostAndPort
	CaptureIPSet
	CaptureIPSetAndPort
)

// CaptureDest is one destination-matching predicate that gets
// REDIRECTed into the flow's listener. Fields not used by Kind are
// ignored.
type CaptureDest struct {
	Kind    CaptureDestKind
	Host    string
	Port    uint16
	PortMin uint16
	PortMax uint16
	IPSet   string
}

// Spec describes one flow's netfilter chain: which traffic to
// capture, where to redirect it, and which mark to exempt.
type Spec struct {
	// FlowIndex is this flow's position in the configuration
	// document; it names the generated chain TNG_EGRESS_<FlowIndex>,
	// matching spec.md §4.10's literal chain-naming example (the
	// original project names every netfilter chain this way
	// regardless of whether it captures for an ingress or egress
	// flow).
	FlowIndex int

	// SOMark is the mark TNG's own outbound dials carry so they
	// RETURN out of the chain instead of being redirected again.
	SOMark int

	// RedirectPort is the local port captured traffic is REDIRECTed
	// to (the flow's own listen port).
	RedirectPort uint16

	// CaptureDests are ORed together: traffic matching any one of
	// them is captured.
	CaptureDests []CaptureDest

	// CaptureLocalTraffic selects between "--dst-type LOCAL" (true:
	// capture traffic destined for this host) and "! --src-type
	// LOCAL" (false: capture only traffic originating elsewhere),
	// per spec.md §4.10.
	CaptureLocalTraffic bool
}

// chainName returns this spec's iptables chain name.
func (s Spec) chainName() string {
	return fmt.Sprintf("TNG_EGRESS_%d", s.FlowIndex)
}

// destRule renders one CaptureDest as the REDIRECT rule appended to
// the chain, per spec.md §4.10's variant table; the addrtype
// qualifier is inserted afterwards by destRuleWithTraffic.
func destRule(chain string, d CaptureDest, redirectPort uint16) string {
	args := []string{"-t", "nat", "-A", chain, "-p", "tcp"}

	switch d.Kind {
	case CaptureHostOnly:
		args = append(args, "-d", d.Host)
	case CapturePortOnly:
		args = append(args, "--dport", fmt.Sprint(d.Port))
	case CapturePortRange:
		args = append(args, "--dport", fmt.Sprintf("%d:%d", d.PortMin, d.PortMax))
	case CaptureHostAndPort:
		args = append(args, "-d", d.Host, "--dport", fmt.Sprint(d.Port))
	case CaptureIPSet:
		args = append(args, "-m", "set", "--match-set", d.IPSet, "dst")
	case CaptureIPSetAndPort:
		args = append(args, "-m", "set", "--match-set", d.IPSet, "dst", "--dport", fmt.Sprint(d.Port))
	}

	args = append(args, "-j", "REDIRECT", "--to-ports", fmt.Sprint(redirectPort))
	return "iptables " + joinArgs(args)
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
