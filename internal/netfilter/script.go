package netfilter

import (
	"fmt"
	"strings"
)

// GenerateInvoke renders the install script for s, following
// spec.md §4.10's fixed structure: idempotent teardown of any
// stale prior installation, chain creation, the SO_MARK RETURN
// escape hatch, one rule per capture destination, and finally
// hooking the chain into PREROUTING and OUTPUT.
func GenerateInvoke(s Spec) string {
	chain := s.chainName()
	var b strings.Builder

	fmt.Fprintln(&b, "#!/bin/sh")
	fmt.Fprintln(&b, "set -e")
	fmt.Fprintf(&b, "iptables -t nat -D PREROUTING -p tcp -j %s 2>/dev/null || true\n", chain)
	fmt.Fprintf(&b, "iptables -t nat -D OUTPUT     -p tcp -j %s 2>/dev/null || true\n", chain)
	fmt.Fprintf(&b, "iptables -t nat -F %s 2>/dev/null || true\n", chain)
	fmt.Fprintf(&b, "iptables -t nat -X %s 2>/dev/null || true\n", chain)
	fmt.Fprintf(&b, "iptables -t nat -N %s\n", chain)
	fmt.Fprintf(&b, "iptables -t nat -A %s -p tcp -m mark --mark %d -j RETURN\n", chain, s.SOMark)

	for _, d := range s.CaptureDests {
		fmt.Fprintln(&b, destRuleWithTraffic(chain, d, s.RedirectPort, s.CaptureLocalTraffic))
	}

	fmt.Fprintf(&b, "iptables -t nat -A PREROUTING -p tcp -j %s\n", chain)
	fmt.Fprintf(&b, "iptables -t nat -A OUTPUT     -p tcp -j %s\n", chain)
	return b.String()
}

// GenerateRevoke renders the cleanup script for s: the same
// delete/flush/destroy prefix the invoke script uses to make itself
// idempotent, run unconditionally on drop.
func GenerateRevoke(s Spec) string {
	chain := s.chainName()
	var b strings.Builder

	fmt.Fprintln(&b, "#!/bin/sh")
	fmt.Fprintf(&b, "iptables -t nat -D PREROUTING -p tcp -j %s 2>/dev/null || true\n", chain)
	fmt.Fprintf(&b, "iptables -t nat -D OUTPUT     -p tcp -j %s 2>/dev/null || true\n", chain)
	fmt.Fprintf(&b, "iptables -t nat -F %s 2>/dev/null || true\n", chain)
	fmt.Fprintf(&b, "iptables -t nat -X %s 2>/dev/null || true\n", chain)
	return b.String()
}

// destRuleWithTraffic is destRule plus the capture_local_traffic
// qualifier spec.md §4.10 adds to every capture-destination rule:
// "--dst-type LOCAL" when true, "! --src-type LOCAL" when false.
func destRuleWithTraffic(chain string, d CaptureDest, redirectPort uint16, captureLocal bool) string {
	rule := destRule(chain, d, redirectPort)
	qualifier := "-m addrtype ! --src-type LOCAL"
	if captureLocal {
		qualifier = "-m addrtype --dst-type LOCAL"
	}
	// Insert the addrtype qualifier right before "-j REDIRECT".
	idx := strings.Index(rule, "-j REDIRECT")
	return rule[:idx] + qualifier + " " + rule[idx:]
}
