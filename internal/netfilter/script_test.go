package netfilter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateInvokeStructure(t *testing.T) {
	spec := Spec{
		FlowIndex:    3,
		SOMark:       257,
		RedirectPort: 10001,
		CaptureDests: []CaptureDest{
			{Kind: CaptureHostOnly, Host: "10.0.0.5"},
			{Kind: CapturePortOnly, Port: 443},
		},
		CaptureLocalTraffic: true,
	}

	script := GenerateInvoke(spec)

	require.Contains(t, script, "iptables -t nat -N TNG_EGRESS_3")
	require.Contains(t, script, "-m mark --mark 257 -j RETURN")
	require.Contains(t, script, "-d 10.0.0.5")
	require.Contains(t, script, "--dport 443")
	require.Contains(t, script, "--dst-type LOCAL")
	require.Contains(t, script, "--to-ports 10001")
	require.Contains(t, script, "iptables -t nat -A PREROUTING -p tcp -j TNG_EGRESS_3")
	require.Contains(t, script, "iptables -t nat -A OUTPUT     -p tcp -j TNG_EGRESS_3")

	// Deletion of any stale prior installation precedes creation.
	require.Less(t, strings.Index(script, "-D PREROUTING"), strings.Index(script, "-N TNG_EGRESS_3"))
}

func TestGenerateInvokeCaptureRemoteOnly(t *testing.T) {
	spec := Spec{
		FlowIndex:           1,
		RedirectPort:        20000,
		CaptureDests:        []CaptureDest{{Kind: CaptureIPSetAndPort, IPSet: "tng-set", Port: 8080}},
		CaptureLocalTraffic: false,
	}

	script := GenerateInvoke(spec)
	require.Contains(t, script, "! --src-type LOCAL")
	require.Contains(t, script, "--match-set tng-set dst")
}

func TestGenerateInvokeCapturePortRange(t *testing.T) {
	spec := Spec{
		FlowIndex:    2,
		RedirectPort: 30000,
		CaptureDests: []CaptureDest{{Kind: CapturePortRange, PortMin: 8000, PortMax: 9000}},
	}

	script := GenerateInvoke(spec)
	require.Contains(t, script, "--dport 8000:9000")
}

func TestGenerateRevokeIsIdempotentTeardownOnly(t *testing.T) {
	spec := Spec{FlowIndex: 7}
	script := GenerateRevoke(spec)

	require.Contains(t, script, "-D PREROUTING")
	require.Contains(t, script, "-D OUTPUT")
	require.Contains(t, script, "-F TNG_EGRESS_7")
	require.Contains(t, script, "-X TNG_EGRESS_7")
	require.NotContains(t, script, "-N TNG_EGRESS_7")
	require.NotContains(t, script, "-A PREROUTING")
}
