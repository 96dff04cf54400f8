package scan

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTargetIPLiteral(t *testing.T) {
	target, err := ParseTarget("8.8.8.8", false, nil)
	require.NoError(t, err)
	assert.True(t, target.IsResolved())
	assert.Equal(t, "8.8.8.8", target.Addr())
}

func TestParseTargetEmpty(t *testing.T) {
	_, err := ParseTarget("   ", false, nil)
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestParseTargetBlocksPrivateByDefault(t *testing.T) {
	for _, raw := range []string{"10.0.0.5", "192.168.1.1", "127.0.0.1", "169.254.1.1"} {
		_, err := ParseTarget(raw, false, nil)
		assert.ErrorIs(t, err, ErrBlockedTarget, raw)
	}
}

func TestParseTargetAllowPrivate(t *testing.T) {
	target, err := ParseTarget("10.0.0.5", true, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", target.Addr())
}

func TestParseTargetPrivateWhitelist(t *testing.T) {
	wl := map[string]bool{"192.168.1.50": true}
	target, err := ParseTarget("192.168.1.50", false, wl)
	require.NoError(t, err)
	assert.True(t, target.IsResolved())
}

func TestParseTargetAlwaysBlocked(t *testing.T) {
	// Broadcast and unspecified addresses are never scannable, even with
	// allow_private or a whitelist entry.
	wl := map[string]bool{"0.0.0.0": true, "255.255.255.255": true}
	for _, raw := range []string{"0.0.0.0", "255.255.255.255", "224.0.0.1"} {
		_, err := ParseTarget(raw, true, wl)
		assert.ErrorIs(t, err, ErrBlockedTarget, raw)
	}
}

func TestParseTargetPlaceholderDomains(t *testing.T) {
	_, err := ParseTarget("example.com", false, nil)
	assert.ErrorIs(t, err, ErrBlockedTarget)

	_, err = ParseTarget("Example.COM", false, nil)
	assert.ErrorIs(t, err, ErrBlockedTarget, "placeholder match must be case-insensitive")

	target, err := ParseTarget("example.com", false, map[string]bool{"example.com": true})
	require.NoError(t, err)
	assert.Equal(t, "example.com", target.Hostname)
}

func TestParseTargetHostnameRules(t *testing.T) {
	cases := []struct {
		raw string
		ok  bool
	}{
		{"scanme.nmap.org", true},
		{"sub.domain.example.io", true},
		{"-bad.example.io", false},
		{"bad-.example.io", false},
		{"toolong." + strings.Repeat("a", 64) + ".io", false},
		{"nodots", false},
		{"host.x", false},   // TLD too short
		{"host.123", false}, // numeric TLD
		{"ho_st.example.io", false},
	}
	for _, tc := range cases {
		_, err := ParseTarget(tc.raw, false, nil)
		if tc.ok {
			assert.NoError(t, err, tc.raw)
		} else {
			assert.Error(t, err, tc.raw)
		}
	}
}

func TestCheckIPPolicyLinkLocal(t *testing.T) {
	err := CheckIPPolicy(net.ParseIP("fe80::1"), false, nil)
	assert.ErrorIs(t, err, ErrBlockedTarget)
}
