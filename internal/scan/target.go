// Package scan holds the core scan domain: targets, port sets, priority
// tiers, per-port results, and the streamed event vocabulary. Everything
// network-facing (probing, identification, enrichment) builds on these types.
package scan

import (
	"fmt"
	"net"
	"strings"
)

// Placeholder domains are rejected unless explicitly whitelisted — scanning
// them is almost always a copy-paste mistake.
var placeholderDomains = map[string]bool{
	"example.com": true,
	"example.net": true,
	"example.org": true,
	"localhost":   true,
	"test":        true,
	"invalid":     true,
}

// Target is the immutable scan subject. ResolvedIP is fixed for the scan
// lifetime; nothing ever re-resolves mid-scan (prevents DNS rebinding).
type Target struct {
	Raw          string
	Hostname     string
	ResolvedIP   net.IP
	AllowPrivate bool
}

// IsResolved reports whether the target already carries a usable address.
func (t *Target) IsResolved() bool {
	return t.ResolvedIP != nil
}

// Addr returns the address probes should dial.
func (t *Target) Addr() string {
	if t.ResolvedIP != nil {
		return t.ResolvedIP.String()
	}
	return t.Hostname
}

// ParseTarget validates raw input and produces a Target. IP literals are
// policy-checked immediately; hostnames are checked for label-format rules
// here and policy-checked again after resolution.
//
// whitelist contains private/placeholder entries the operator explicitly
// permitted (PRIVATE_IP_WHITELIST).
func ParseTarget(raw string, allowPrivate bool, whitelist map[string]bool) (*Target, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty target", ErrInvalidTarget)
	}

	t := &Target{Raw: raw, AllowPrivate: allowPrivate}

	if ip := net.ParseIP(normalized); ip != nil {
		if err := CheckIPPolicy(ip, allowPrivate, whitelist); err != nil {
			return nil, err
		}
		t.ResolvedIP = ip
		return t, nil
	}

	if placeholderDomains[normalized] && !whitelist[normalized] {
		return nil, fmt.Errorf("%w: placeholder domain %q", ErrBlockedTarget, normalized)
	}
	if err := checkHostnameFormat(normalized); err != nil {
		return nil, err
	}

	t.Hostname = normalized
	return t, nil
}

// CheckIPPolicy rejects always-blocked addresses, and private/loopback/
// link-local addresses when allowPrivate is false. Whitelisted addresses
// bypass the private-range gate but never the always-blocked set.
func CheckIPPolicy(ip net.IP, allowPrivate bool, whitelist map[string]bool) error {
	if ip.Equal(net.IPv4zero) || ip.Equal(net.IPv4bcast) || ip.IsMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("%w: %s is never scannable", ErrBlockedTarget, ip)
	}
	if allowPrivate || whitelist[ip.String()] {
		return nil
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("%w: %s is in a private range (set allow_private to scan)", ErrBlockedTarget, ip)
	}
	return nil
}

// checkHostnameFormat enforces DNS label rules: ≤63 chars per label, ≤255
// total, TLD of at least two alpha characters, no leading/trailing hyphen.
func checkHostnameFormat(host string) error {
	if len(host) > 255 {
		return fmt.Errorf("%w: hostname exceeds 255 characters", ErrInvalidTarget)
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return fmt.Errorf("%w: %q is not a fully qualified hostname", ErrInvalidTarget, host)
	}
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("%w: bad label length in %q", ErrInvalidTarget, host)
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("%w: label %q has a leading or trailing hyphen", ErrInvalidTarget, label)
		}
		for _, r := range label {
			if !isHostnameRune(r) {
				return fmt.Errorf("%w: illegal character %q in hostname", ErrInvalidTarget, r)
			}
		}
	}
	tld := labels[len(labels)-1]
	if len(tld) < 2 || !isAlpha(tld) {
		return fmt.Errorf("%w: invalid TLD %q", ErrInvalidTarget, tld)
	}
	return nil
}

func isHostnameRune(r rune) bool {
	return r == '-' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
