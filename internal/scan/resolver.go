package scan

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver turns a validated hostname into the single address used for the
// entire scan. Resolution happens exactly once per scan; the result is
// written into the Target and never refreshed.
//
// By default the system resolver is used. When an explicit server is
// configured (DNS_SERVER), queries go directly to it over miekg/dns so the
// scan is not at the mercy of the host's stub resolver.
type Resolver struct {
	server    string // "host:53", empty for system resolver
	timeout   time.Duration
	whitelist map[string]bool
	logger    *log.Logger
}

// NewResolver builds a resolver. server may be empty.
func NewResolver(server string, timeout time.Duration, whitelist map[string]bool) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if server != "" {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
	}
	return &Resolver{
		server:    server,
		timeout:   timeout,
		whitelist: whitelist,
		logger:    log.New(log.Writer(), "[Resolver] ", log.LstdFlags),
	}
}

// Resolve fills in t.ResolvedIP. Already-resolved targets (IP literals)
// pass through untouched. The resolved address is re-validated against the
// block policy before it is accepted.
func (r *Resolver) Resolve(ctx context.Context, t *Target) error {
	if t.IsResolved() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		ip  net.IP
		err error
	)
	if r.server != "" {
		ip, err = r.queryDirect(ctx, t.Hostname)
	} else {
		ip, err = r.querySystem(ctx, t.Hostname)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrResolutionFailed, t.Hostname, err)
	}

	if err := CheckIPPolicy(ip, t.AllowPrivate, r.whitelist); err != nil {
		return fmt.Errorf("%w: %s -> %s", ErrBlockedAfterResolution, t.Hostname, ip)
	}

	r.logger.Printf("resolved %s -> %s", t.Hostname, ip)
	t.ResolvedIP = ip
	return nil
}

func (r *Resolver) querySystem(ctx context.Context, host string) (net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	// Prefer IPv4: the probe templates and TLS table assume v4 reachability
	// first, matching common scanner behavior.
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0].IP, nil
	}
	return nil, fmt.Errorf("no addresses returned")
}

func (r *Resolver) queryDirect(ctx context.Context, host string) (net.IP, error) {
	c := dns.Client{Timeout: r.timeout}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)

	resp, _, err := c.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
	}
	for _, ans := range resp.Answer {
		if a, ok := ans.(*dns.A); ok {
			return a.A, nil
		}
	}

	// No A record — fall back to AAAA before giving up.
	m.SetQuestion(dns.Fqdn(host), dns.TypeAAAA)
	resp, _, err = c.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, err
	}
	for _, ans := range resp.Answer {
		if aaaa, ok := ans.(*dns.AAAA); ok {
			return aaaa.AAAA, nil
		}
	}
	return nil, fmt.Errorf("no A or AAAA records")
}
