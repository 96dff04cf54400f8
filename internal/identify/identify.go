package identify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"strings"
	"time"
	"unicode/utf8"
)

// maxBannerBytes caps every banner read. Infinite-stream targets terminate
// at the cap; nothing downstream ever sees more than this.
const maxBannerBytes = 1024

// Finding is the identification outcome for one open port.
type Finding struct {
	Service    string
	Version    string
	Banner     string
	Confidence float64
	TLSVersion string
	TLSCipher  string
}

// Identifier grabs banners from open ports and classifies them.
type Identifier struct {
	logger *log.Logger
	// dial is swappable for tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New builds an identifier.
func New() *Identifier {
	d := &net.Dialer{}
	return &Identifier{
		logger: log.New(log.Writer(), "[Identify] ", log.LstdFlags),
		dial:   d.DialContext,
	}
}

// Identify opens a fresh connection to an OPEN port, writes the port's
// probe template, reads a capped banner, and classifies it. It never
// returns an error: identification failures simply degrade confidence.
func (id *Identifier) Identify(ctx context.Context, ip string, port int, timeout time.Duration) Finding {
	f := Finding{Service: KnownService(port)}
	if f.Service != "" {
		f.Confidence = 0.5
	}

	raw, tlsInfo := id.grabBanner(ctx, ip, port, timeout)
	if tlsInfo != nil {
		f.TLSVersion = tlsInfo.version
		f.TLSCipher = tlsInfo.cipher
	}
	if len(raw) == 0 {
		if f.Service == "" {
			f.Service = "unknown"
		}
		return f
	}

	// Fingerprints match the raw bytes so byte-oriented protocols (MySQL,
	// telnet negotiation) still classify; the stored banner is sanitized
	// for display and transport.
	f.Banner = sanitizeBanner(raw)

	for _, fp := range fingerprints {
		m := fp.pattern.FindStringSubmatch(string(raw))
		if m == nil {
			continue
		}
		f.Service = fp.service
		if fp.versionGroup > 0 && fp.versionGroup < len(m) && m[fp.versionGroup] != "" {
			f.Version = sanitizeBanner([]byte(m[fp.versionGroup]))
			f.Confidence = 0.9
		} else {
			f.Confidence = 0.7
		}
		return f
	}

	// Banner present but unrecognized: keep the known-port service name at
	// its 0.5 score, or mark unknown.
	if f.Service == "" {
		f.Service = "unknown"
		f.Confidence = 0
	}
	return f
}

type tlsDetails struct {
	version string
	cipher  string
}

// grabBanner connects, optionally negotiates TLS, writes the probe
// template, and reads up to maxBannerBytes.
func (id *Identifier) grabBanner(ctx context.Context, ip string, port int, timeout time.Duration) ([]byte, *tlsDetails) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := id.dial(dialCtx, "tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, nil
	}
	defer conn.Close()
	deadline := time.Now().Add(timeout)
	conn.SetDeadline(deadline)

	var details *tlsDetails
	if tlsPorts[port] {
		// Certificate chains are not validated here: the goal is to
		// observe the negotiated parameters, not to trust the peer.
		tconn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
		tconn.SetDeadline(deadline)
		if err := tconn.HandshakeContext(dialCtx); err != nil {
			return nil, nil
		}
		state := tconn.ConnectionState()
		details = &tlsDetails{
			version: tls.VersionName(state.Version),
			cipher:  tls.CipherSuiteName(state.CipherSuite),
		}
		conn = tconn
	}

	if probe := probeFor(port); len(probe) > 0 {
		if _, err := conn.Write(probe); err != nil {
			return nil, details
		}
	}

	banner := make([]byte, 0, maxBannerBytes)
	buf := make([]byte, 256)
	for len(banner) < maxBannerBytes {
		n, err := conn.Read(buf)
		if n > 0 {
			room := maxBannerBytes - len(banner)
			if n > room {
				n = room
			}
			banner = append(banner, buf[:n]...)
		}
		if err != nil {
			break // EOF, deadline, reset — whatever we have is the banner
		}
	}
	return banner, details
}

// sanitizeBanner decodes bytes as UTF-8 with replacement and strips control
// characters. Adversarial banners (invalid sequences, null bytes) must
// never panic or propagate raw.
func sanitizeBanner(raw []byte) string {
	var b strings.Builder
	b.Grow(len(raw))
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		raw = raw[size:]
		switch {
		case r == utf8.RuneError && size == 1:
			b.WriteRune('�')
		case r == '\r' || r == '\n' || r == '\t':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f:
			// Drop other control characters outright.
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
