// Package identify classifies services on open ports: it sends a
// protocol-appropriate probe, reads a bounded banner, and matches it
// against fingerprint rules to produce a service name, version, and
// confidence score.
package identify

import "regexp"

// knownServices maps well-known ports to service names. A bare port match
// (no banner) is worth 0.5 confidence.
var knownServices = map[int]string{
	21:    "ftp",
	22:    "ssh",
	23:    "telnet",
	25:    "smtp",
	53:    "dns",
	80:    "http",
	110:   "pop3",
	111:   "rpcbind",
	135:   "msrpc",
	139:   "netbios-ssn",
	143:   "imap",
	161:   "snmp",
	389:   "ldap",
	443:   "https",
	445:   "smb",
	465:   "smtps",
	514:   "syslog",
	587:   "submission",
	631:   "ipp",
	636:   "ldaps",
	873:   "rsync",
	993:   "imaps",
	995:   "pop3s",
	1433:  "mssql",
	1521:  "oracle",
	2049:  "nfs",
	2181:  "zookeeper",
	3128:  "squid",
	3306:  "mysql",
	3389:  "rdp",
	5000:  "upnp",
	5432:  "postgresql",
	5601:  "kibana",
	5672:  "amqp",
	5900:  "vnc",
	5984:  "couchdb",
	6379:  "redis",
	8000:  "http-alt",
	8080:  "http-proxy",
	8443:  "https-alt",
	8888:  "http-alt",
	9090:  "prometheus",
	9200:  "elasticsearch",
	11211: "memcached",
	27017: "mongodb",
}

// tlsPorts get a TLS inspection pass recording protocol version and cipher
// suite; the banner probe runs inside the TLS session.
var tlsPorts = map[int]bool{
	443: true, 465: true, 636: true, 993: true, 995: true, 8443: true,
}

// probeFor returns the bytes to write after connecting. Talk-first
// protocols (FTP, SMTP, SSH, POP3) get a nudge or nothing; request-response
// protocols get a minimal valid request.
func probeFor(port int) []byte {
	switch port {
	case 21:
		return []byte("\r\n")
	case 25, 465, 587:
		return []byte("EHLO scand.local\r\n")
	case 80, 8000, 8080, 8888, 443, 8443:
		return []byte("GET / HTTP/1.0\r\nHost: localhost\r\nUser-Agent: scand\r\n\r\n")
	case 110, 995:
		return []byte("USER guest\r\n")
	case 143, 993:
		return []byte("a1 CAPABILITY\r\n")
	case 3306:
		// MySQL server greets first; no client bytes needed.
		return nil
	case 3389:
		// Minimal RDP negotiation request (X.224 Connection Request).
		return []byte{0x03, 0x00, 0x00, 0x0b, 0x06, 0xe0, 0x00, 0x00, 0x00, 0x00, 0x00}
	case 6379:
		return []byte("PING\r\n")
	default:
		return nil
	}
}

// fingerprint is one banner-matching rule. Pattern must match the banner;
// when versionGroup > 0 the corresponding capture group is the version.
type fingerprint struct {
	service      string
	pattern      *regexp.Regexp
	versionGroup int
}

// Fingerprints are ordered: the first match wins, so more specific rules
// come before generic ones.
var fingerprints = []fingerprint{
	{"ssh", regexp.MustCompile(`^SSH-[\d.]+-OpenSSH[_-]([\w.\-]+)`), 1},
	{"ssh", regexp.MustCompile(`^SSH-[\d.]+-([\w.\-]+)`), 1},
	{"http", regexp.MustCompile(`(?mi)^Server:\s*nginx/([\d.]+)`), 1},
	{"http", regexp.MustCompile(`(?mi)^Server:\s*Apache/([\d.]+)`), 1},
	{"http", regexp.MustCompile(`(?mi)^Server:\s*([^\r\n]+)`), 1},
	{"http", regexp.MustCompile(`^HTTP/[\d.]+ \d{3}`), 0},
	{"ftp", regexp.MustCompile(`^220[ -].*vsftpd ([\d.]+)`), 1},
	{"ftp", regexp.MustCompile(`^220[ -].*(?i:ftp)`), 0},
	{"smtp", regexp.MustCompile(`^220[ -]\S+ .*(?i:smtp|esmtp|postfix|exim|sendmail)`), 0},
	{"pop3", regexp.MustCompile(`^\+OK`), 0},
	{"imap", regexp.MustCompile(`^\* OK`), 0},
	{"redis", regexp.MustCompile(`^\+PONG`), 0},
	{"redis", regexp.MustCompile(`^-NOAUTH`), 0},
	{"mysql", regexp.MustCompile(`^.{4}\x0a([\d.]+(?:-[\w]+)?)`), 1},
	{"telnet", regexp.MustCompile(`^\xff[\xfb-\xfe]`), 0},
}

// portVuln is the default severity annotation for services that commonly
// ship with known weaknesses, used when no CVE data is available.
type portVuln struct {
	severity  string
	mitreTags []string
	note      string
}

// defaultPortVulns annotates well-known risky ports. 443 carries a single
// entry; 444 is the alternate-SNPP record.
var defaultPortVulns = map[int]portVuln{
	21:   {"MEDIUM", []string{"T1190", "T1110"}, "cleartext credentials; anonymous login common"},
	22:   {"LOW", []string{"T1110", "T1021.004"}, "brute-force target; check auth policy"},
	23:   {"HIGH", []string{"T1078", "T1040"}, "cleartext protocol; should not be exposed"},
	25:   {"LOW", []string{"T1566"}, "open relay risk if misconfigured"},
	80:   {"LOW", []string{"T1190"}, "verify TLS redirect and security headers"},
	139:  {"HIGH", []string{"T1021.002"}, "legacy SMB; frequent exploitation path"},
	443:  {"LOW", []string{"T1190"}, "verify TLS configuration"},
	444:  {"MEDIUM", []string{"T1190"}, "SNPP alternate; uncommon exposure, review intent"},
	445:  {"HIGH", []string{"T1021.002", "T1210"}, "SMB; EternalBlue-class exposure if unpatched"},
	3306: {"MEDIUM", []string{"T1190"}, "database should not face the internet"},
	3389: {"HIGH", []string{"T1021.001", "T1110"}, "RDP; BlueKeep-class exposure if unpatched"},
	5432: {"MEDIUM", []string{"T1190"}, "database should not face the internet"},
	5900: {"HIGH", []string{"T1021.005"}, "VNC frequently unauthenticated"},
	6379: {"HIGH", []string{"T1190"}, "redis unauthenticated by default"},
}

// DefaultVuln returns the default severity and MITRE tags for a port, or
// ok=false when the port has no annotation.
func DefaultVuln(port int) (severity string, mitreTags []string, ok bool) {
	v, ok := defaultPortVulns[port]
	if !ok {
		return "", nil, false
	}
	return v.severity, v.mitreTags, true
}

// KnownService returns the known-port table entry, or "".
func KnownService(port int) string {
	return knownServices[port]
}
