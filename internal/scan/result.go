package scan

import "time"

// PortState classifies the outcome of a single TCP connect probe.
type PortState string

const (
	StateOpen         PortState = "OPEN"
	StateClosed       PortState = "CLOSED"
	StateFiltered     PortState = "FILTERED"
	StateOpenFiltered PortState = "OPEN_FILTERED"
)

// CVEStatus records why enrichment did or did not produce CVE data.
type CVEStatus string

const (
	CVESuccessCached         CVEStatus = "SUCCESS_CACHED"
	CVESuccessLive           CVEStatus = "SUCCESS_LIVE"
	CVENoneFound             CVEStatus = "NO_CVES_FOUND"
	CVESkippedLowConfidence  CVEStatus = "SKIPPED_LOW_CONFIDENCE"
	CVESkippedUnknownService CVEStatus = "SKIPPED_UNKNOWN_SERVICE"
	CVESkippedNoEvidence     CVEStatus = "SKIPPED_NO_EVIDENCE"
)

// Severity buckets derived from max CVSS, or from the default port table
// when no CVE data is available.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityFromCVSS maps a max CVSS score onto a severity bucket.
func SeverityFromCVSS(score float64) Severity {
	switch {
	case score >= 9:
		return SeverityCritical
	case score >= 7:
		return SeverityHigh
	case score >= 4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// PortResult is the raw outcome of probing one port, optionally refined by
// service identification.
type PortResult struct {
	Port       int       `json:"port"`
	Protocol   string    `json:"protocol"`
	State      PortState `json:"state"`
	Service    string    `json:"service,omitempty"`
	Version    string    `json:"version,omitempty"`
	Banner     string    `json:"banner,omitempty"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason,omitempty"`
	TLSVersion string    `json:"tls_version,omitempty"`
	TLSCipher  string    `json:"tls_cipher,omitempty"`
}

// EnrichedPort is a PortResult plus CVE enrichment.
type EnrichedPort struct {
	PortResult
	CVEIDs    []string  `json:"cve_ids,omitempty"`
	MaxCVSS   float64   `json:"max_cvss,omitempty"`
	CVEStatus CVEStatus `json:"cve_status"`
	Severity  Severity  `json:"severity"`
	MitreTags []string  `json:"mitre_tags,omitempty"`
}

// Result is the completed output of a scan: everything a cache hit must be
// able to replay as synthesized events.
type Result struct {
	ScanID     string         `json:"scan_id"`
	Target     string         `json:"target"`
	ResolvedIP string         `json:"resolved_ip"`
	TotalPorts int            `json:"total_ports"`
	OpenPorts  []EnrichedPort `json:"open_ports"`
	// CriticalOpen counts open ports found in the critical tier, tracked
	// separately for the final summary.
	CriticalOpen int       `json:"critical_open"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Cached       bool      `json:"cached"`
}
