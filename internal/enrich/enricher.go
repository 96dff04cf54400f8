// Package enrich assigns CVE data to identified services, gated on
// evidence confidence so unidentified ports never get speculative CVE
// lists. Lookups are cache-first; the live feed sits behind a circuit
// breaker and its failures are never fatal to a scan.
package enrich

import (
	"context"
	"log"
	"time"

	"github.com/vantagesec/scand/internal/circuitbreaker"
	"github.com/vantagesec/scand/internal/identify"
	"github.com/vantagesec/scand/internal/scan"
)

// confidenceFloor is the minimum identification confidence for enrichment
// when no harder evidence (version or banner) exists.
const confidenceFloor = 0.3

// minBannerEvidence is how many banner characters count as real evidence
// for an otherwise unknown service.
const minBannerEvidence = 10

// maxCVEsReturned bounds how many CVEs one port carries, highest CVSS first.
const maxCVEsReturned = 5

// Enrichment is the CVE verdict for one identified port.
type Enrichment struct {
	CVEIDs    []string
	MaxCVSS   float64
	Status    scan.CVEStatus
	Severity  scan.Severity
	MitreTags []string
}

// Enricher is the evidence-gated CVE lookup pipeline.
type Enricher struct {
	cache   *cveCache
	feed    *nvdClient
	breaker *circuitbreaker.Breaker
	logger  *log.Logger
}

// New builds an enricher against the given feed URL.
func New(feedURL string, fetchTimeout time.Duration, cacheEntries int, cacheTTL time.Duration) *Enricher {
	return &Enricher{
		cache:   newCVECache(cacheEntries, cacheTTL),
		feed:    newNVDClient(feedURL, fetchTimeout),
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("cve-feed")),
		logger:  log.New(log.Writer(), "[Enrich] ", log.LstdFlags),
	}
}

// Enrich runs the evidence gates in order, then the cache, then one live
// fetch. It never returns an error: every failure mode reduces to an empty
// result with an explanatory status.
func (e *Enricher) Enrich(ctx context.Context, port int, f identify.Finding) Enrichment {
	if status, gated := evidenceGate(f); gated {
		return e.withDefaultSeverity(port, Enrichment{Status: status})
	}

	key := serviceKey(f.Service, f.Version)
	if records, ok := e.cache.get(key); ok {
		return e.verdict(port, records, scan.CVESuccessCached)
	}

	var records []CVERecord
	err := e.breaker.Do(func() error {
		var ferr error
		records, ferr = e.feed.fetch(ctx, key)
		return ferr
	})
	if err != nil {
		// 403s, 5xx, malformed JSON, timeouts, and an open breaker all
		// land here; the scan proceeds without CVE data.
		e.logger.Printf("live fetch for %q failed: %v", key, err)
		return e.withDefaultSeverity(port, Enrichment{Status: scan.CVENoneFound})
	}

	e.cache.set(key, records)
	if len(records) == 0 {
		return e.withDefaultSeverity(port, Enrichment{Status: scan.CVENoneFound})
	}
	return e.verdict(port, records, scan.CVESuccessLive)
}

// evidenceGate applies the three skip rules in order. A banner of at least
// minBannerEvidence characters counts as evidence even for an unknown
// service; no banner at all with nothing else is no evidence.
func evidenceGate(f identify.Finding) (scan.CVEStatus, bool) {
	unknown := f.Service == "" || f.Service == "unknown"

	if unknown && f.Version == "" {
		if f.Banner == "" {
			return scan.CVESkippedNoEvidence, true
		}
		if len(f.Banner) < minBannerEvidence {
			return scan.CVESkippedUnknownService, true
		}
	}
	if f.Confidence < confidenceFloor && f.Version == "" && f.Banner == "" {
		return scan.CVESkippedLowConfidence, true
	}
	return "", false
}

// verdict shapes cached or live records into the returned enrichment:
// top-N by CVSS descending, severity from the max score.
func (e *Enricher) verdict(port int, records []CVERecord, status scan.CVEStatus) Enrichment {
	if len(records) == 0 {
		return e.withDefaultSeverity(port, Enrichment{Status: scan.CVENoneFound})
	}

	n := len(records)
	if n > maxCVEsReturned {
		n = maxCVEsReturned
	}
	out := Enrichment{Status: status, CVEIDs: make([]string, 0, n)}
	for _, r := range records[:n] {
		out.CVEIDs = append(out.CVEIDs, r.ID)
		if r.CVSS > out.MaxCVSS {
			out.MaxCVSS = r.CVSS
		}
	}
	out.Severity = scan.SeverityFromCVSS(out.MaxCVSS)
	if _, tags, ok := identify.DefaultVuln(port); ok {
		out.MitreTags = tags
	}
	return out
}

// withDefaultSeverity annotates CVE-less results from the default port
// vulnerability table, falling back to INFO.
func (e *Enricher) withDefaultSeverity(port int, enr Enrichment) Enrichment {
	if sev, tags, ok := identify.DefaultVuln(port); ok {
		enr.Severity = scan.Severity(sev)
		enr.MitreTags = tags
	} else {
		enr.Severity = scan.SeverityInfo
	}
	return enr
}
