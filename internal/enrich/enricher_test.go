package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagesec/scand/internal/identify"
	"github.com/vantagesec/scand/internal/scan"
)

const nvdFixture = `{
  "vulnerabilities": [
    {"cve": {"id": "CVE-2023-0001", "metrics": {"cvssMetricV31": [{"cvssData": {"baseScore": 9.8}}]}}},
    {"cve": {"id": "CVE-2023-0002", "metrics": {"cvssMetricV31": [{"cvssData": {"baseScore": 5.3}}]}}},
    {"cve": {"id": "CVE-2023-0003", "metrics": {"cvssMetricV2":  [{"cvssData": {"baseScore": 7.5}}]}}},
    {"cve": {"id": "CVE-2023-0004", "metrics": {"cvssMetricV31": [{"cvssData": {"baseScore": 4.0}}]}}},
    {"cve": {"id": "CVE-2023-0005", "metrics": {"cvssMetricV31": [{"cvssData": {"baseScore": 3.1}}]}}},
    {"cve": {"id": "CVE-2023-0006", "metrics": {"cvssMetricV31": [{"cvssData": {"baseScore": 2.0}}]}}}
  ]
}`

func feedServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func sshFinding() identify.Finding {
	return identify.Finding{
		Service:    "ssh",
		Version:    "8.0",
		Banner:     "SSH-2.0-OpenSSH_8.0",
		Confidence: 0.9,
	}
}

func TestEvidenceGateNoEvidence(t *testing.T) {
	e := New("http://unused.invalid", time.Second, 16, time.Hour)
	enr := e.Enrich(context.Background(), 40000, identify.Finding{Service: "", Confidence: 0})
	assert.Empty(t, enr.CVEIDs)
	assert.Equal(t, scan.CVESkippedNoEvidence, enr.Status)
}

func TestEvidenceGateUnknownServiceShortBanner(t *testing.T) {
	e := New("http://unused.invalid", time.Second, 16, time.Hour)
	enr := e.Enrich(context.Background(), 40000, identify.Finding{Service: "unknown", Banner: "hi there"})
	assert.Equal(t, scan.CVESkippedUnknownService, enr.Status)
}

func TestEvidenceGateLowConfidence(t *testing.T) {
	e := New("http://unused.invalid", time.Second, 16, time.Hour)
	enr := e.Enrich(context.Background(), 40000, identify.Finding{Service: "http", Confidence: 0.1})
	assert.Equal(t, scan.CVESkippedLowConfidence, enr.Status)
}

func TestEnrichLiveFetchTopFive(t *testing.T) {
	var hits atomic.Int32
	srv := feedServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "ssh 8.0", r.URL.Query().Get("keywordSearch"))
		w.Write([]byte(nvdFixture))
	})

	e := New(srv.URL, time.Second, 16, time.Hour)
	enr := e.Enrich(context.Background(), 22, sshFinding())

	require.Equal(t, scan.CVESuccessLive, enr.Status)
	assert.Len(t, enr.CVEIDs, 5, "top-5 by CVSS")
	assert.Equal(t, "CVE-2023-0001", enr.CVEIDs[0], "highest CVSS first")
	assert.Equal(t, 9.8, enr.MaxCVSS)
	assert.Equal(t, scan.SeverityCritical, enr.Severity)
	assert.NotContains(t, enr.CVEIDs, "CVE-2023-0006")
}

func TestEnrichCacheFirst(t *testing.T) {
	var hits atomic.Int32
	srv := feedServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(nvdFixture))
	})

	e := New(srv.URL, time.Second, 16, time.Hour)
	first := e.Enrich(context.Background(), 22, sshFinding())
	second := e.Enrich(context.Background(), 22, sshFinding())

	assert.Equal(t, scan.CVESuccessLive, first.Status)
	assert.Equal(t, scan.CVESuccessCached, second.Status)
	assert.Equal(t, first.CVEIDs, second.CVEIDs)
	assert.Equal(t, int32(1), hits.Load(), "second lookup must come from cache")
}

func TestEnrichFeedFailureIsNonFatal(t *testing.T) {
	for _, status := range []int{403, 500, 503} {
		srv := feedServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		e := New(srv.URL, time.Second, 16, time.Hour)
		enr := e.Enrich(context.Background(), 22, sshFinding())
		assert.Empty(t, enr.CVEIDs, "status %d", status)
		assert.Equal(t, scan.CVENoneFound, enr.Status)
		// S6: port 22 severity comes from the default port table.
		assert.Equal(t, scan.SeverityLow, enr.Severity)
	}
}

func TestEnrichMalformedFeed(t *testing.T) {
	srv := feedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"vulnerabilities": [{`))
	})
	e := New(srv.URL, time.Second, 16, time.Hour)
	enr := e.Enrich(context.Background(), 22, sshFinding())
	assert.Equal(t, scan.CVENoneFound, enr.Status)
}

func TestEnrichBreakerShortCircuitsDeadFeed(t *testing.T) {
	var hits atomic.Int32
	srv := feedServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(500)
	})
	e := New(srv.URL, time.Second, 16, time.Hour)

	// Distinct keys so the cache never short-circuits before the breaker.
	findings := []identify.Finding{
		{Service: "ssh", Version: "1.0", Confidence: 0.9},
		{Service: "ssh", Version: "2.0", Confidence: 0.9},
		{Service: "ssh", Version: "3.0", Confidence: 0.9},
		{Service: "ssh", Version: "4.0", Confidence: 0.9},
		{Service: "ssh", Version: "5.0", Confidence: 0.9},
	}
	for _, f := range findings {
		enr := e.Enrich(context.Background(), 22, f)
		assert.Equal(t, scan.CVENoneFound, enr.Status)
	}
	assert.Equal(t, int32(3), hits.Load(), "breaker must trip after three consecutive failures")
}

func TestCVECacheOldestFirstEviction(t *testing.T) {
	c := newCVECache(2, time.Hour)
	c.set("a", []CVERecord{{ID: "CVE-1"}})
	c.set("b", []CVERecord{{ID: "CVE-2"}})
	c.set("c", []CVERecord{{ID: "CVE-3"}})

	assert.Equal(t, 2, c.len())
	_, ok := c.get("a")
	assert.False(t, ok, "oldest entry must be evicted first")
	_, ok = c.get("c")
	assert.True(t, ok)
}

func TestCVECacheTTL(t *testing.T) {
	c := newCVECache(4, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.set("k", []CVERecord{{ID: "CVE-1"}})
	_, ok := c.get("k")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.get("k")
	assert.False(t, ok)
}
