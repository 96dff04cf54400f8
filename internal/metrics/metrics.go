// Package metrics registers the Prometheus instrumentation for the scan
// pipeline and exposes typed record helpers so callers never touch label
// values directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the scan engine.
type Metrics struct {
	// Scan lifecycle
	ScansTotal    *prometheus.CounterVec
	ScanDuration  prometheus.Histogram
	ActiveScans   prometheus.Gauge
	CachedResults prometheus.Counter

	// Probe outcomes
	ProbesTotal *prometheus.CounterVec

	// Adaptive controller knobs
	ProbeConcurrency prometheus.Gauge
	ProbeTimeout     prometheus.Gauge

	// Coordinator decisions
	RejectionsTotal *prometheus.CounterVec

	// CVE enrichment
	CVELookupsTotal *prometheus.CounterVec

	// Stream delivery
	EventsDropped prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		ScansTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scand_scans_total",
				Help: "Completed scans by outcome",
			},
			[]string{"outcome"}, // completed, failed, cancelled, cached
		),

		ScanDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scand_scan_duration_seconds",
				Help:    "End-to-end scan duration",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		ActiveScans: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scand_active_scans",
				Help: "Scans currently running",
			},
		),

		CachedResults: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scand_cache_hits_total",
				Help: "Scans served from the result cache",
			},
		),

		ProbesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scand_probes_total",
				Help: "Port probes by observed state",
			},
			[]string{"state"}, // open, closed, filtered, open_filtered
		),

		ProbeConcurrency: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scand_probe_concurrency",
				Help: "Current adaptive probe concurrency ceiling",
			},
		),

		ProbeTimeout: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scand_probe_timeout_seconds",
				Help: "Current adaptive per-probe timeout",
			},
		),

		RejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scand_rejections_total",
				Help: "Requests rejected before scanning",
			},
			[]string{"reason"}, // rate_limited, cooldown, concurrency, denied, invalid
		),

		CVELookupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scand_cve_lookups_total",
				Help: "CVE enrichment attempts by status",
			},
			[]string{"status"},
		),

		EventsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scand_events_dropped_total",
				Help: "Progress events shed to stream back-pressure",
			},
		),
	}
}

// All record helpers tolerate a nil receiver so components can run
// uninstrumented in tests.

// RecordScan records one finished scan.
func (m *Metrics) RecordScan(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ScansTotal.WithLabelValues(outcome).Inc()
	m.ScanDuration.Observe(seconds)
}

// ScanStarted and ScanEnded bracket the active-scans gauge.
func (m *Metrics) ScanStarted() {
	if m == nil {
		return
	}
	m.ActiveScans.Inc()
}

func (m *Metrics) ScanEnded() {
	if m == nil {
		return
	}
	m.ActiveScans.Dec()
}

// RecordCacheHit records a scan served from cache.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CachedResults.Inc()
}

// RecordProbe records a single port verdict.
func (m *Metrics) RecordProbe(state string) {
	if m == nil {
		return
	}
	m.ProbesTotal.WithLabelValues(state).Inc()
}

// RecordRejection records a pre-scan refusal.
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordCVELookup records one enrichment outcome.
func (m *Metrics) RecordCVELookup(status string) {
	if m == nil {
		return
	}
	m.CVELookupsTotal.WithLabelValues(status).Inc()
}

// RecordEventDropped counts a progress event shed to back-pressure.
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// SetAdaptive publishes the controller's live knobs.
func (m *Metrics) SetAdaptive(concurrency int, timeoutSeconds float64) {
	if m == nil {
		return
	}
	m.ProbeConcurrency.Set(float64(concurrency))
	m.ProbeTimeout.Set(timeoutSeconds)
}
