// Package orchestrator drives one scan end to end: admission, target
// validation, resolution, cache lookup, tiered probing with
// identification and enrichment, and event emission. One orchestrator
// run per scan; many runs may be in flight at once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/vantagesec/scand/internal/cache"
	"github.com/vantagesec/scand/internal/coordinator"
	"github.com/vantagesec/scand/internal/enrich"
	"github.com/vantagesec/scand/internal/identify"
	"github.com/vantagesec/scand/internal/metrics"
	"github.com/vantagesec/scand/internal/policy"
	"github.com/vantagesec/scand/internal/probe"
	"github.com/vantagesec/scand/internal/scan"
)

// EventSink receives the scan's event stream. *events.Bus satisfies it.
type EventSink interface {
	Open(scanID string)
	Publish(e *scan.Event)
}

// Request describes one scan to run.
type Request struct {
	ScanID       string // assigned when empty
	ClientID     string
	Target       string
	PortSpec     string
	AllowPrivate bool
	// SkipAdmission is set by callers that already passed the rate gate
	// (the WS command path admits before the pre-scan confirmation).
	SkipAdmission bool
}

// Config carries the orchestrator's operational limits.
type Config struct {
	HardTimeout      time.Duration
	CacheTTL         time.Duration
	PortLimit        int
	PrivateWhitelist map[string]bool
}

// Orchestrator wires the scan pipeline together.
type Orchestrator struct {
	resolver   *scan.Resolver
	policy     *policy.Engine
	coord      *coordinator.Coordinator
	cache      *cache.ScanCache
	pool       *probe.Pool
	controller *probe.Controller
	identifier *identify.Identifier
	enricher   *enrich.Enricher
	sink       EventSink
	metrics    *metrics.Metrics
	cfg        Config
	logger     *log.Logger
}

func New(
	resolver *scan.Resolver,
	pol *policy.Engine,
	coord *coordinator.Coordinator,
	scanCache *cache.ScanCache,
	pool *probe.Pool,
	controller *probe.Controller,
	identifier *identify.Identifier,
	enricher *enrich.Enricher,
	sink EventSink,
	m *metrics.Metrics,
	cfg Config,
) *Orchestrator {
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = 10 * time.Minute
	}
	return &Orchestrator{
		resolver:   resolver,
		policy:     pol,
		coord:      coord,
		cache:      scanCache,
		pool:       pool,
		controller: controller,
		identifier: identifier,
		enricher:   enricher,
		sink:       sink,
		metrics:    m,
		cfg:        cfg,
		logger:     log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags),
	}
}

// Run executes the full scan lifecycle. The coordinator slot taken by
// BeginScan is released on every exit path. The returned result is nil
// exactly when the error is non-nil.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*scan.Result, error) {
	if req.ScanID == "" {
		req.ScanID = uuid.NewString()
	}
	o.sink.Open(req.ScanID)

	target, ports, err := o.validate(req)
	if err != nil {
		o.fail(req.ScanID, err)
		return nil, err
	}

	if !req.SkipAdmission {
		if err := o.coord.Admit(ctx, req.ClientID); err != nil {
			o.rejection(err)
			o.fail(req.ScanID, err)
			return nil, err
		}
	}
	if err := o.coord.BeginScan(ctx, req.ClientID); err != nil {
		o.rejection(err)
		o.fail(req.ScanID, err)
		return nil, err
	}
	defer o.coord.EndScan(context.Background(), req.ClientID)

	o.metrics.ScanStarted()
	defer o.metrics.ScanEnded()

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.HardTimeout)
	defer cancel()

	started := time.Now()
	key := cache.ComputeFingerprint(target.Raw, ports, req.AllowPrivate)
	result, cached, err := o.cache.Do(runCtx, key, func(buildCtx context.Context) (*scan.Result, error) {
		return o.execute(buildCtx, req, target, ports)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %v", scan.ErrCancelled, err)
		}
		o.fail(req.ScanID, err)
		if errors.Is(err, scan.ErrCancelled) {
			o.metrics.RecordScan("cancelled", time.Since(started).Seconds())
		} else {
			o.metrics.RecordScan("failed", time.Since(started).Seconds())
		}
		return nil, err
	}

	if cached {
		o.metrics.RecordCacheHit()
		o.metrics.RecordScan("cached", time.Since(started).Seconds())
		o.replay(req.ScanID, result)
		replayed := *result
		replayed.ScanID = req.ScanID
		replayed.Cached = true
		return &replayed, nil
	}

	o.metrics.RecordScan("completed", time.Since(started).Seconds())
	return result, nil
}

// validate runs target and port-set validation plus the pre-resolution
// policy check.
func (o *Orchestrator) validate(req Request) (*scan.Target, *scan.PortSet, error) {
	target, err := scan.ParseTarget(req.Target, req.AllowPrivate, o.cfg.PrivateWhitelist)
	if err != nil {
		o.metrics.RecordRejection("invalid")
		return nil, nil, err
	}
	ports, err := scan.ParsePortSpec(req.PortSpec)
	if err != nil {
		o.metrics.RecordRejection("invalid")
		return nil, nil, err
	}
	if o.cfg.PortLimit > 0 && ports.Len() > o.cfg.PortLimit {
		o.metrics.RecordRejection("invalid")
		return nil, nil, fmt.Errorf("%w: %d ports exceeds limit %d",
			scan.ErrInvalidPortSet, ports.Len(), o.cfg.PortLimit)
	}
	if o.policy != nil && o.policy.Evaluate(target.Raw, "") == policy.DecisionDenied {
		o.metrics.RecordRejection("denied")
		return nil, nil, fmt.Errorf("%w: %s", scan.ErrDenied, target.Raw)
	}
	return target, ports, nil
}

// execute is the cache build path: resolve, partition, and walk the tiers.
func (o *Orchestrator) execute(ctx context.Context, req Request, target *scan.Target, ports *scan.PortSet) (*scan.Result, error) {
	if err := o.resolver.Resolve(ctx, target); err != nil {
		return nil, err
	}
	addr := target.Addr()
	if o.policy != nil && o.policy.Evaluate(target.Raw, addr) == policy.DecisionDenied {
		o.metrics.RecordRejection("denied")
		return nil, fmt.Errorf("%w: %s resolved to %s", scan.ErrDenied, target.Raw, addr)
	}

	result := &scan.Result{
		ScanID:     req.ScanID,
		Target:     target.Raw,
		ResolvedIP: addr,
		TotalPorts: ports.Len(),
		StartedAt:  time.Now(),
	}

	o.sink.Publish(scan.ScanStartEvent(req.ScanID, target.Raw, ports.Len()))

	tiers := scan.Partition(ports)
	completed := 0
	for _, tierName := range scan.TierOrder {
		tierPorts := tiers.Get(tierName)
		if len(tierPorts) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", scan.ErrCancelled, context.Cause(ctx))
		}

		o.sink.Publish(scan.TierStartEvent(req.ScanID, tierName, len(tierPorts), progressPct(completed, ports.Len())))

		opened, err := o.runTier(ctx, req.ScanID, target, tierName, tierPorts, &completed, ports.Len(), result)
		if err != nil {
			return nil, err
		}

		o.sink.Publish(scan.TierCompleteEvent(req.ScanID, tierName, opened, progressPct(completed, ports.Len())))
	}

	result.FinishedAt = time.Now()
	o.sink.Publish(scan.ScanCompleteEvent(req.ScanID))
	o.logger.Printf("scan %s finished: %d/%d open (%d critical) in %s",
		req.ScanID, len(result.OpenPorts), result.TotalPorts, result.CriticalOpen,
		result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	o.metrics.SetAdaptive(o.controller.MaxConcurrent(), o.controller.Timeout().Seconds())
	return result, nil
}

// runTier probes one tier and enriches its open ports. completed is
// advanced per probed port so progress stays monotonic across tiers.
func (o *Orchestrator) runTier(ctx context.Context, scanID string, target *scan.Target, tier scan.TierName, tierPorts []int, completed *int, total int, result *scan.Result) (int, error) {
	probed := o.pool.Scan(ctx, target.Addr(), tierPorts)

	opened := 0
	for _, pr := range probed {
		if err := ctx.Err(); err != nil {
			return opened, fmt.Errorf("%w: %v", scan.ErrCancelled, context.Cause(ctx))
		}
		*completed++
		o.metrics.RecordProbe(string(pr.State))
		if pr.State != scan.StateOpen {
			continue
		}
		opened++

		finding := o.identifier.Identify(ctx, target.Addr(), pr.Port, o.controller.Timeout())
		pr.Service = finding.Service
		pr.Version = finding.Version
		pr.Banner = finding.Banner
		pr.Confidence = finding.Confidence
		pr.TLSVersion = finding.TLSVersion
		pr.TLSCipher = finding.TLSCipher

		enr := o.enricher.Enrich(ctx, pr.Port, finding)
		o.metrics.RecordCVELookup(string(enr.Status))
		ep := scan.EnrichedPort{
			PortResult: pr,
			CVEIDs:     enr.CVEIDs,
			MaxCVSS:    enr.MaxCVSS,
			CVEStatus:  enr.Status,
			Severity:   enr.Severity,
			MitreTags:  enr.MitreTags,
		}
		result.OpenPorts = append(result.OpenPorts, ep)
		if tier == scan.TierCritical {
			result.CriticalOpen++
		}

		o.sink.Publish(scan.OpenPortEvent(scanID, ep, progressPct(*completed, total)))
	}
	return opened, nil
}

// replay synthesizes the event stream for a cache hit from the stored
// result, so a cached scan looks identical on the wire.
func (o *Orchestrator) replay(scanID string, r *scan.Result) {
	o.sink.Publish(scan.ScanStartEvent(scanID, r.Target, r.TotalPorts))
	for i, ep := range r.OpenPorts {
		o.sink.Publish(scan.OpenPortEvent(scanID, ep, progressPct(i+1, len(r.OpenPorts))))
	}
	o.sink.Publish(scan.ScanCompleteEvent(scanID))
}

// progressPct is the wire progress figure: scanned over total, as a
// percentage.
func progressPct(completed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total) * 100
}

// fail emits the terminal error frame with a subscriber-safe message.
func (o *Orchestrator) fail(scanID string, err error) {
	msg := "internal error"
	switch {
	case errors.Is(err, scan.ErrCancelled):
		msg = "cancelled"
	case errors.Is(err, scan.ErrInvalidTarget),
		errors.Is(err, scan.ErrInvalidPortSet):
		msg = err.Error()
	case errors.Is(err, scan.ErrBlockedTarget),
		errors.Is(err, scan.ErrBlockedAfterResolution),
		errors.Is(err, scan.ErrDenied):
		msg = "target not permitted"
	case errors.Is(err, scan.ErrResolutionFailed):
		msg = "resolution failed"
	case errors.Is(err, scan.ErrRateLimited),
		errors.Is(err, scan.ErrOnCooldown),
		errors.Is(err, scan.ErrExceedsConcurrency):
		msg = err.Error()
	}
	o.sink.Publish(scan.ErrorEvent(scanID, msg))
}

// rejection maps coordinator refusals onto the rejection counter.
func (o *Orchestrator) rejection(err error) {
	switch {
	case errors.Is(err, scan.ErrRateLimited):
		o.metrics.RecordRejection("rate_limited")
	case errors.Is(err, scan.ErrOnCooldown):
		o.metrics.RecordRejection("cooldown")
	case errors.Is(err, scan.ErrExceedsConcurrency):
		o.metrics.RecordRejection("concurrency")
	}
}
