// Package probe implements bounded-parallel TCP connect probing with an
// adaptive feedback loop: the controller watches probe outcomes and tunes
// worker concurrency and per-probe timeout mid-scan.
package probe

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	windowSize        = 50
	minAdjustInterval = 500 * time.Millisecond

	raiseThreshold = 0.85
	dropThreshold  = 0.5
)

// Controller tunes two knobs from a sliding window of probe outcomes.
// Workers read the knobs through atomics on every dispatch; they never read
// configuration directly during a scan.
type Controller struct {
	maxConcurrent atomic.Int64
	timeoutNanos  atomic.Int64

	minConcurrent int64
	ceiling       int64
	minTimeout    time.Duration
	maxTimeout    time.Duration

	mu         sync.Mutex
	window     [windowSize]bool
	windowLen  int
	windowPos  int
	lastAdjust time.Time

	logger *log.Logger
	now    func() time.Time
}

// NewController seeds the knobs from configuration. The timeout may climb
// to 4x its initial value under sustained failure and fall to a 100ms floor
// under sustained success.
func NewController(maxConcurrent int, timeout time.Duration) *Controller {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	c := &Controller{
		minConcurrent: 1,
		ceiling:       int64(maxConcurrent),
		minTimeout:    100 * time.Millisecond,
		maxTimeout:    4 * timeout,
		logger:        log.New(log.Writer(), "[Adaptive] ", log.LstdFlags),
		now:           time.Now,
	}
	c.maxConcurrent.Store(int64(maxConcurrent))
	c.timeoutNanos.Store(int64(timeout))
	return c
}

// MaxConcurrent is the live worker ceiling.
func (c *Controller) MaxConcurrent() int {
	return int(c.maxConcurrent.Load())
}

// Timeout is the live per-probe timeout.
func (c *Controller) Timeout() time.Duration {
	return time.Duration(c.timeoutNanos.Load())
}

// Record feeds one probe outcome into the window. success means the probe
// got a definitive answer (open or refused); timeouts and unreachables are
// failures. Adjustments happen at most once per minAdjustInterval to keep
// the loop from oscillating.
func (c *Controller) Record(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.window[c.windowPos] = success
	c.windowPos = (c.windowPos + 1) % windowSize
	if c.windowLen < windowSize {
		c.windowLen++
	}

	if c.windowLen < windowSize {
		return
	}
	now := c.now()
	if !c.lastAdjust.IsZero() && now.Sub(c.lastAdjust) < minAdjustInterval {
		return
	}

	successes := 0
	for i := 0; i < c.windowLen; i++ {
		if c.window[i] {
			successes++
		}
	}
	ratio := float64(successes) / float64(c.windowLen)

	conc := c.maxConcurrent.Load()
	timeout := time.Duration(c.timeoutNanos.Load())

	switch {
	case successes == 0:
		// Everything is timing out — back off to the floor and probe
		// cautiously upward from there.
		conc = c.minConcurrent
		timeout = c.maxTimeout
	case ratio > raiseThreshold:
		conc = clampInt64(conc+conc/10+1, c.minConcurrent, c.ceiling)
		timeout = clampDuration(timeout*95/100, c.minTimeout, c.maxTimeout)
	case ratio < dropThreshold:
		conc = clampInt64(conc*8/10, c.minConcurrent, c.ceiling)
		timeout = clampDuration(timeout*12/10, c.minTimeout, c.maxTimeout)
	default:
		return // hold — and leave lastAdjust alone so a shift reacts promptly
	}

	if conc != c.maxConcurrent.Load() || timeout != time.Duration(c.timeoutNanos.Load()) {
		c.logger.Printf("ratio=%.2f -> concurrency=%d timeout=%s", ratio, conc, timeout)
	}
	c.maxConcurrent.Store(conc)
	c.timeoutNanos.Store(int64(timeout))
	c.lastAdjust = now
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
