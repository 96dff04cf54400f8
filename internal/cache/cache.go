// Package cache memoizes completed scan results keyed on a deterministic
// fingerprint of (target, port set, result-affecting options). Concurrent
// submissions with the same fingerprint share a single probe sweep.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vantagesec/scand/internal/scan"
)

// Fingerprint identifies a scan's logical identity for caching.
type Fingerprint string

// ComputeFingerprint hashes the target address, the ordered port set, and
// the options that change scan output. Options that only affect delivery
// (subscriber identity, stream transport) must not be included.
func ComputeFingerprint(target string, ports *scan.PortSet, allowPrivate bool) Fingerprint {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|private=%t", target, ports.String(), allowPrivate)
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

type entry struct {
	key       Fingerprint
	result    *scan.Result
	size      int
	expiresAt time.Time
}

// ScanCache is a bounded LRU with TTL freshness and at-most-one in-flight
// build per key.
type ScanCache struct {
	mu         sync.Mutex
	entries    map[Fingerprint]*list.Element
	order      *list.List // front = most recent
	inflight   map[Fingerprint]*call
	maxEntries int
	maxValue   int
	defaultTTL time.Duration
	logger     *log.Logger
	now        func() time.Time
}

// call tracks one in-flight build; later callers wait on done.
type call struct {
	done   chan struct{}
	result *scan.Result
	err    error
}

// New builds a scan cache with the given bounds.
func New(maxEntries, maxValue int, ttl time.Duration) *ScanCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &ScanCache{
		entries:    make(map[Fingerprint]*list.Element),
		order:      list.New(),
		inflight:   make(map[Fingerprint]*call),
		maxEntries: maxEntries,
		maxValue:   maxValue,
		defaultTTL: ttl,
		logger:     log.New(log.Writer(), "[ScanCache] ", log.LstdFlags),
		now:        time.Now,
	}
}

// Get returns a fresh cached result, or nil. Stale entries are treated as
// absent and removed.
func (c *ScanCache) Get(key Fingerprint) *scan.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *ScanCache) getLocked(key Fingerprint) *scan.Result {
	el, ok := c.entries[key]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	if c.now().After(e.expiresAt) {
		c.removeLocked(el)
		return nil
	}
	c.order.MoveToFront(el)
	return e.result
}

// Set stores a result. Values larger than the configured max are not stored.
func (c *ScanCache) Set(key Fingerprint, result *scan.Result, ttl time.Duration) {
	size := approxSize(result)
	if c.maxValue > 0 && size > c.maxValue {
		c.logger.Printf("value for %s… too large (%d bytes), not caching", key[:8], size)
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.result = result
		e.size = size
		e.expiresAt = c.now().Add(ttl)
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry{key: key, result: result, size: size, expiresAt: c.now().Add(ttl)})
	c.entries[key] = el

	for len(c.entries) > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
}

// Invalidate drops an entry.
func (c *ScanCache) Invalidate(key Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

func (c *ScanCache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.entries, e.key)
}

// Len reports the current entry count.
func (c *ScanCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Do returns the cached result for key, or runs build exactly once among
// concurrent callers and caches its output. A concurrent Get during a build
// does not observe a partially built value; callers of Do block until the
// build completes and receive the completed result.
func (c *ScanCache) Do(ctx context.Context, key Fingerprint, build func(context.Context) (*scan.Result, error)) (*scan.Result, bool, error) {
	c.mu.Lock()
	if r := c.getLocked(key); r != nil {
		c.mu.Unlock()
		return r, true, nil
	}
	if cl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-cl.done:
			return cl.result, cl.err == nil, cl.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	cl.result, cl.err = build(ctx)

	// Store before releasing the in-flight slot: a caller arriving between
	// the two must find either the slot or the cached entry, never neither.
	if cl.err == nil && cl.result != nil {
		c.Set(key, cl.result, 0)
	}
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(cl.done)

	return cl.result, false, cl.err
}

// approxSize is a cheap value-size estimate: banner and CVE payloads
// dominate, so count those plus a fixed per-port overhead.
func approxSize(r *scan.Result) int {
	size := 256
	for i := range r.OpenPorts {
		p := &r.OpenPorts[i]
		size += 128 + len(p.Banner) + len(p.Service) + len(p.Version)
		for _, id := range p.CVEIDs {
			size += len(id)
		}
	}
	return size
}
