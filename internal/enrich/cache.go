package enrich

import (
	"strings"
	"sync"
	"time"
)

// CVERecord is one vulnerability hit for a service key.
type CVERecord struct {
	ID   string  `json:"id"`
	CVSS float64 `json:"cvss"`
}

type cacheEntry struct {
	key       string
	records   []CVERecord
	fetchedAt time.Time
	ttl       time.Duration
}

// cveCache is a bounded write-through-locked store keyed on service±version.
// When at capacity the oldest entry by fetch time is evicted first.
type cveCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	order      []string // insertion order, oldest first
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

func newCVECache(maxEntries int, ttl time.Duration) *cveCache {
	if maxEntries <= 0 {
		maxEntries = 512
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &cveCache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

// serviceKey normalizes service and version into the cache key.
func serviceKey(service, version string) string {
	k := strings.ToLower(strings.TrimSpace(service))
	if v := strings.TrimSpace(version); v != "" {
		k += " " + strings.ToLower(v)
	}
	return k
}

func (c *cveCache) get(key string) ([]CVERecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.fetchedAt) > e.ttl {
		delete(c.entries, key)
		c.dropFromOrder(key)
		return nil, false
	}
	return e.records, true
}

func (c *cveCache) set(key string, records []CVERecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.dropFromOrder(key)
	}
	c.entries[key] = &cacheEntry{key: key, records: records, fetchedAt: c.now(), ttl: c.ttl}
	c.order = append(c.order, key)

	for len(c.entries) > c.maxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

func (c *cveCache) dropFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *cveCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
