// Package cache holds remote job results for a short, fixed window so
// progress polls do not hit the processing endpoint every time.
package cache

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTTL is the expiry window applied when New is given a non-positive TTL.
const DefaultTTL = 30 * time.Minute

// Entry is one cached remote payload.
type Entry struct {
	JobID      string          `json:"jobId"`
	Payload    json.RawMessage `json:"payload"`
	InsertedAt time.Time       `json:"insertedAt"`

	// ttl overrides the cache-wide TTL when positive.
	ttl time.Duration
}

// Stats contains cache performance statistics.
type Stats struct {
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Evicted int64   `json:"evicted"`
	HitRate float64 `json:"hit_rate"`
}

// ResultCache is a concurrency-safe map of job results with TTL expiry
// measured from insertion. Reads never extend an entry's lifetime and there
// is no size bound; expired entries leave on Get or SweepExpired.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration
	hits    atomic.Int64
	misses  atomic.Int64
	evicted atomic.Int64

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a ResultCache with the given TTL.
func New(ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResultCache{
		entries: make(map[string]Entry),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// WithClock replaces the clock. Intended for tests.
func (c *ResultCache) WithClock(now func() time.Time) *ResultCache {
	c.nowFunc = now
	return c
}

// TTL returns the configured expiry window.
func (c *ResultCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the payload for jobID if present and not expired.
func (c *ResultCache) Get(jobID string) (json.RawMessage, bool) {
	entry, ok := c.Lookup(jobID)
	if !ok {
		return nil, false
	}
	return entry.Payload, true
}

// Lookup is Get returning the whole entry.
func (c *ResultCache) Lookup(jobID string) (Entry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[jobID]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return Entry{}, false
	}

	if c.expired(entry) {
		c.mu.Lock()
		// Re-check: a concurrent Set may have replaced it.
		if cur, still := c.entries[jobID]; still && c.expired(cur) {
			delete(c.entries, jobID)
			c.evicted.Add(1)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return Entry{}, false
	}

	c.hits.Add(1)
	return entry, true
}

// Set stores payload under jobID, replacing any previous entry.
func (c *ResultCache) Set(jobID string, payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[jobID] = Entry{
		JobID:      jobID,
		Payload:    payload,
		InsertedAt: c.nowFunc(),
	}
}

// SetWithTTL is Set with an entry-specific expiry window. A non-positive ttl
// falls back to the cache-wide TTL.
func (c *ResultCache) SetWithTTL(jobID string, payload json.RawMessage, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[jobID] = Entry{
		JobID:      jobID,
		Payload:    payload,
		InsertedAt: c.nowFunc(),
		ttl:        ttl,
	}
}

// Delete removes jobID from the cache.
func (c *ResultCache) Delete(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, jobID)
}

// SweepExpired removes every expired entry and returns how many were removed.
func (c *ResultCache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, entry := range c.entries {
		if c.expired(entry) {
			delete(c.entries, id)
			n++
		}
	}
	c.evicted.Add(int64(n))
	return n
}

// Len returns the number of stored entries, expired or not.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns current cache statistics.
func (c *ResultCache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Entries: c.Len(),
		Hits:    hits,
		Misses:  misses,
		Evicted: c.evicted.Load(),
		HitRate: rate,
	}
}

func (c *ResultCache) expired(e Entry) bool {
	ttl := c.ttl
	if e.ttl > 0 {
		ttl = e.ttl
	}
	return c.nowFunc().Sub(e.InsertedAt) >= ttl
}
