// Package cache provides the TTL-bounded dedupe cache for idempotent
// gateway operations.
package cache

import (
	"encoding/json"
	"sync"
	"time"
)

// Entry is a cached prior outcome of an idempotent operation. Payload and
// Error are observe-only copies for callers.
type Entry struct {
	TS      time.Time       `json:"ts"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// DedupeCache maps caller-chosen keys (namespaced per operation class, e.g.
// "chat:{idempotencyKey}") to the outcome previously returned for them.
type DedupeCache struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     time.Duration
	maxSize int
}

// DedupeCacheOptions configures the cache.
type DedupeCacheOptions struct {
	TTL     time.Duration
	MaxSize int
}

// NewDedupeCache creates a new deduplication cache.
func NewDedupeCache(opts DedupeCacheOptions) *DedupeCache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	maxSize := opts.MaxSize
	if maxSize < 0 {
		maxSize = 0
	}
	return &DedupeCache{
		entries: make(map[string]Entry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get returns the live entry for key. Expired entries are evicted on the
// same lookup. Reads never extend the TTL.
func (c *DedupeCache) Get(key string) (Entry, bool) {
	return c.GetAt(key, time.Now())
}

// GetAt is Get with an explicit clock, for tests.
func (c *DedupeCache) GetAt(key string, now time.Time) (Entry, bool) {
	if key == "" {
		return Entry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if now.Sub(entry.TS) >= c.ttl {
		delete(c.entries, key)
		return Entry{}, false
	}
	return entry, true
}

// Set records the outcome for key, overwriting any prior entry.
func (c *DedupeCache) Set(key string, ok bool, payload json.RawMessage, errMsg string) {
	c.SetAt(key, ok, payload, errMsg, time.Now())
}

// SetAt is Set with an explicit clock, for tests.
func (c *DedupeCache) SetAt(key string, ok bool, payload json.RawMessage, errMsg string, now time.Time) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = Entry{TS: now, OK: ok, Payload: payload, Error: errMsg}
	c.pruneLocked(now)
}

// Cleanup evicts all expired entries. Invoked opportunistically by callers.
func (c *DedupeCache) Cleanup() {
	c.CleanupAt(time.Now())
}

// CleanupAt is Cleanup with an explicit clock, for tests.
func (c *DedupeCache) CleanupAt(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if now.Sub(entry.TS) >= c.ttl {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of cached entries, live or not.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// pruneLocked enforces maxSize by evicting the oldest entries first.
func (c *DedupeCache) pruneLocked(now time.Time) {
	if c.maxSize <= 0 || len(c.entries) <= c.maxSize {
		return
	}
	// Expired entries go first.
	for key, entry := range c.entries {
		if now.Sub(entry.TS) >= c.ttl {
			delete(c.entries, key)
		}
	}
	for len(c.entries) > c.maxSize {
		var oldestKey string
		var oldestTS time.Time
		for key, entry := range c.entries {
			if oldestKey == "" || entry.TS.Before(oldestTS) {
				oldestKey = key
				oldestTS = entry.TS
			}
		}
		delete(c.entries, oldestKey)
	}
}
