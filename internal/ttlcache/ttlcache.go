// Package ttlcache is an in-process fallback for the Push/Change
// Ingestor's inflight dedupe set when no Redis address is configured,
// per SPEC_FULL §4.12.
package ttlcache

import (
	"sync"
	"time"
)

// Cache is a mutex-guarded set of keys with independent TTLs.
type Cache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

// New creates a Cache whose entries expire after ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[string]time.Time), ttl: ttl}
}

// SeenRecently reports whether key is present and unexpired, and records
// it as seen (now) when it is not — an atomic check-and-set.
func (c *Cache) SeenRecently(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.entries[key]; ok && now.Before(expiry) {
		return true
	}
	c.entries[key] = now.Add(c.ttl)
	return false
}

// Purge removes expired entries; call periodically to bound memory.
func (c *Cache) Purge() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, k)
		}
	}
}
