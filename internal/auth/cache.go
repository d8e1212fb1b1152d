package auth

import (
	"sync"
	"time"
)

type grantEntry struct {
	roles       []string
	permissions []string
	expiresAt   time.Time
}

func (e *grantEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// grantCache is a thread-safe in-process cache for a subject's resolved
// roles and permissions. Entries expire after a short TTL so revocations
// take effect within one cache window.
type grantCache struct {
	mu      sync.RWMutex
	entries map[string]*grantEntry
	ttl     time.Duration
}

func newGrantCache(ttl time.Duration) *grantCache {
	if ttl <= 0 || ttl > 60*time.Second {
		ttl = 60 * time.Second
	}
	return &grantCache{
		entries: make(map[string]*grantEntry),
		ttl:     ttl,
	}
}

func (c *grantCache) get(sub string) (*grantEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[sub]
	if !ok || e.expired() {
		return nil, false
	}
	return e, true
}

// set caches a subject's grants. Expired entries of other subjects are
// swept opportunistically once the map grows past the threshold, keeping
// the cache bounded without a janitor goroutine.
const grantCacheSweepAt = 1024

func (c *grantCache) set(sub string, roles, permissions []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= grantCacheSweepAt {
		c.evictExpired()
	}
	c.entries[sub] = &grantEntry{
		roles:       roles,
		permissions: permissions,
		expiresAt:   time.Now().Add(c.ttl),
	}
}

func (c *grantCache) invalidate(sub string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sub)
}

// evictExpired removes all expired entries. Caller holds mu.
func (c *grantCache) evictExpired() {
	for k, e := range c.entries {
		if e.expired() {
			delete(c.entries, k)
		}
	}
}
