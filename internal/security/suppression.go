package security

import (
	"context"
	"sync"
	"time"
)

// SuppressionCache holds short-lived markers for recent submissions.
type SuppressionCache interface {
	// Reserve sets key for ttl and reports whether it was absent.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryCache is an in-process SuppressionCache for a single device.
type MemoryCache struct {
	mu         sync.Mutex
	now        func() time.Time
	maxEntries int
	entries    map[string]time.Time
}

// NewMemoryCache creates a bounded in-memory cache. now defaults to time.Now.
func NewMemoryCache(maxEntries int, now func() time.Time) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{now: now, maxEntries: maxEntries, entries: make(map[string]time.Time)}
}

// Reserve implements SuppressionCache.
func (c *MemoryCache) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, ok := c.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.cleanupLocked(now)
	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = now.Add(ttl)
	return true, nil
}

// Release implements SuppressionCache.
func (c *MemoryCache) Release(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked(now)
	return len(c.entries)
}

func (c *MemoryCache) cleanupLocked(now time.Time) {
	for key, exp := range c.entries {
		if !now.Before(exp) {
			delete(c.entries, key)
		}
	}
}

func (c *MemoryCache) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, exp := range c.entries {
		if oldestKey == "" || exp.Before(oldest) {
			oldestKey, oldest = key, exp
		}
	}
	delete(c.entries, oldestKey)
}
