package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kmorten/asset-optimizer/internal/models"
)

// Cache is the variant cache contract. Get returns fresh entries only;
// GetStale also returns expired entries younger than maxStaleAge, used to keep
// serving during origin outages. Set stores a variant with a freshness TTL.
type Cache interface {
	Get(ctx context.Context, key string) (models.Variant, bool, error)
	GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Variant, bool, error)
	Set(ctx context.Context, key string, value models.Variant, ttl time.Duration) error
}

// InMemoryCache implements Cache with a mutex-guarded map. Expired entries are
// retained for stale serving and dropped once older than the stale retention.
type InMemoryCache struct {
	mu             sync.RWMutex
	data           map[string]cacheEntry
	staleRetention time.Duration
}

type cacheEntry struct {
	value     models.Variant
	expiresAt time.Time
}

// NewInMemoryCache creates an in-memory cache retaining expired entries for
// staleRetention (0 disables stale serving entirely).
func NewInMemoryCache(staleRetention time.Duration) *InMemoryCache {
	return &InMemoryCache{
		data:           make(map[string]cacheEntry),
		staleRetention: staleRetention,
	}
}

// Get returns the variant for key if present and not expired.
// Entries past their stale retention are removed on access.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.Variant, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return models.Variant{}, false, nil
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		if now.After(entry.expiresAt.Add(c.staleRetention)) {
			c.mu.Lock()
			delete(c.data, key)
			c.mu.Unlock()
		}
		return models.Variant{}, false, nil
	}

	return entry.value, true, nil
}

// GetStale returns the variant even when expired, as long as it is younger
// than maxStaleAge (measured from the variant timestamp).
func (c *InMemoryCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Variant, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return models.Variant{}, false, nil
	}
	if maxStaleAge > 0 && time.Since(entry.value.Timestamp) > maxStaleAge {
		return models.Variant{}, false, nil
	}
	return entry.value, true, nil
}

// Set stores a variant with the given freshness TTL.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.Variant, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, fresh or stale. For tests and warm metrics.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
