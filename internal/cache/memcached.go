package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kmorten/asset-optimizer/internal/models"
)

const keyPrefix = "variant:"

// maxItemBytes is the memcached default item size limit. Larger variants are
// not cached; the request is still served.
const maxItemBytes = 1 << 20

// envelope wraps a variant with its logical expiry so stale reads survive past
// the freshness TTL: the memcached item TTL is freshness + stale retention.
type envelope struct {
	Variant   models.Variant `json:"variant"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client         *memcache.Client
	staleRetention time.Duration
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and
// maxIdleConns configure the client; both use package defaults if zero.
// staleRetention extends item lifetime past freshness for stale serving.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, staleRetention time.Duration) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client, staleRetention: staleRetention}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedCache) key(k string) string {
	return keyPrefix + k
}

// Get implements Cache.Get. Returns false, nil on cache miss and on entries
// past their logical freshness; false, err on transport errors.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.Variant, bool, error) {
	env, ok, err := c.fetch(ctx, key)
	if err != nil || !ok {
		return models.Variant{}, false, err
	}
	if time.Now().After(env.ExpiresAt) {
		return models.Variant{}, false, nil
	}
	return env.Variant, true, nil
}

// GetStale implements Cache.GetStale. Entries survive in memcached for the
// stale retention window past freshness.
func (c *MemcachedCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Variant, bool, error) {
	env, ok, err := c.fetch(ctx, key)
	if err != nil || !ok {
		return models.Variant{}, false, err
	}
	if maxStaleAge > 0 && time.Since(env.Variant.Timestamp) > maxStaleAge {
		return models.Variant{}, false, nil
	}
	return env.Variant, true, nil
}

func (c *MemcachedCache) fetch(ctx context.Context, key string) (envelope, bool, error) {
	if ctx.Err() != nil {
		return envelope{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return envelope{}, false, nil
		}
		return envelope{}, false, err
	}
	var env envelope
	if err := json.Unmarshal(item.Value, &env); err != nil {
		return envelope{}, false, err
	}
	return env, true, nil
}

// Set implements Cache.Set. Variants above the memcached item limit are
// silently skipped; callers still hold the variant and serve it.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.Variant, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(envelope{
		Variant:   value,
		ExpiresAt: time.Now().Add(ttl),
	})
	if err != nil {
		return err
	}
	if len(raw) > maxItemBytes {
		return nil
	}
	expSec := int32((ttl + c.staleRetention).Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // 30 days
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 3600 // fallback 1h if invalid
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expSec,
	})
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
