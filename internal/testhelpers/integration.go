//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/kmorten/asset-optimizer/internal/allowlist"
	"github.com/kmorten/asset-optimizer/internal/cache"
	"github.com/kmorten/asset-optimizer/internal/origin"
	"github.com/kmorten/asset-optimizer/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	OriginHost    string // hostname of a reachable image origin
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if INTEGRATION_ORIGIN_HOST is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	originHost := os.Getenv("INTEGRATION_ORIGIN_HOST")
	if originHost == "" {
		t.Skip("INTEGRATION_ORIGIN_HOST not set, skipping integration test")
	}

	cacheBackend := os.Getenv("INTEGRATION_CACHE_BACKEND")
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		OriginHost:    originHost,
		CacheBackend:  cacheBackend,
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationService creates a fully configured service for integration tests.
// Returns variant service, cache instance, and cleanup function.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.VariantService, cache.Cache, func()) {
	fetcher := SetupIntegrationFetcher(t, cfg)

	var cacheSvc cache.Cache
	var cleanup func()

	if cfg.CacheBackend == "memcached" {
		memcachedCache, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2, time.Hour)
		if err == nil {
			cacheSvc = memcachedCache
			cleanup = func() { memcachedCache.Close() }
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("Memcached not available (%v), using in-memory cache", err)
			cacheSvc = cache.NewInMemoryCache(time.Hour)
			cleanup = func() {}
		}
	} else {
		cacheSvc = cache.NewInMemoryCache(time.Hour)
		cleanup = func() {}
	}

	variantService := service.NewVariantService(fetcher, cacheSvc, 5*time.Minute, time.Hour, true, 10*time.Second)

	return variantService, cacheSvc, cleanup
}

// SetupIntegrationFetcher creates an origin client for integration tests,
// allow-listing the configured origin host.
func SetupIntegrationFetcher(t *testing.T, cfg IntegrationTestConfig) origin.Fetcher {
	allow, err := allowlist.New([]allowlist.RemotePattern{
		{Protocol: "https", Hostname: cfg.OriginHost},
		{Protocol: "http", Hostname: cfg.OriginHost},
	})
	if err != nil {
		t.Fatalf("allowlist.New() error = %v", err)
	}
	fetcher, err := origin.NewClient(allow, 5*time.Second, 16<<20, 3, 100*time.Millisecond, 2*time.Second, "")
	if err != nil {
		t.Fatalf("origin.NewClient() error = %v", err)
	}
	return fetcher
}
