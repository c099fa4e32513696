package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kmorten/asset-optimizer/internal/cache"
	"github.com/kmorten/asset-optimizer/internal/models"
	"github.com/kmorten/asset-optimizer/internal/observability"
	"github.com/kmorten/asset-optimizer/internal/origin"
	"github.com/kmorten/asset-optimizer/internal/transform"
)

// VariantService orchestrates variant production using the cache-aside pattern
// with origin fallback: cache lookup, coalesced fetch+transform on miss, stale
// serve when the origin is down.
type VariantService struct {
	fetcher         origin.Fetcher
	cache           cache.Cache
	ttl             time.Duration
	staleTTL        time.Duration // Maximum age for stale cache fallback (0 = disabled)
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // Optional request coalescing (nil if disabled)
}

// NewVariantService creates a VariantService. ttl is the freshness TTL for
// cached variants, staleTTL the maximum age for stale fallback (0 disables).
// coalesceEnabled and coalesceTimeout configure request coalescing (disabled
// when timeout is 0).
func NewVariantService(fetcher origin.Fetcher, c cache.Cache, ttl, staleTTL time.Duration, coalesceEnabled bool, coalesceTimeout time.Duration) *VariantService {
	var coalescer *requestCoalescer
	if coalesceEnabled && coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	return &VariantService{
		fetcher:         fetcher,
		cache:           c,
		ttl:             ttl,
		staleTTL:        staleTTL,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// GetVariant returns the optimized variant for sourceURL at the requested
// width and quality, negotiated against accept. Checks cache first, falls back
// to a coalesced origin fetch + transform on miss, and serves a stale variant
// when the origin fails and a recent enough entry exists.
func (s *VariantService) GetVariant(ctx context.Context, sourceURL string, width, quality int, accept string) (models.Variant, error) {
	key := VariantKey(sourceURL, width, quality, accept)
	start := time.Now()
	logger := loggerFromContext(ctx)

	getStart := time.Now()
	cached, ok, err := s.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
	} else if ok {
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheHitsTotal.WithLabelValues("variant").Inc()
		if logger != nil {
			logger.Debug("variant cache hit", zap.String("key", key))
			logger.Debug("variant served", zap.String("source", sourceURL), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		}
		return cached, nil
	}

	concurrentMisses := s.stampedeTracker.RecordMiss(key)
	defer s.stampedeTracker.RecordHit(key)
	if concurrentMisses > 1 {
		observability.StampedeDetectedTotal.Inc()
	}

	if logger != nil {
		logger.Debug("variant cache miss, producing", zap.String("source", sourceURL), zap.Int("width", width), zap.Int("quality", quality))
	}

	// Coalesce concurrent production of the same variant key.
	var variant models.Variant
	var produceErr error
	if s.coalescer != nil {
		coalesceStart := time.Now()
		variant, produceErr = s.coalescer.GetOrDo(ctx, key, func() (models.Variant, error) {
			return s.produce(ctx, key, sourceURL, width, quality, accept)
		})
		coalesceWait := time.Since(coalesceStart)
		if produceErr == nil {
			// A non-trivial wait means we piggybacked on someone else's fetch.
			if coalesceWait > 10*time.Millisecond {
				observability.CoalescedRequestsTotal.Inc()
			}
			observability.CoalesceWaitSeconds.Observe(coalesceWait.Seconds())
		}
	} else {
		variant, produceErr = s.produce(ctx, key, sourceURL, width, quality, accept)
	}
	if produceErr != nil {
		// Origin or transform failed; try stale cache if enabled.
		if s.staleTTL > 0 {
			stale, ok, staleErr := s.cache.GetStale(ctx, key, s.staleTTL)
			if staleErr == nil && ok {
				staleAge := time.Since(stale.Timestamp)
				observability.StaleServesTotal.Inc()
				observability.StaleAgeSeconds.Observe(staleAge.Seconds())
				stale.Stale = true
				if logger != nil {
					logger.Info("serving stale variant", zap.String("source", sourceURL), zap.Duration("age", staleAge))
				}
				return stale, nil
			}
		}
		return models.Variant{}, fmt.Errorf("produce variant for %s: %w", sourceURL, produceErr)
	}

	setStart := time.Now()
	if setErr := s.cache.Set(ctx, key, variant, s.ttl); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		if logger != nil {
			logger.Warn("variant cache set failed", zap.String("key", key), zap.Error(setErr))
		}
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
	}
	if logger != nil {
		logger.Debug("variant served", zap.String("source", sourceURL), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	}
	return variant, nil
}

// produce fetches the source and runs the transform pipeline.
func (s *VariantService) produce(ctx context.Context, key, sourceURL string, width, quality int, accept string) (models.Variant, error) {
	src, err := s.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		return models.Variant{}, err
	}

	result, err := transform.Process(src.Data, src.ContentType, transform.Options{
		Width:   width,
		Quality: quality,
		Accept:  accept,
	})
	if err != nil {
		return models.Variant{}, err
	}

	return models.Variant{
		Key:         key,
		SourceURL:   sourceURL,
		ContentType: result.ContentType,
		Width:       result.Width,
		Height:      result.Height,
		Quality:     quality,
		ETag:        etagFor(result.Data),
		Data:        result.Data,
		Timestamp:   time.Now(),
	}, nil
}

// VariantKey derives the cache key for a source URL and transform parameters.
// The Accept header collapses to its webp class so the key space does not
// explode across browser header permutations.
func VariantKey(sourceURL string, width, quality int, accept string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|w=%d|q=%d|a=%s", strings.TrimSpace(sourceURL), width, quality, acceptClass(accept))))
	return hex.EncodeToString(sum[:])
}

// acceptClass buckets an Accept header by whether it admits webp, the only
// format whose negotiation outcome differs per client.
func acceptClass(accept string) string {
	if transform.NegotiateContentType(accept, "image/webp") == "image/webp" {
		return "webp"
	}
	return "std"
}

func etagFor(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
