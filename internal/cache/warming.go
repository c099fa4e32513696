package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kmorten/asset-optimizer/internal/models"
	"github.com/kmorten/asset-optimizer/internal/observability"
)

// VariantFetcher is implemented by the service layer to produce a default
// variant for a source URL. Declared here to avoid a circular dependency on
// the service package.
type VariantFetcher interface {
	GetVariant(ctx context.Context, sourceURL string, width, quality int, accept string) (models.Variant, error)
}

// WarmAsset names a variant to prefetch. Width and Quality select the exact
// cache entry; a zero Width keeps the source dimensions.
type WarmAsset struct {
	URL     string `yaml:"url"`
	Width   int    `yaml:"width"`
	Quality int    `yaml:"quality"`
}

// Warmer prefetches variants for a configured list of assets so first
// visitors after a deploy hit warm cache.
type Warmer struct {
	fetcher VariantFetcher
	logger  *zap.Logger
}

// NewWarmer creates a Warmer that uses the given fetcher and logger.
func NewWarmer(fetcher VariantFetcher, logger *zap.Logger) *Warmer {
	return &Warmer{fetcher: fetcher, logger: logger}
}

// Warm fetches the configured variant for each asset concurrently.
// Returns an aggregated error if any asset failed.
func (w *Warmer) Warm(ctx context.Context, assets []WarmAsset) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming variant cache", zap.Int("assets", len(assets)))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(assets))
	for _, asset := range assets {
		wg.Add(1)
		go func(asset WarmAsset) {
			defer wg.Done()
			_, err := w.fetcher.GetVariant(ctx, asset.URL, asset.Width, asset.Quality, "")
			if err != nil {
				errCh <- fmt.Errorf("warm %s: %w", asset.URL, err)
			}
		}(asset)
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("variant cache warming complete", zap.Int("assets", len(assets)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %v", errs)
	}
	return nil
}

// WarmPeriodic refreshes the configured assets at the given interval until
// ctx is done. The boot-time warm is the caller's responsibility; the first
// refresh happens one interval in. Returns ctx.Err() on cancellation.
func (w *Warmer) WarmPeriodic(ctx context.Context, assets []WarmAsset, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, assets); err != nil && w.logger != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
