package http

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kmorten/asset-optimizer/internal/cache"
	"github.com/kmorten/asset-optimizer/internal/models"
	"github.com/kmorten/asset-optimizer/internal/origin"
	"github.com/kmorten/asset-optimizer/internal/service"
)

func benchPNG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 180, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func setupBenchmarkHandler(c cache.Cache) *Handler {
	fetcher := &stubFetcher{img: origin.Image{
		URL:         "https://cdn.example.com/hero.png",
		ContentType: "image/png",
		Data:        benchPNG(200, 100),
	}}
	svc := service.NewVariantService(fetcher, c, 5*time.Minute, time.Hour, false, 0)
	return NewHandler(
		svc,
		fetcher,
		nil,
		"/fonts/files",
		testHealthConfig(),
		zap.NewNop(),
		nil,
		Limits{MaxURLLength: 2048, MaxWidth: 3840, DefaultQuality: 75},
		time.Hour,
	)
}

// BenchmarkGetImage_CacheHit measures the serve path when the variant is
// already cached.
func BenchmarkGetImage_CacheHit(b *testing.B) {
	c := cache.NewInMemoryCache(time.Hour)
	key := service.VariantKey("https://cdn.example.com/hero.png", 100, 75, "image/png")
	_ = c.Set(context.Background(), key, models.Variant{
		Key:         key,
		ContentType: "image/png",
		Width:       100,
		Height:      50,
		ETag:        "bench",
		Data:        benchPNG(100, 50),
		Timestamp:   time.Now(),
	}, time.Hour)
	h := setupBenchmarkHandler(c)

	req := httptest.NewRequest(http.MethodGet, "/image?url=https://cdn.example.com/hero.png&w=100", nil)
	req.Header.Set("Accept", "image/png")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rr := httptest.NewRecorder()
		h.GetImage(rr, req)
	}
}

// BenchmarkGetImage_CacheMiss measures the full decode, resize and encode
// path on every request.
func BenchmarkGetImage_CacheMiss(b *testing.B) {
	h := setupBenchmarkHandler(passthroughCache{})

	req := httptest.NewRequest(http.MethodGet, "/image?url=https://cdn.example.com/hero.png&w=100", nil)
	req.Header.Set("Accept", "image/png")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rr := httptest.NewRecorder()
		h.GetImage(rr, req)
	}
}

// BenchmarkGetHealth measures the health handler with its window scans.
func BenchmarkGetHealth(b *testing.B) {
	h := setupBenchmarkHandler(cache.NewInMemoryCache(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rr := httptest.NewRecorder()
		h.GetHealth(rr, req)
	}
}

// passthroughCache never stores, forcing the miss path on every request.
type passthroughCache struct{}

func (passthroughCache) Get(ctx context.Context, key string) (models.Variant, bool, error) {
	return models.Variant{}, false, nil
}

func (passthroughCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Variant, bool, error) {
	return models.Variant{}, false, nil
}

func (passthroughCache) Set(ctx context.Context, key string, value models.Variant, ttl time.Duration) error {
	return nil
}
