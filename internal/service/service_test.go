package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kmorten/asset-optimizer/internal/models"
	"github.com/kmorten/asset-optimizer/internal/origin"
)

// pngBytes renders a solid-color PNG of the given dimensions for use as
// origin payloads in tests.
func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

type mockFetcher struct {
	img      origin.Image
	err      error
	probeErr error
	calls    int64
}

func (m *mockFetcher) Fetch(ctx context.Context, rawURL string) (origin.Image, error) {
	atomic.AddInt64(&m.calls, 1)
	return m.img, m.err
}

func (m *mockFetcher) Probe(ctx context.Context) error {
	return m.probeErr
}

type mockCache struct {
	data      map[string]models.Variant
	staleData map[string]models.Variant // Expired entries available for stale retrieval
	err       error
}

func (m *mockCache) Get(ctx context.Context, key string) (models.Variant, bool, error) {
	if m.err != nil {
		return models.Variant{}, false, m.err
	}
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *mockCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Variant, bool, error) {
	if m.err != nil {
		return models.Variant{}, false, m.err
	}
	if m.staleData != nil {
		if stale, ok := m.staleData[key]; ok {
			if time.Since(stale.Timestamp) <= maxStaleAge {
				return stale, true, nil
			}
		}
	}
	return m.Get(ctx, key)
}

func (m *mockCache) Set(ctx context.Context, key string, value models.Variant, ttl time.Duration) error {
	if m.err != nil {
		return m.err
	}
	if m.data == nil {
		m.data = make(map[string]models.Variant)
	}
	m.data[key] = value
	return nil
}

// TestVariantKey verifies key derivation is stable, parameter-sensitive, and
// collapses Accept headers by webp class only.
func TestVariantKey(t *testing.T) {
	base := VariantKey("https://cdn.example.com/a.png", 640, 75, "")

	if got := VariantKey("https://cdn.example.com/a.png", 640, 75, ""); got != base {
		t.Errorf("VariantKey not stable: %q vs %q", got, base)
	}
	if got := VariantKey("https://cdn.example.com/a.png", 320, 75, ""); got == base {
		t.Error("VariantKey ignores width")
	}
	if got := VariantKey("https://cdn.example.com/a.png", 640, 50, ""); got == base {
		t.Error("VariantKey ignores quality")
	}
	if got := VariantKey("https://cdn.example.com/b.png", 640, 75, ""); got == base {
		t.Error("VariantKey ignores source URL")
	}
	if got := VariantKey("  https://cdn.example.com/a.png ", 640, 75, ""); got != base {
		t.Error("VariantKey does not trim source URL whitespace")
	}

	// Accept headers collapse to two key classes: webp-admitting and not.
	jpegAccept := VariantKey("https://cdn.example.com/a.png", 640, 75, "image/jpeg")
	pngAccept := VariantKey("https://cdn.example.com/a.png", 640, 75, "image/png")
	anyAccept := VariantKey("https://cdn.example.com/a.png", 640, 75, "*/*")
	webpAccept := VariantKey("https://cdn.example.com/a.png", 640, 75, "image/webp,image/jpeg")
	if jpegAccept != pngAccept {
		t.Error("non-webp Accept headers should share the std key class")
	}
	if jpegAccept == base {
		// empty Accept admits everything including webp
		t.Error("non-webp Accept should not share the webp key class")
	}
	if anyAccept != base || webpAccept != base {
		t.Error("all webp-admitting Accept headers should share one key")
	}
}

// TestAcceptClass verifies Accept header bucketing.
func TestAcceptClass(t *testing.T) {
	tests := []struct {
		name   string
		accept string
		want   string
	}{
		{name: "empty accepts everything", accept: "", want: "webp"},
		{name: "wildcard", accept: "*/*", want: "webp"},
		{name: "image wildcard", accept: "image/*", want: "webp"},
		{name: "explicit webp", accept: "image/webp,image/png", want: "webp"},
		{name: "jpeg only", accept: "image/jpeg", want: "std"},
		{name: "png only", accept: "image/png;q=0.9", want: "std"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := acceptClass(tc.accept); got != tc.want {
				t.Fatalf("acceptClass(%q) = %q, want %q", tc.accept, got, tc.want)
			}
		})
	}
}

// TestVariantService_GetVariant_CacheHit verifies that a cached variant is
// returned without touching the origin.
func TestVariantService_GetVariant_CacheHit(t *testing.T) {
	key := VariantKey("https://cdn.example.com/hero.png", 640, 75, "image/jpeg")
	cached := models.Variant{
		Key:         key,
		SourceURL:   "https://cdn.example.com/hero.png",
		ContentType: "image/png",
		Width:       640,
		Height:      480,
		Quality:     75,
		ETag:        "abc123",
		Data:        []byte{1, 2, 3},
		Timestamp:   time.Now(),
	}

	fetcher := &mockFetcher{err: errors.New("origin must not be called")}
	c := &mockCache{data: map[string]models.Variant{key: cached}}

	svc := NewVariantService(fetcher, c, 5*time.Minute, 0, false, 0)

	got, err := svc.GetVariant(context.Background(), "https://cdn.example.com/hero.png", 640, 75, "image/jpeg")
	if err != nil {
		t.Fatalf("GetVariant() error = %v, want nil", err)
	}
	if got.ETag != cached.ETag {
		t.Errorf("GetVariant().ETag = %q, want %q", got.ETag, cached.ETag)
	}
	if atomic.LoadInt64(&fetcher.calls) != 0 {
		t.Errorf("origin Fetch called %d times on cache hit, want 0", fetcher.calls)
	}
}

// TestVariantService_GetVariant_CacheMiss_Produce verifies that a miss fetches
// from the origin, transforms, populates the cache, and returns the variant.
func TestVariantService_GetVariant_CacheMiss_Produce(t *testing.T) {
	src := pngBytes(t, 100, 80)
	fetcher := &mockFetcher{
		img: origin.Image{URL: "https://cdn.example.com/hero.png", ContentType: "image/png", Data: src},
	}
	c := &mockCache{data: make(map[string]models.Variant)}

	svc := NewVariantService(fetcher, c, 5*time.Minute, 0, false, 0)

	got, err := svc.GetVariant(context.Background(), "https://cdn.example.com/hero.png", 50, 75, "image/png")
	if err != nil {
		t.Fatalf("GetVariant() error = %v, want nil", err)
	}
	if got.Width != 50 {
		t.Errorf("GetVariant().Width = %d, want 50", got.Width)
	}
	if got.Height != 40 {
		t.Errorf("GetVariant().Height = %d, want 40 (aspect preserved)", got.Height)
	}
	if got.ContentType != "image/png" {
		t.Errorf("GetVariant().ContentType = %q, want image/png", got.ContentType)
	}
	if got.ETag == "" {
		t.Error("GetVariant().ETag is empty")
	}
	if got.Stale {
		t.Error("GetVariant().Stale = true, want false")
	}

	key := VariantKey("https://cdn.example.com/hero.png", 50, 75, "image/png")
	if _, ok, _ := c.Get(context.Background(), key); !ok {
		t.Error("cache was not populated after produce")
	}
}

// TestVariantService_GetVariant_NoUpscale verifies that a width larger than
// the source keeps the source dimensions.
func TestVariantService_GetVariant_NoUpscale(t *testing.T) {
	src := pngBytes(t, 100, 80)
	fetcher := &mockFetcher{
		img: origin.Image{ContentType: "image/png", Data: src},
	}
	c := &mockCache{data: make(map[string]models.Variant)}

	svc := NewVariantService(fetcher, c, 5*time.Minute, 0, false, 0)

	got, err := svc.GetVariant(context.Background(), "https://cdn.example.com/hero.png", 4000, 75, "image/png")
	if err != nil {
		t.Fatalf("GetVariant() error = %v, want nil", err)
	}
	if got.Width != 100 || got.Height != 80 {
		t.Errorf("GetVariant() dimensions = %dx%d, want 100x80 (no upscale)", got.Width, got.Height)
	}
}

// TestVariantService_GetVariant_OriginFailure verifies that origin errors
// propagate when no stale entry exists.
func TestVariantService_GetVariant_OriginFailure(t *testing.T) {
	fetcher := &mockFetcher{err: origin.ErrUpstreamFailure}
	c := &mockCache{data: make(map[string]models.Variant)}

	svc := NewVariantService(fetcher, c, 5*time.Minute, 0, false, 0)

	_, err := svc.GetVariant(context.Background(), "https://cdn.example.com/hero.png", 640, 75, "")
	if err == nil {
		t.Fatal("GetVariant() error = nil, want error")
	}
	if !errors.Is(err, origin.ErrUpstreamFailure) {
		t.Errorf("GetVariant() error = %v, want ErrUpstreamFailure", err)
	}
}

// TestVariantService_GetVariant_CacheGetError verifies that a failing cache
// read falls through to production instead of failing the request.
func TestVariantService_GetVariant_CacheGetError(t *testing.T) {
	src := pngBytes(t, 60, 60)
	fetcher := &mockFetcher{
		img: origin.Image{ContentType: "image/png", Data: src},
	}
	c := &mockCache{err: errors.New("cache error")}

	svc := NewVariantService(fetcher, c, 5*time.Minute, 0, false, 0)

	got, err := svc.GetVariant(context.Background(), "https://cdn.example.com/hero.png", 30, 75, "image/png")
	if err != nil {
		t.Fatalf("GetVariant() error = %v, want nil (should fall through to origin)", err)
	}
	if got.Width != 30 {
		t.Errorf("GetVariant().Width = %d, want 30", got.Width)
	}
}

// TestVariantService_GetVariant_StaleFallback verifies that a stale variant is
// served with the Stale flag set when the origin fails.
func TestVariantService_GetVariant_StaleFallback(t *testing.T) {
	key := VariantKey("https://cdn.example.com/hero.png", 640, 75, "image/jpeg")
	stale := models.Variant{
		Key:         key,
		ContentType: "image/png",
		Width:       640,
		Height:      480,
		ETag:        "stale123",
		Data:        []byte{9, 9, 9},
		Timestamp:   time.Now().Add(-30 * time.Minute),
	}

	fetcher := &mockFetcher{err: origin.ErrUpstreamFailure}
	c := &mockCache{staleData: map[string]models.Variant{key: stale}}

	svc := NewVariantService(fetcher, c, 5*time.Minute, 1*time.Hour, false, 0)

	got, err := svc.GetVariant(context.Background(), "https://cdn.example.com/hero.png", 640, 75, "image/jpeg")
	if err != nil {
		t.Fatalf("GetVariant() error = %v, want nil (stale served)", err)
	}
	if !got.Stale {
		t.Error("GetVariant().Stale = false, want true")
	}
	if got.ETag != stale.ETag {
		t.Errorf("GetVariant().ETag = %q, want %q", got.ETag, stale.ETag)
	}
}

// TestVariantService_GetVariant_StaleDisabled verifies that stale fallback is
// skipped when staleTTL is zero.
func TestVariantService_GetVariant_StaleDisabled(t *testing.T) {
	key := VariantKey("https://cdn.example.com/hero.png", 640, 75, "image/jpeg")
	stale := models.Variant{
		Key:       key,
		Timestamp: time.Now().Add(-30 * time.Minute),
	}

	fetcher := &mockFetcher{err: origin.ErrUpstreamFailure}
	c := &mockCache{staleData: map[string]models.Variant{key: stale}}

	svc := NewVariantService(fetcher, c, 5*time.Minute, 0, false, 0)

	_, err := svc.GetVariant(context.Background(), "https://cdn.example.com/hero.png", 640, 75, "image/jpeg")
	if err == nil {
		t.Fatal("GetVariant() error = nil, want error (stale fallback disabled)")
	}
}

// TestVariantService_GetVariant_Coalesced verifies that concurrent requests
// for the same variant key result in a single origin fetch.
func TestVariantService_GetVariant_Coalesced(t *testing.T) {
	src := pngBytes(t, 100, 80)
	fetcher := &mockFetcher{
		img: origin.Image{ContentType: "image/png", Data: src},
	}
	c := &mockCache{data: make(map[string]models.Variant)}

	svc := NewVariantService(fetcher, c, 5*time.Minute, 0, true, 5*time.Second)

	const concurrency = 8
	results := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			_, err := svc.GetVariant(context.Background(), "https://cdn.example.com/hero.png", 50, 75, "image/png")
			results <- err
		}()
	}
	for i := 0; i < concurrency; i++ {
		if err := <-results; err != nil {
			t.Fatalf("GetVariant() error = %v, want nil", err)
		}
	}

	// Coalescing plus cache hits should keep fetch count well below the
	// request count; exact count depends on scheduling.
	if calls := atomic.LoadInt64(&fetcher.calls); calls >= concurrency {
		t.Errorf("origin fetched %d times for %d concurrent requests, want fewer", calls, concurrency)
	}
}
