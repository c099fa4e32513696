package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kmorten/asset-optimizer/internal/allowlist"
	"github.com/kmorten/asset-optimizer/internal/degraded"
	"github.com/kmorten/asset-optimizer/internal/fonts"
	"github.com/kmorten/asset-optimizer/internal/idle"
	"github.com/kmorten/asset-optimizer/internal/lifecycle"
	"github.com/kmorten/asset-optimizer/internal/observability"
	"github.com/kmorten/asset-optimizer/internal/origin"
	"github.com/kmorten/asset-optimizer/internal/overload"
	"github.com/kmorten/asset-optimizer/internal/service"
	"github.com/kmorten/asset-optimizer/internal/traffic"
	"github.com/kmorten/asset-optimizer/internal/transform"
	"github.com/kmorten/asset-optimizer/internal/validation"
)

// fontFileMaxAge is the Cache-Control lifetime for immutable font binaries.
const fontFileMaxAge = 365 * 24 * time.Hour

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	RateLimitRPS           int
	RateLimitBurst         int // 0 when rate limiter disabled
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	DegradedRetryInitial   time.Duration
	DegradedRetryMax       time.Duration
	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
	StartTime              time.Time
	// CachePing, when set, is called to check cache reachability. Used for the
	// memcached and object-store backends.
	CachePing func() error
}

// Limits bounds image request parameters, from config.
type Limits struct {
	MaxURLLength   int
	MaxWidth       int
	DefaultQuality int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	variants         *service.VariantService
	fetcher          origin.Fetcher
	fontRegistry     *fonts.Registry
	fontURLPrefix    string
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	limits           Limits
	cacheMaxAge      time.Duration
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. fontRegistry may be nil when font hosting
// is disabled.
func NewHandler(
	variants *service.VariantService,
	fetcher origin.Fetcher,
	fontRegistry *fonts.Registry,
	fontURLPrefix string,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
	limits Limits,
	cacheMaxAge time.Duration,
) *Handler {
	return &Handler{
		variants:      variants,
		fetcher:       fetcher,
		fontRegistry:  fontRegistry,
		fontURLPrefix: fontURLPrefix,
		healthConfig:  healthConfig,
		logger:        logger,
		rateLimiter:   rateLimiter,
		limits:        limits,
		cacheMaxAge:   cacheMaxAge,
	}
}

// GetImage handles GET /image?url=&w=&q=.
func (h *Handler) GetImage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params, err := validation.ValidateImageParams(
		q.Get("url"), q.Get("w"), q.Get("q"),
		h.limits.MaxURLLength, h.limits.MaxWidth, h.limits.DefaultQuality,
	)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	idle.RecordRequest()
	variant, err := h.variants.GetVariant(r.Context(), params.URL, params.Width, params.Quality, r.Header.Get("Accept"))
	if err != nil {
		h.writeImageError(w, r, err)
		return
	}
	degraded.RecordSuccess()

	etag := `"` + variant.ETag + `"`
	w.Header().Set("Content-Type", variant.ContentType)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d, immutable", int(h.cacheMaxAge.Seconds())))
	w.Header().Set("ETag", etag)
	w.Header().Set("Vary", "Accept")
	w.Header().Set("X-Image-Width", strconv.Itoa(variant.Width))
	w.Header().Set("X-Image-Height", strconv.Itoa(variant.Height))
	if variant.Stale {
		w.Header().Set("X-Cache", "stale")
	}

	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(variant.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(variant.Data)
	observability.ImageResponseBytes.Observe(float64(len(variant.Data)))
}

// writeImageError maps pipeline errors to response codes. Origin availability
// problems count toward the degraded state; caller mistakes do not.
func (h *Handler) writeImageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, allowlist.ErrOriginDenied), errors.Is(err, allowlist.ErrUnsupportedScheme):
		writeError(w, r, http.StatusForbidden, "ORIGIN_DENIED", "source URL does not match any allowed remote pattern")
	case errors.Is(err, origin.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "SOURCE_NOT_FOUND", "source image not found at origin")
	case errors.Is(err, origin.ErrTooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, "SOURCE_TOO_LARGE", "source image exceeds the configured size limit")
	case errors.Is(err, origin.ErrUnsupportedFormat), errors.Is(err, transform.ErrDecode):
		writeError(w, r, http.StatusUnsupportedMediaType, "UNSUPPORTED_FORMAT", "source is not a supported image format")
	default:
		degraded.RecordError()
		degraded.NotifyDegraded()
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "unable to fetch source image")
		if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
			logger.Debug("image pipeline error", zap.Error(err), zap.String("category", string(origin.CategorizeError(err))))
		}
		return
	}
}

// GetFontCSS handles GET /fonts/css[?family=a,b].
func (h *Handler) GetFontCSS(w http.ResponseWriter, r *http.Request) {
	if h.fontRegistry == nil {
		writeError(w, r, http.StatusNotFound, "FONTS_DISABLED", "font hosting is not configured")
		return
	}
	idle.RecordRequest()

	var names []string
	if raw := strings.TrimSpace(r.URL.Query().Get("family")); raw != "" {
		for _, n := range strings.Split(raw, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}

	css, err := h.fontRegistry.CSS(h.fontURLPrefix, names)
	if err != nil {
		if errors.Is(err, fonts.ErrUnknownFamily) {
			writeError(w, r, http.StatusNotFound, "UNKNOWN_FAMILY", err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to render font css")
		return
	}

	observability.FontServesTotal.WithLabelValues("css").Inc()
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(h.cacheMaxAge.Seconds())))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(css))
}

// GetFontFile handles GET /fonts/files/{name}.
func (h *Handler) GetFontFile(w http.ResponseWriter, r *http.Request) {
	if h.fontRegistry == nil {
		writeError(w, r, http.StatusNotFound, "FONTS_DISABLED", "font hosting is not configured")
		return
	}
	idle.RecordRequest()

	name := mux.Vars(r)["name"]
	path, contentType, err := h.fontRegistry.FilePath(name)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "UNKNOWN_FONT_FILE", "font file not found")
		return
	}

	observability.FontServesTotal.WithLabelValues("file").Inc()
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d, immutable", int(fontFileMaxAge.Seconds())))
	w.Header().Set("Access-Control-Allow-Origin", "*")
	http.ServeFile(w, r, path)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.status == "degraded" {
		checks["origin"] = "unhealthy"
	} else {
		checks["origin"] = "healthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "asset-optimizer",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus determines the current health status by evaluating
// conditions in priority order: shutting-down > origin probe failure >
// overloaded > idle > degraded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	// Priority 1: Check if service is shutting down
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	// Priority 2: If no health config, only probe the origin path
	if h.healthConfig == nil {
		if err := h.fetcher.Probe(ctx); err != nil {
			return healthResult{"degraded", http.StatusServiceUnavailable, "origin_probe_failed"}
		}
		return healthResult{"healthy", http.StatusOK, ""}
	}
	// Priority 3: Probe the origin path (no-op when no probe asset configured)
	if err := h.fetcher.Probe(ctx); err != nil {
		return healthResult{"degraded", http.StatusServiceUnavailable, "origin_probe_failed"}
	}
	// Priority 4: Check overload threshold (rate limit denials exceed configured percentage)
	threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
	if float64(overload.RequestCount(h.healthConfig.OverloadWindow)) > threshold {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
	}
	// Priority 5: Check idle conditions (only if uptime exceeds minimum lifespan)
	if h.healthConfig.IdleWindow > 0 && h.healthConfig.MinimumLifespan > 0 && time.Since(h.healthConfig.StartTime) >= h.healthConfig.MinimumLifespan {
		if idle.RequestCount(h.healthConfig.IdleWindow) < h.healthConfig.IdleThresholdReqPerMin {
			return healthResult{"idle", http.StatusOK, "low_traffic"}
		}
	}
	// Priority 6: Check degraded state (error rate exceeds configured threshold)
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errCount, total := degraded.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errCount) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// etagMatches reports whether the If-None-Match header admits the given etag.
func etagMatches(header, etag string) bool {
	if strings.TrimSpace(header) == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code,
// message, and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// GetTestStatus handles GET /test. Returns current simulated state.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	errCount, _ := degraded.ErrorRate(window)

	cfg := make(map[string]interface{})
	if h.healthConfig != nil {
		overloadThreshold := 0
		if h.healthConfig.RateLimitRPS > 0 {
			overloadThreshold = int(float64(h.healthConfig.RateLimitRPS) *
				h.healthConfig.OverloadWindow.Seconds() *
				float64(h.healthConfig.OverloadThresholdPct) / 100)
		}
		cfg["rate_limit_rps"] = h.healthConfig.RateLimitRPS
		cfg["rate_limit_burst"] = h.healthConfig.RateLimitBurst
		cfg["overload_threshold"] = overloadThreshold
		cfg["overload_window_seconds"] = h.healthConfig.OverloadWindow.Seconds()
		cfg["degraded_error_pct"] = h.healthConfig.DegradedErrorPct
	}

	resp := map[string]interface{}{
		"total_requests_in_window":  overload.RequestCount(window),
		"denied_requests_in_window": overload.DenialCount(window),
		"errors_in_window":          errCount,
		"window_length":             window.String(),
		"auto_clear":                !degraded.IsRecoveryDisabled(),
		"config":                    cfg,
	}
	writeJSON(w, http.StatusOK, resp)
}

// PostTestAction handles POST /test/{action} for load, error, reset, shutdown,
// prevent_clear, fail_clear, clear.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	switch action {
	case "load":
		h.postTestLoad(w, r)
	case "error":
		h.postTestError(w, r)
	case "reset":
		h.postTestReset(w, r)
	case "shutdown":
		h.postTestShutdown(w, r)
	case "prevent_clear":
		h.postTestPreventClear(w, r)
	case "fail_clear":
		h.postTestFailClear(w, r)
	case "clear":
		h.postTestClear(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
	}
}

// postTestLoad simulates load by recording the specified number of requests,
// respecting rate limits if configured.
func (h *Handler) postTestLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		body.Count = 10
	}
	var accepted, denied int
	if h.rateLimiter != nil {
		for i := 0; i < body.Count; i++ {
			if h.rateLimiter.Allow() {
				traffic.RecordSuccess()
				idle.RecordRequest()
				accepted++
			} else {
				overload.RecordDenial()
				observability.RateLimitDeniedTotal.Inc()
				denied++
			}
		}
	} else {
		traffic.RecordSuccessN(body.Count)
		for i := 0; i < body.Count; i++ {
			idle.RecordRequest()
		}
		accepted = body.Count
	}
	result := h.computeHealthStatus(r.Context())
	msg := "Recorded " + strconv.Itoa(accepted) + " accepted"
	if denied > 0 {
		msg += ", " + strconv.Itoa(denied) + " denied"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"action":   "load",
		"message":  msg,
		"state":    result.status,
		"accepted": accepted,
		"denied":   denied,
	})
}

// postTestError simulates errors by recording the specified number of error events.
func (h *Handler) postTestError(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		body.Count = 1
	}
	traffic.RecordErrorN(body.Count)
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	errCount, total := degraded.ErrorRate(window)
	pct := 0
	if total > 0 {
		pct = errCount * 100 / total
	}
	result := h.computeHealthStatus(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"action":         "error",
		"message":        "Recorded " + strconv.Itoa(body.Count) + " errors",
		"state":          result.status,
		"error_rate_pct": pct,
	})
}

// postTestReset clears all simulated state including overload, degraded, idle
// tracking, recovery overrides, and shutdown flag.
func (h *Handler) postTestReset(w http.ResponseWriter, r *http.Request) {
	overload.Reset()
	degraded.Reset()
	idle.Reset()
	degraded.ClearRecoveryOverrides()
	lifecycle.SetShuttingDown(false)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "reset",
		"message": "All simulated state cleared",
	})
}

// postTestShutdown sets the service shutdown flag, triggering graceful shutdown behavior.
func (h *Handler) postTestShutdown(w http.ResponseWriter, r *http.Request) {
	lifecycle.SetShuttingDown(true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "shutdown",
		"message": "Shutting-down flag set",
	})
}

// postTestPreventClear disables automatic recovery clearing for degraded state testing.
func (h *Handler) postTestPreventClear(w http.ResponseWriter, r *http.Request) {
	degraded.SetRecoveryDisabled(true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "prevent_clear",
		"message": "Auto-recovery disabled",
	})
}

// postTestFailClear simulates a failed recovery attempt and advances the
// recovery delay sequence. When the sequence is exhausted, sets shutting-down.
func (h *Handler) postTestFailClear(w http.ResponseWriter, r *http.Request) {
	degraded.SetForceFailNextAttempt(true)
	resp := map[string]interface{}{
		"ok":      true,
		"action":  "fail_clear",
		"message": "Simulated failed recovery attempt",
	}
	if h.healthConfig != nil && h.healthConfig.DegradedRetryInitial > 0 && h.healthConfig.DegradedRetryMax >= h.healthConfig.DegradedRetryInitial {
		if d, ok := degraded.GetAndAdvanceNextRecoveryDelay(h.healthConfig.DegradedRetryInitial, h.healthConfig.DegradedRetryMax); ok {
			resp["next_recovery"] = d.String()
		} else {
			resp["next_recovery"] = "shutting-down"
			lifecycle.SetShuttingDown(true)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// postTestClear forces successful recovery by clearing degraded state and
// recovery overrides.
func (h *Handler) postTestClear(w http.ResponseWriter, r *http.Request) {
	degraded.Reset()
	degraded.ClearRecoveryOverrides()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "clear",
		"message": "Recovery forced successful",
	})
}
