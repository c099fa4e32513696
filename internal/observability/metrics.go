package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kmorten/asset-optimizer/internal/overload"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Bytes served per image response. Watch for: payload bloat after transform changes.
	ImageResponseBytes prometheus.Histogram

	// Origin fetch rate by status. Watch for: error vs success ratio.
	OriginFetchesTotal *prometheus.CounterVec

	// Origin fetch latency. Watch for: p95 > 2s (origin degradation), p99 > 5s (timeout risk).
	OriginFetchDuration *prometheus.HistogramVec

	// Retry attempts for origin fetches. Watch for: high retries = unstable origin.
	OriginRetriesTotal prometheus.Counter

	// Source URLs rejected by the remote-pattern allow-list. Watch for: probing/abuse.
	OriginDeniedTotal prometheus.Counter

	// Transform pipeline latency by operation (decode, resize, encode).
	TransformDuration *prometheus.HistogramVec

	// Transform failures by reason (decode, encode, unsupported).
	TransformErrorsTotal *prometheus.CounterVec

	// Cache hits by backend type. Hit rate = hits/(hits+originFetchesTotal success).
	CacheHitsTotal *prometheus.CounterVec

	// Cache operation failures by op and category (timeout, connection, unknown).
	CacheErrorsTotal *prometheus.CounterVec

	// Cache op latency by op and outcome.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Variants served from stale cache during origin outages.
	StaleServesTotal prometheus.Counter

	// Age of stale variants at serve time.
	StaleAgeSeconds prometheus.Histogram

	// Concurrent misses for the same variant key. >1 means a stampede was absorbed.
	StampedeDetectedTotal prometheus.Counter

	// Requests that piggybacked on an in-flight origin fetch.
	CoalescedRequestsTotal prometheus.Counter

	// Time spent waiting on a coalesced fetch.
	CoalesceWaitSeconds prometheus.Histogram

	// Cache warming runs and failures.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Font CSS and font file serves. Watch for: traffic split between the two surfaces.
	FontServesTotal *prometheus.CounterVec

	// Font registry reloads triggered by the directory watcher.
	FontReloadsTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state per component (0 closed, 1 open, 2 half-open).
	circuitBreakerState       *prometheus.GaugeVec
	circuitBreakerTransitions *prometheus.CounterVec

	shutdownInFlight prometheus.Gauge

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	ImageResponseBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imageResponseBytes",
			Help:    "Size of served image payloads in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)
	OriginFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "originFetchesTotal",
			Help: "Total number of origin image fetches",
		},
		[]string{"status"},
	)
	OriginFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "originFetchDurationSeconds",
			Help:    "Origin fetch latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	OriginRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "originRetriesTotal",
			Help: "Total number of retry attempts for origin fetches",
		},
	)
	OriginDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "originDeniedTotal",
			Help: "Source URLs rejected by the remote-pattern allow-list",
		},
	)
	TransformDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transformDurationSeconds",
			Help:    "Image transform latency in seconds by operation",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)
	TransformErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transformErrorsTotal",
			Help: "Image transform failures by reason",
		},
		[]string{"reason"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of variant cache hits by backend",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache operation failures by operation and category",
		},
		[]string{"operation", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache operation latency by operation and outcome",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"operation", "outcome"},
	)
	StaleServesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "staleServesTotal",
			Help: "Variants served from stale cache while the origin was failing",
		},
	)
	StaleAgeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "staleAgeSeconds",
			Help:    "Age of stale variants at serve time",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400},
		},
	)
	StampedeDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stampedeDetectedTotal",
			Help: "Cache misses that overlapped another miss for the same variant key",
		},
	)
	CoalescedRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalescedRequestsTotal",
			Help: "Requests that waited on an in-flight origin fetch instead of issuing their own",
		},
	)
	CoalesceWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coalesceWaitSeconds",
			Help:    "Time spent waiting for a coalesced origin fetch",
			Buckets: prometheus.DefBuckets,
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs that had at least one failed asset",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Duration of cache warming runs",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30},
		},
	)
	FontServesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fontServesTotal",
			Help: "Font deliveries by kind (css, file)",
		},
		[]string{"kind"},
	)
	FontReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fontReloadsTotal",
			Help: "Font registry reloads by outcome",
		},
		[]string{"outcome"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	circuitBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	shutdownInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests observed when graceful shutdown began",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight, ImageResponseBytes,
		OriginFetchesTotal, OriginFetchDuration, OriginRetriesTotal, OriginDeniedTotal,
		TransformDuration, TransformErrorsTotal,
		CacheHitsTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		StaleServesTotal, StaleAgeSeconds,
		StampedeDetectedTotal, CoalescedRequestsTotal, CoalesceWaitSeconds,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		FontServesTotal, FontReloadsTotal,
		RateLimitDeniedTotal,
		circuitBreakerState, circuitBreakerTransitions, shutdownInFlight,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with cfg.OverloadWindow.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting the rate-limited path in the sliding window",
				},
				func() float64 { return float64(overload.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitDeniedInWindow",
					Help: "Rate-limit denials in the sliding window",
				},
				func() float64 { return float64(overload.DenialCount(window)) },
			),
		)
	})
}

// MetricsHandler returns the /metrics HTTP handler for the private registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RecordCircuitBreakerTransition records a breaker state change for metrics.
func RecordCircuitBreakerTransition(component, from, to string) {
	circuitBreakerTransitions.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge sets the current breaker state gauge.
func SetCircuitBreakerStateGauge(component string, state float64) {
	circuitBreakerState.WithLabelValues(component).Set(state)
}

// CircuitBreakerStateValue converts a breaker state int to the gauge value.
func CircuitBreakerStateValue(state int) float64 {
	return float64(state)
}

// RecordShutdownInFlight records how many requests were in flight when shutdown began.
func RecordShutdownInFlight(n int64) {
	shutdownInFlight.Set(float64(n))
}
