package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kmorten/asset-optimizer/internal/allowlist"
	"github.com/kmorten/asset-optimizer/internal/cache"
	"github.com/kmorten/asset-optimizer/internal/circuitbreaker"
	"github.com/kmorten/asset-optimizer/internal/config"
	"github.com/kmorten/asset-optimizer/internal/degraded"
	"github.com/kmorten/asset-optimizer/internal/fonts"
	httphandler "github.com/kmorten/asset-optimizer/internal/http"
	"github.com/kmorten/asset-optimizer/internal/lifecycle"
	"github.com/kmorten/asset-optimizer/internal/observability"
	"github.com/kmorten/asset-optimizer/internal/origin"
	"github.com/kmorten/asset-optimizer/internal/service"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	allow, err := allowlist.New(cfg.RemotePatterns)
	if err != nil {
		logger.Fatal("remote patterns", zap.Error(err))
	}
	logger.Info("remote pattern allow-list loaded", zap.Int("patterns", allow.Len()))

	originClient, err := origin.NewClient(
		allow,
		cfg.OriginTimeout,
		cfg.OriginMaxBytes,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
		cfg.OriginProbeURL,
	)
	if err != nil {
		logger.Fatal("origin client", zap.Error(err))
	}

	cb := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		Component:        "origin",
		OnStateChange: func(from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition("origin", from.String(), to.String())
			observability.SetCircuitBreakerStateGauge("origin", observability.CircuitBreakerStateValue(int(to)))
		},
	})
	originClient.SetCircuitBreaker(cb)
	observability.SetCircuitBreakerStateGauge("origin", 0)
	logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.BreakerFailureThreshold), zap.Duration("timeout", cfg.BreakerTimeout))

	staleRetention := cfg.CacheStaleTTL - cfg.CacheTTL
	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	var objectStore *cache.ObjectStoreCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, staleRetention)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	case "s3":
		store, err := cache.NewObjectStoreCache(cache.ObjectStoreConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			logger.Fatal("object store cache", zap.Error(err))
		}
		objectStore = store
		cacheSvc = store
		logger.Info("cache backend: s3", zap.String("endpoint", cfg.S3Endpoint), zap.String("bucket", cfg.S3Bucket))
	default:
		cacheSvc = cache.NewInMemoryCache(staleRetention)
		logger.Info("cache backend: in_memory")
	}
	variantService := service.NewVariantService(originClient, cacheSvc, cfg.CacheTTL, cfg.CacheStaleTTL, cfg.CoalesceEnabled, cfg.CoalesceTimeout)

	var fontRegistry *fonts.Registry
	if cfg.FontsDir != "" && len(cfg.FontFamilies) > 0 {
		fontRegistry, err = fonts.NewRegistry(cfg.FontsDir, cfg.FontFamilies)
		if err != nil {
			logger.Fatal("font registry", zap.Error(err))
		}
		logger.Info("font registry loaded", zap.String("dir", cfg.FontsDir), zap.Int("families", len(cfg.FontFamilies)))
	}

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		RateLimitBurst:         cfg.RateLimitBurst,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
		DegradedRetryInitial:   cfg.DegradedRetryInitial,
		DegradedRetryMax:       cfg.DegradedRetryMax,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		StartTime:              time.Now(),
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}
	if objectStore != nil {
		healthConfig.CachePing = objectStore.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(
		variantService,
		originClient,
		fontRegistry,
		cfg.FontsURLPrefix,
		healthConfig,
		logger,
		limiter,
		httphandler.Limits{
			MaxURLLength:   cfg.MaxURLLength,
			MaxWidth:       cfg.MaxWidth,
			DefaultQuality: cfg.DefaultQuality,
		},
		cfg.CacheTTL,
	)

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if fontRegistry != nil && cfg.FontsWatch {
		go func() {
			if err := fontRegistry.Watch(rootCtx, logger); err != nil && err != context.Canceled {
				logger.Error("font watcher stopped", zap.Error(err))
			}
		}()
	}

	if cfg.WarmCache && len(cfg.WarmAssets) > 0 {
		warmer := cache.NewWarmer(variantService, logger)
		warmCtx, warmCancel := context.WithTimeout(rootCtx, 30*time.Second)
		if err := warmer.Warm(warmCtx, cfg.WarmAssets); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(rootCtx, cfg.WarmAssets, cfg.WarmInterval); err != nil && err != context.Canceled {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		}
	}

	degraded.StartRecoveryListener(rootCtx, originClient.Probe, cfg.DegradedRetryInitial, cfg.DegradedRetryMax, func() {
		logger.Error("recovery attempts exhausted; marking shutting-down")
		lifecycle.SetShuttingDown(true)
	})

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	imageRouter := router.PathPrefix("/image").Subrouter()
	imageRouter.Use(httphandler.RateLimitMiddleware(limiter))
	imageRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	imageRouter.HandleFunc("", handler.GetImage).Methods("GET")
	if fontRegistry != nil {
		router.HandleFunc("/fonts/css", handler.GetFontCSS).Methods("GET")
		router.HandleFunc("/fonts/files/{name}", handler.GetFontFile).Methods("GET")
	}

	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
		router.HandleFunc("/test", handler.GetTestStatus).Methods("GET")
		router.HandleFunc("/test/{action}", handler.PostTestAction).Methods("POST")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
