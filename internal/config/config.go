package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kmorten/asset-optimizer/internal/allowlist"
	"github.com/kmorten/asset-optimizer/internal/cache"
	"github.com/kmorten/asset-optimizer/internal/fonts"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort string

	OriginTimeout  time.Duration
	OriginMaxBytes int64
	OriginProbeURL string

	RequestTimeout time.Duration
	CacheTTL       time.Duration
	CacheStaleTTL  time.Duration
	CacheBackend   string // "in_memory", "memcached" or "s3"

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool

	RemotePatterns []allowlist.RemotePattern

	MaxWidth       int
	DefaultQuality int
	MaxURLLength   int

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	ShutdownTimeout time.Duration

	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	IdleThresholdReqPerMin int
	IdleWindow             time.Duration
	MinimumLifespan        time.Duration
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	DegradedRetryInitial   time.Duration
	DegradedRetryMax       time.Duration

	FontsDir       string
	FontsURLPrefix string
	FontsWatch     bool
	FontFamilies   []fonts.FamilyConfig

	WarmCache    bool
	WarmInterval time.Duration
	WarmAssets   []cache.WarmAsset
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Origin struct {
		Timeout  string `yaml:"timeout"`
		MaxBytes int64  `yaml:"max_bytes"`
		ProbeURL string `yaml:"probe_url"`
	} `yaml:"origin"`

	RemotePatterns []allowlist.RemotePattern `yaml:"remote_patterns"`

	Transform struct {
		MaxWidth       int `yaml:"max_width"`
		DefaultQuality int `yaml:"default_quality"`
		MaxURLLength   int `yaml:"max_url_length"`
	} `yaml:"transform"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		StaleTTL  string `yaml:"stale_ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		S3 struct {
			Endpoint string `yaml:"endpoint"`
			Bucket   string `yaml:"bucket"`
			UseSSL   *bool  `yaml:"use_ssl"`
		} `yaml:"s3"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts        int    `yaml:"retry_max_attempts"`
		RetryBaseDelay          string `yaml:"retry_base_delay"`
		RetryMaxDelay           string `yaml:"retry_max_delay"`
		RateLimitRPS            int    `yaml:"rate_limit_rps"`
		RateLimitBurst          int    `yaml:"rate_limit_burst"`
		CoalesceEnabled         *bool  `yaml:"coalesce_enabled"`
		CoalesceTimeout         string `yaml:"coalesce_timeout"`
		BreakerFailureThreshold int    `yaml:"breaker_failure_threshold"`
		BreakerSuccessThreshold int    `yaml:"breaker_success_threshold"`
		BreakerTimeout          string `yaml:"breaker_timeout"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow         string `yaml:"overload_window"`
		OverloadThresholdPct   int    `yaml:"overload_threshold_pct"`
		IdleThresholdReqPerMin int    `yaml:"idle_threshold_req_per_min"`
		IdleWindow             string `yaml:"idle_window"`
		MinimumLifespan        string `yaml:"minimum_lifespan"`
		DegradedWindow         string `yaml:"degraded_window"`
		DegradedErrorPct       int    `yaml:"degraded_error_pct"`
		DegradedRetryInitial   string `yaml:"degraded_retry_initial"`
		DegradedRetryMax       string `yaml:"degraded_retry_max"`
	} `yaml:"lifecycle"`

	Fonts struct {
		Dir       string               `yaml:"dir"`
		URLPrefix string               `yaml:"url_prefix"`
		Watch     *bool                `yaml:"watch"`
		Families  []fonts.FamilyConfig `yaml:"families"`
	} `yaml:"fonts"`

	Warming struct {
		WarmCache    *bool       `yaml:"warm_cache"`
		WarmInterval string      `yaml:"warm_interval"`
		Assets       []cache.WarmAsset `yaml:"assets"`
	} `yaml:"warming"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev).
// S3 credentials come from S3_ACCESS_KEY / S3_SECRET_KEY env. Call from
// project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{
		TestingMode: false,
	}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.OriginTimeout = parseDuration(fc.Origin.Timeout, 5*time.Second)
	cfg.OriginMaxBytes = fc.Origin.MaxBytes
	if cfg.OriginMaxBytes <= 0 {
		cfg.OriginMaxBytes = 16 << 20
	}
	cfg.OriginProbeURL = strings.TrimSpace(fc.Origin.ProbeURL)

	cfg.RemotePatterns = fc.RemotePatterns

	cfg.MaxWidth = fc.Transform.MaxWidth
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 3840
	}
	cfg.DefaultQuality = fc.Transform.DefaultQuality
	if cfg.DefaultQuality <= 0 {
		cfg.DefaultQuality = 75
	}
	cfg.MaxURLLength = fc.Transform.MaxURLLength
	if cfg.MaxURLLength <= 0 {
		cfg.MaxURLLength = 2048
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)

	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 1*time.Hour)
	cfg.CacheStaleTTL = parseDuration(fc.Cache.StaleTTL, 24*time.Hour)
	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}

	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.S3Endpoint = strings.TrimSpace(os.Getenv("S3_ENDPOINT"))
	if cfg.S3Endpoint == "" {
		cfg.S3Endpoint = strings.TrimSpace(fc.Cache.S3.Endpoint)
	}
	cfg.S3AccessKey = strings.TrimSpace(os.Getenv("S3_ACCESS_KEY"))
	cfg.S3SecretKey = strings.TrimSpace(os.Getenv("S3_SECRET_KEY"))
	cfg.S3Bucket = strings.TrimSpace(fc.Cache.S3.Bucket)
	if cfg.S3Bucket == "" {
		cfg.S3Bucket = "asset-optimizer-variants"
	}
	cfg.S3UseSSL = true
	if fc.Cache.S3.UseSSL != nil {
		cfg.S3UseSSL = *fc.Cache.S3.UseSSL
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cfg.CoalesceEnabled = true
	if fc.Reliability.CoalesceEnabled != nil {
		cfg.CoalesceEnabled = *fc.Reliability.CoalesceEnabled
	}
	cfg.CoalesceTimeout = parseDuration(fc.Reliability.CoalesceTimeout, 10*time.Second)
	cfg.BreakerFailureThreshold = fc.Reliability.BreakerFailureThreshold
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	cfg.BreakerSuccessThreshold = fc.Reliability.BreakerSuccessThreshold
	if cfg.BreakerSuccessThreshold <= 0 {
		cfg.BreakerSuccessThreshold = 2
	}
	cfg.BreakerTimeout = parseDuration(fc.Reliability.BreakerTimeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.IdleThresholdReqPerMin = fc.Lifecycle.IdleThresholdReqPerMin
	if cfg.IdleThresholdReqPerMin <= 0 {
		cfg.IdleThresholdReqPerMin = 5
	}
	cfg.IdleWindow = parseDuration(fc.Lifecycle.IdleWindow, 5*time.Minute)
	cfg.MinimumLifespan = parseDuration(fc.Lifecycle.MinimumLifespan, 5*time.Minute)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}
	cfg.DegradedRetryInitial = parseDuration(fc.Lifecycle.DegradedRetryInitial, 1*time.Minute)
	cfg.DegradedRetryMax = parseDuration(fc.Lifecycle.DegradedRetryMax, 20*time.Minute)

	cfg.FontsDir = strings.TrimSpace(fc.Fonts.Dir)
	cfg.FontsURLPrefix = strings.TrimSpace(fc.Fonts.URLPrefix)
	if cfg.FontsURLPrefix == "" {
		cfg.FontsURLPrefix = "/fonts/files"
	}
	cfg.FontsWatch = true
	if fc.Fonts.Watch != nil {
		cfg.FontsWatch = *fc.Fonts.Watch
	}
	cfg.FontFamilies = fc.Fonts.Families

	cfg.WarmCache = false
	if fc.Warming.WarmCache != nil {
		cfg.WarmCache = *fc.Warming.WarmCache
	}
	cfg.WarmInterval = parseDurationOrZero(fc.Warming.WarmInterval, 0)
	cfg.WarmAssets = fc.Warming.Assets

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values. The request
// timeout must exceed the origin timeout so the outer deadline never cuts off
// a legitimate fetch; it is auto-adjusted when it does not.
func validate(cfg *Config) error {
	if cfg.OriginTimeout <= 0 {
		return fmt.Errorf("origin.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.OriginTimeout {
		cfg.RequestTimeout = cfg.OriginTimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	case "s3":
		if cfg.S3Endpoint == "" {
			return fmt.Errorf("cache.s3.endpoint required for s3 backend (set S3_ENDPOINT or config)")
		}
		if cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
			return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY required for s3 backend")
		}
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or s3, got %q", cfg.CacheBackend)
	}
	if len(cfg.RemotePatterns) == 0 {
		return fmt.Errorf("remote_patterns must list at least one allowed origin")
	}
	if cfg.CacheStaleTTL < cfg.CacheTTL {
		cfg.CacheStaleTTL = cfg.CacheTTL
	}
	for i, asset := range cfg.WarmAssets {
		if strings.TrimSpace(asset.URL) == "" {
			return fmt.Errorf("warming.assets[%d].url must not be empty", i)
		}
		if asset.Width < 0 || asset.Width > cfg.MaxWidth {
			return fmt.Errorf("warming.assets[%d].width must be 0..%d", i, cfg.MaxWidth)
		}
	}
	return nil
}
