// Package config loads and validates extractor configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Extraction  ExtractionConfig  `mapstructure:"extraction"`
	Quality     QualityConfig     `mapstructure:"quality"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
	Reader      ReaderConfig      `mapstructure:"reader"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Database    DatabaseConfig    `mapstructure:"database"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Application ApplicationConfig `mapstructure:"application"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	QueueDepth  int               `mapstructure:"queue_depth"`
	Workers     int               `mapstructure:"workers"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ExtractionConfig governs the strategy chain and batch scheduling.
type ExtractionConfig struct {
	MaxConcurrent           int             `mapstructure:"max_concurrent"`
	PoolMaxSize             int             `mapstructure:"pool_max_size"`
	InstanceCap             int             `mapstructure:"instance_cap"`
	FetchTimeoutMs          int             `mapstructure:"fetch_timeout_ms"`
	FallbackDivisor         int             `mapstructure:"fallback_divisor"`
	MaxRetries              int             `mapstructure:"max_retries"`
	RetryBaseDelayMs        int             `mapstructure:"retry_base_delay_ms"`
	CircuitFailureThreshold int             `mapstructure:"circuit_failure_threshold"`
	CircuitResetTimeoutMs   int             `mapstructure:"circuit_reset_timeout_ms"`
	BreakerScope            string          `mapstructure:"breaker_scope"`
	RateLimit               RateLimitConfig `mapstructure:"rate_limit"`
	Strategies              []string        `mapstructure:"strategies"`
	WaveDelayMs             int             `mapstructure:"wave_delay_ms"`
	RandomizeDelay          bool            `mapstructure:"randomize_delay"`
}

// RateLimitConfig configures the sliding-window limiter.
type RateLimitConfig struct {
	MaxRequests int    `mapstructure:"max_requests"`
	WindowMs    int    `mapstructure:"window_ms"`
	Scope       string `mapstructure:"scope"`
}

// QualityConfig overrides quality gate thresholds.
type QualityConfig struct {
	MinLength      int     `mapstructure:"min_length"`
	MinUniqueChars int     `mapstructure:"min_unique_chars"`
	MinWords       int     `mapstructure:"min_words"`
	MaxRepetition  float64 `mapstructure:"max_repetition"`
	MaxSpamMatches int     `mapstructure:"max_spam_matches"`
}

// HTTPConfig configures the http-direct strategy.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
}

// HeadlessConfig configures the chromedp strategies.
type HeadlessConfig struct {
	UserAgent     string  `mapstructure:"user_agent"`
	NavTimeoutSec int     `mapstructure:"nav_timeout_seconds"`
	DomainRPS     float64 `mapstructure:"domain_rps"`
	ExecPath      string  `mapstructure:"exec_path"`
}

// ReaderConfig configures the reader services.
type ReaderConfig struct {
	Jina      ReaderServiceConfig `mapstructure:"jina"`
	Firecrawl ReaderServiceConfig `mapstructure:"firecrawl"`
}

// ReaderServiceConfig describes one reader endpoint.
type ReaderServiceConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Weight         int    `mapstructure:"weight"`
}

// ProxyConfig lists egress proxies for http-direct and the headless strategies.
type ProxyConfig struct {
	URLs []string `mapstructure:"urls"`
}

// StorageConfig selects the blob backend for snapshots and batch results.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`

	// CollapseWhitespace hashes snapshots with whitespace runs folded.
	CollapseWhitespace bool `mapstructure:"collapse_whitespace"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls access to Postgres. An empty DSN disables it.
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	ResultsTable string `mapstructure:"results_table"`
	MaxConns     int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for batch-completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the observer event hub.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig bounds sink batches.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// ApplicationConfig names the service for telemetry resources.
type ApplicationConfig struct {
	ServiceName   string `mapstructure:"service_name"`
	Version       string `mapstructure:"version"`
	ProjectID     string `mapstructure:"project_id"`
	ProjectNumber string `mapstructure:"project_number"`
	Region        string `mapstructure:"region"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EXTRACTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultStrategies is the chain order used when none is configured.
var DefaultStrategies = []string{"headless-primary", "headless-stealth", "reader-rotation"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("extraction.max_concurrent", 5)
	v.SetDefault("extraction.pool_max_size", 5)
	v.SetDefault("extraction.instance_cap", 5)
	v.SetDefault("extraction.fetch_timeout_ms", 30000)
	v.SetDefault("extraction.fallback_divisor", 3)
	v.SetDefault("extraction.max_retries", 3)
	v.SetDefault("extraction.retry_base_delay_ms", 1000)
	v.SetDefault("extraction.circuit_failure_threshold", 5)
	v.SetDefault("extraction.circuit_reset_timeout_ms", 60000)
	v.SetDefault("extraction.breaker_scope", "strategy")
	v.SetDefault("extraction.rate_limit.max_requests", 10)
	v.SetDefault("extraction.rate_limit.window_ms", 60000)
	v.SetDefault("extraction.rate_limit.scope", "global")
	v.SetDefault("extraction.strategies", DefaultStrategies)
	v.SetDefault("extraction.wave_delay_ms", 0)
	v.SetDefault("extraction.randomize_delay", true)
	v.SetDefault("quality.min_length", 500)
	v.SetDefault("quality.min_unique_chars", 20)
	v.SetDefault("quality.min_words", 50)
	v.SetDefault("quality.max_repetition", 0.3)
	v.SetDefault("quality.max_spam_matches", 5)
	v.SetDefault("http.user_agent", "resilient-extractor/0.1")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.domain_rps", 1.0)
	v.SetDefault("reader.jina.base_url", "https://r.jina.ai")
	v.SetDefault("reader.jina.timeout_seconds", 10)
	v.SetDefault("reader.jina.weight", 2)
	v.SetDefault("reader.firecrawl.base_url", "https://api.firecrawl.dev")
	v.SetDefault("reader.firecrawl.timeout_seconds", 10)
	v.SetDefault("reader.firecrawl.weight", 1)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "extractions")
	v.SetDefault("storage.local.base_dir", "./data")
	v.SetDefault("storage.collapse_whitespace", false)
	v.SetDefault("database.results_table", "extraction_results")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 500)
	v.SetDefault("progress.batch.max_wait_ms", 200)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("application.service_name", "resilient-extractor")
	v.SetDefault("application.version", "dev")
	v.SetDefault("queue_depth", 64)
	v.SetDefault("workers", 2)
	v.SetDefault("logging.development", true)

	// Empty defaults register the keys so AutomaticEnv can fill them on Unmarshal.
	for _, key := range []string{
		"auth.api_key", "headless.user_agent", "headless.exec_path",
		"reader.jina.api_key", "reader.firecrawl.api_key",
		"storage.bucket", "database.dsn", "pubsub.project_id", "pubsub.topic_name",
		"application.project_id", "application.project_number", "application.region",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("auth.enabled", false)
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("proxy.urls", []string{})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	e := c.Extraction
	switch {
	case c.Server.Port <= 0:
		return fmt.Errorf("server.port must be > 0")
	case e.MaxConcurrent <= 0:
		return fmt.Errorf("extraction.max_concurrent must be > 0")
	case e.PoolMaxSize <= 0:
		return fmt.Errorf("extraction.pool_max_size must be > 0")
	case e.InstanceCap <= 0:
		return fmt.Errorf("extraction.instance_cap must be > 0")
	case e.FetchTimeoutMs <= 0:
		return fmt.Errorf("extraction.fetch_timeout_ms must be > 0")
	case e.FallbackDivisor <= 0:
		return fmt.Errorf("extraction.fallback_divisor must be > 0")
	case e.MaxRetries <= 0:
		return fmt.Errorf("extraction.max_retries must be > 0")
	case e.RetryBaseDelayMs < 0:
		return fmt.Errorf("extraction.retry_base_delay_ms must be >= 0")
	case e.CircuitFailureThreshold <= 0:
		return fmt.Errorf("extraction.circuit_failure_threshold must be > 0")
	case e.CircuitResetTimeoutMs <= 0:
		return fmt.Errorf("extraction.circuit_reset_timeout_ms must be > 0")
	case e.BreakerScope != "strategy" && e.BreakerScope != "target":
		return fmt.Errorf("extraction.breaker_scope must be strategy or target")
	case e.RateLimit.MaxRequests < 0 || e.RateLimit.WindowMs < 0:
		return fmt.Errorf("extraction.rate_limit values must be >= 0")
	case e.RateLimit.Scope != "global" && e.RateLimit.Scope != "host":
		return fmt.Errorf("extraction.rate_limit.scope must be global or host")
	case len(e.Strategies) == 0:
		return fmt.Errorf("extraction.strategies must name at least one strategy")
	case e.WaveDelayMs < 0:
		return fmt.Errorf("extraction.wave_delay_ms must be >= 0")
	case c.HTTP.TimeoutSeconds <= 0:
		return fmt.Errorf("http.timeout_seconds must be > 0")
	case c.Auth.Enabled && c.Auth.APIKey == "":
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	case c.Storage.Backend == "gcs" && c.Storage.Bucket == "":
		return fmt.Errorf("storage.bucket must be set for the gcs backend")
	}
	switch c.Storage.Backend {
	case "memory", "local", "gcs":
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs")
	}
	if c.QueueDepth <= 0 || c.Workers <= 0 {
		return fmt.Errorf("queue_depth and workers must be > 0")
	}
	for _, raw := range c.Proxy.URLs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return fmt.Errorf("proxy.urls: invalid proxy %q", raw)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return fmt.Errorf("proxy.urls: unsupported scheme %q", u.Scheme)
		}
	}
	return nil
}

// ExtractionOptions are the extraction settings converted to durations.
type ExtractionOptions struct {
	MaxConcurrent    int
	PoolMaxSize      int
	InstanceCap      int
	FetchTimeout     time.Duration
	FallbackDivisor  int
	MaxRetries       int
	RetryBaseDelay   time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
	RateLimitMax     int
	RateLimitWindow  time.Duration
	WaveDelay        time.Duration
}

// Options converts millisecond knobs into durations.
func (e ExtractionConfig) Options() ExtractionOptions {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return ExtractionOptions{
		MaxConcurrent:    e.MaxConcurrent,
		PoolMaxSize:      e.PoolMaxSize,
		InstanceCap:      e.InstanceCap,
		FetchTimeout:     ms(e.FetchTimeoutMs),
		FallbackDivisor:  e.FallbackDivisor,
		MaxRetries:       e.MaxRetries,
		RetryBaseDelay:   ms(e.RetryBaseDelayMs),
		FailureThreshold: e.CircuitFailureThreshold,
		ResetTimeout:     ms(e.CircuitResetTimeoutMs),
		RateLimitMax:     e.RateLimit.MaxRequests,
		RateLimitWindow:  ms(e.RateLimit.WindowMs),
		WaveDelay:        ms(e.WaveDelayMs),
	}
}

// Timeout converts a seconds knob into a duration.
func Timeout(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
