// Package config loads and validates enricher configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/lead-enricher/internal/fetcher/relay"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Controller  ControllerConfig  `mapstructure:"controller"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
	Digest      DigestConfig      `mapstructure:"digest"`
	Classifier  ClassifierConfig  `mapstructure:"classifier"`
	Storage     StorageConfig     `mapstructure:"storage"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Submit      SubmitConfig      `mapstructure:"submit"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig selects and configures the store.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver                 string `mapstructure:"driver"`
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	AutoMigrate            bool   `mapstructure:"auto_migrate"`
}

// ControllerConfig governs the poll loop.
type ControllerConfig struct {
	ChunkSize       int  `mapstructure:"chunk_size"`
	PollIntervalMs  int  `mapstructure:"poll_interval_ms"`
	YieldIntervalMs int  `mapstructure:"yield_interval_ms"`
	ErrorBackoffMs  int  `mapstructure:"error_backoff_ms"`
	RecoverOnStart  bool `mapstructure:"recover_on_start"`
}

// ConcurrencyConfig holds the two independent stage limits.
type ConcurrencyConfig struct {
	Fetch    int `mapstructure:"fetch"`
	Classify int `mapstructure:"classify"`
}

// RetryConfig controls item retries.
type RetryConfig struct {
	MaxRetries       int `mapstructure:"max_retries"`
	BaseDelaySeconds int `mapstructure:"base_delay_seconds"`
	MaxDelaySeconds  int `mapstructure:"max_delay_seconds"`
}

// CacheConfig controls reuse of prior classifications.
type CacheConfig struct {
	MinConfidence int `mapstructure:"min_confidence"`
}

// FetchConfig configures the content fetcher tiers.
type FetchConfig struct {
	UserAgent             string         `mapstructure:"user_agent"`
	AttemptTimeoutSeconds int            `mapstructure:"attempt_timeout_seconds"`
	PremiumTimeoutSeconds int            `mapstructure:"premium_timeout_seconds"`
	MinContentLength      int            `mapstructure:"min_content_length"`
	MaxBodyBytes          int            `mapstructure:"max_body_bytes"`
	HTTPFallback          bool           `mapstructure:"http_fallback"`
	BlockSignatures       []string       `mapstructure:"block_signatures"`
	BlockedHosts          []string       `mapstructure:"blocked_hosts"`
	DNSCheck              bool           `mapstructure:"dns_check"`
	DetectShells          bool           `mapstructure:"detect_shells"`
	Relays                []relay.Config `mapstructure:"relays"`
	Premium               []relay.Config `mapstructure:"premium"`
}

// HeadlessConfig configures the headless premium renderer.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	SettleMs      int  `mapstructure:"settle_ms"`
}

// DigestConfig bounds digest construction.
type DigestConfig struct {
	MaxHTMLBytes int `mapstructure:"max_html_bytes"`
	MaxTextChars int `mapstructure:"max_text_chars"`
}

// ClassifierConfig points at an OpenAI-compatible chat completions API.
type ClassifierConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	APIKey            string  `mapstructure:"api_key"`
	Model             string  `mapstructure:"model"`
	Temperature       float64 `mapstructure:"temperature"`
	RatePerMillionIn  float64 `mapstructure:"rate_per_million_in"`
	RatePerMillionOut float64 `mapstructure:"rate_per_million_out"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
}

// StorageConfig selects the raw page archive backend.
type StorageConfig struct {
	// Backend is "none", "memory", "local", or "gcs".
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds metadata for job completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the event hub.
type ProgressConfig struct {
	BufferSize      int  `mapstructure:"buffer_size"`
	MaxBatchEvents  int  `mapstructure:"max_batch_events"`
	FlushIntervalMs int  `mapstructure:"flush_interval_ms"`
	SinkTimeoutMs   int  `mapstructure:"sink_timeout_ms"`
	LogEvents       bool `mapstructure:"log_events"`
}

// SubmitConfig controls job creation.
type SubmitConfig struct {
	ChunkSize int `mapstructure:"chunk_size"`
}

// RateLimitConfig throttles calls to each fetch provider.
type RateLimitConfig struct {
	// ProviderRPS applies to every provider without an override; 0 disables throttling.
	ProviderRPS   float64            `mapstructure:"provider_rps"`
	ProviderBurst int                `mapstructure:"provider_burst"`
	Overrides     map[string]float64 `mapstructure:"overrides"`
}

// TracingConfig controls OpenTelemetry span sampling.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENRICHER")
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("controller.chunk_size", 200)
	v.SetDefault("controller.poll_interval_ms", 2000)
	v.SetDefault("controller.yield_interval_ms", 50)
	v.SetDefault("controller.error_backoff_ms", 5000)
	v.SetDefault("controller.recover_on_start", true)
	v.SetDefault("concurrency.fetch", 50)
	v.SetDefault("concurrency.classify", 10)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay_seconds", 30)
	v.SetDefault("retry.max_delay_seconds", 0)
	v.SetDefault("cache.min_confidence", 7)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (compatible; lead-enricher/1.0)")
	v.SetDefault("fetch.attempt_timeout_seconds", 8)
	v.SetDefault("fetch.premium_timeout_seconds", 30)
	v.SetDefault("fetch.min_content_length", 100)
	v.SetDefault("fetch.max_body_bytes", 5<<20)
	v.SetDefault("fetch.http_fallback", true)
	v.SetDefault("fetch.dns_check", true)
	v.SetDefault("fetch.detect_shells", true)
	v.SetDefault("fetch.blocked_hosts", []string{"facebook.com", "linkedin.com", "instagram.com", "*.yelp.com", "yelp.com", "linktr.ee"})
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.settle_ms", 750)
	v.SetDefault("digest.max_html_bytes", 300000)
	v.SetDefault("digest.max_text_chars", 4000)
	v.SetDefault("classifier.base_url", "https://api.openai.com/v1")
	v.SetDefault("classifier.api_key", "")
	v.SetDefault("classifier.model", "gpt-4o-mini")
	v.SetDefault("classifier.temperature", 0.0)
	v.SetDefault("classifier.rate_per_million_in", 0.15)
	v.SetDefault("classifier.rate_per_million_out", 0.60)
	v.SetDefault("classifier.requests_per_second", 5.0)
	v.SetDefault("classifier.timeout_seconds", 60)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.base_dir", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.flush_interval_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("progress.log_events", false)
	v.SetDefault("submit.chunk_size", 500)
	v.SetDefault("rate_limit.provider_rps", 0.0)
	v.SetDefault("rate_limit.provider_burst", 1)
	v.SetDefault("tracing.service_name", "lead-enricher")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}
	if c.Controller.ChunkSize <= 0 {
		return fmt.Errorf("controller.chunk_size must be > 0")
	}
	if c.Concurrency.Fetch <= 0 || c.Concurrency.Classify <= 0 {
		return fmt.Errorf("concurrency.fetch and concurrency.classify must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.BaseDelaySeconds <= 0 {
		return fmt.Errorf("retry.base_delay_seconds must be > 0")
	}
	if c.Cache.MinConfidence < 1 || c.Cache.MinConfidence > 10 {
		return fmt.Errorf("cache.min_confidence must be within [1,10]")
	}
	if c.Fetch.AttemptTimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.attempt_timeout_seconds must be > 0")
	}
	if c.Fetch.PremiumTimeoutSeconds < 30 {
		return fmt.Errorf("fetch.premium_timeout_seconds must be >= 30")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Classifier.BaseURL == "" || c.Classifier.Model == "" {
		return fmt.Errorf("classifier.base_url and classifier.model are required")
	}
	switch c.Storage.Backend {
	case "", "none", "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be none, memory, local, or gcs, got %q", c.Storage.Backend)
	}
	if c.RateLimit.ProviderRPS < 0 {
		return fmt.Errorf("rate_limit.provider_rps must be >= 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// PollInterval returns how long the loop sleeps on an empty queue.
func (c ControllerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// YieldInterval returns the pause between processed chunks.
func (c ControllerConfig) YieldInterval() time.Duration {
	return time.Duration(c.YieldIntervalMs) * time.Millisecond
}

// ErrorBackoff returns the pause after a failed iteration.
func (c ControllerConfig) ErrorBackoff() time.Duration {
	return time.Duration(c.ErrorBackoffMs) * time.Millisecond
}

// BaseDelay returns the first retry delay.
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySeconds) * time.Second
}

// MaxDelay returns the retry delay cap; zero means uncapped.
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds) * time.Second
}
