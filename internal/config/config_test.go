package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
database:
  driver: memory
controller:
  chunk_size: 50
  poll_interval_ms: 250
concurrency:
  fetch: 20
  classify: 4
retry:
  max_retries: 5
  base_delay_seconds: 10
  max_delay_seconds: 600
fetch:
  attempt_timeout_seconds: 6
  premium_timeout_seconds: 45
  block_signatures: ["captcha", "just a moment"]
  relays:
    - name: jina
      url_template: "https://r.jina.ai/{url}"
      api_key: jina-key
      auth_header: Authorization
    - name: scraper
      url_template: "https://scrape.test/?api_key={api_key}&url={url_encoded}"
      envelope: "json:data.html"
  premium:
    - name: firecrawl
      url_template: "https://api.firecrawl.test/v1/scrape"
      body_field: url
      envelope: "json:data.html"
headless:
  enabled: true
  max_parallel: 3
storage:
  backend: local
  base_dir: /tmp/pages
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Controller.ChunkSize != 50 || cfg.Controller.PollInterval() != 250*time.Millisecond {
		t.Fatalf("expected controller overrides, got %+v", cfg.Controller)
	}
	if cfg.Controller.ErrorBackoff() != 5*time.Second {
		t.Fatalf("expected default error backoff, got %v", cfg.Controller.ErrorBackoff())
	}
	if cfg.Retry.BaseDelay() != 10*time.Second || cfg.Retry.MaxDelay() != 10*time.Minute {
		t.Fatalf("unexpected retry delays: %+v", cfg.Retry)
	}
	if len(cfg.Fetch.Relays) != 2 || cfg.Fetch.Relays[1].Envelope != "json:data.html" {
		t.Fatalf("expected relays to be loaded: %+v", cfg.Fetch.Relays)
	}
	if cfg.Fetch.Relays[0].AuthHeader != "Authorization" || cfg.Fetch.Relays[0].APIKey != "jina-key" {
		t.Fatalf("expected relay auth to be loaded: %+v", cfg.Fetch.Relays[0])
	}
	if len(cfg.Fetch.Premium) != 1 || cfg.Fetch.Premium[0].BodyField != "url" {
		t.Fatalf("expected premium provider: %+v", cfg.Fetch.Premium)
	}
	if cfg.Cache.MinConfidence != 7 || cfg.Digest.MaxTextChars != 4000 {
		t.Fatalf("expected defaults to survive overrides")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ENRICHER_DATABASE_DRIVER", "memory")
	t.Setenv("ENRICHER_CLASSIFIER_API_KEY", "sk-test")
	t.Setenv("ENRICHER_CONCURRENCY_CLASSIFY", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Classifier.APIKey != "sk-test" {
		t.Fatalf("expected api key from env, got %q", cfg.Classifier.APIKey)
	}
	if cfg.Concurrency.Classify != 3 || cfg.Concurrency.Fetch != 50 {
		t.Fatalf("unexpected concurrency: %+v", cfg.Concurrency)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:      ServerConfig{Port: 8080},
		Database:    DatabaseConfig{Driver: "memory"},
		Controller:  ControllerConfig{ChunkSize: 200},
		Concurrency: ConcurrencyConfig{Fetch: 50, Classify: 10},
		Retry:       RetryConfig{MaxRetries: 3, BaseDelaySeconds: 30},
		Cache:       CacheConfig{MinConfidence: 7},
		Fetch:       FetchConfig{AttemptTimeoutSeconds: 8, PremiumTimeoutSeconds: 30},
		Classifier:  ClassifierConfig{BaseURL: "https://llm.test/v1", Model: "m"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "database.dsn"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "sqlite" }, "database.driver"},
		{"zero chunk", func(c *Config) { c.Controller.ChunkSize = 0 }, "controller.chunk_size"},
		{"zero classify", func(c *Config) { c.Concurrency.Classify = 0 }, "concurrency"},
		{"zero base delay", func(c *Config) { c.Retry.BaseDelaySeconds = 0 }, "retry.base_delay_seconds"},
		{"confidence range", func(c *Config) { c.Cache.MinConfidence = 11 }, "cache.min_confidence"},
		{"short premium timeout", func(c *Config) { c.Fetch.PremiumTimeoutSeconds = 10 }, "fetch.premium_timeout_seconds"},
		{"headless missing max parallel", func(c *Config) { c.Headless.Enabled = true }, "headless.max_parallel"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.gcs_bucket"},
		{"pubsub half configured", func(c *Config) { c.PubSub.ProjectID = "p" }, "pubsub"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
