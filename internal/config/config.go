// ABOUTME: Configuration loading and defaults for hikmaai-tif
// ABOUTME: Reads YAML or TOML files into typed sections and validates them

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds the complete configuration for hikmaai-tif.
type Config struct {
	// Data directory for the BadgerDB feed index.
	DataDir string `yaml:"data_dir" toml:"data_dir"`

	// Logging configuration.
	Log LogConfig `yaml:"log" toml:"log"`

	// Tracing configuration.
	Tracing TracingConfig `yaml:"tracing" toml:"tracing"`

	// Metrics configuration.
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`

	// Store configuration.
	Store StoreConfig `yaml:"store" toml:"store"`

	// Scheduler configuration.
	Scheduler SchedulerConfig `yaml:"scheduler" toml:"scheduler"`

	// ObjectStore configures shared object-store client settings.
	ObjectStore ObjectStoreConfig `yaml:"object_store" toml:"object_store"`

	// Download configures the URL download connector.
	Download DownloadConfig `yaml:"download" toml:"download"`

	// NATS control plane configuration.
	NATS NATSConfig `yaml:"nats" toml:"nats"`

	// Redis status publishing configuration.
	Redis RedisConfig `yaml:"redis" toml:"redis"`

	// HTTP status API configuration.
	HTTP HTTPConfig `yaml:"http" toml:"http"`

	// Feeds registered at startup.
	Feeds []FeedConfig `yaml:"feeds" toml:"feeds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TracingConfig holds tracing settings.
type TracingConfig struct {
	Enabled       bool    `yaml:"enabled" toml:"enabled"`
	Endpoint      string  `yaml:"endpoint" toml:"endpoint"`
	Insecure      bool    `yaml:"insecure" toml:"insecure"`
	SamplingRatio float64 `yaml:"sampling_ratio" toml:"sampling_ratio"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Namespace string `yaml:"namespace" toml:"namespace"`
}

// StoreConfig configures the feed index backend.
type StoreConfig struct {
	// Backend is "badger" (default) or "postgres".
	Backend string `yaml:"backend" toml:"backend"`

	// Alias is the stable rolling-index name.
	Alias string `yaml:"alias" toml:"alias"`

	// RolloverDocs is the document count at which a new segment is started.
	RolloverDocs int `yaml:"rollover_docs" toml:"rollover_docs"`

	// BloomExpectedItems sizes the document filter.
	BloomExpectedItems uint `yaml:"bloom_expected_items" toml:"bloom_expected_items"`

	// BloomFalsePositiveRate is the target filter false positive rate.
	BloomFalsePositiveRate float64 `yaml:"bloom_false_positive_rate" toml:"bloom_false_positive_rate"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn" toml:"postgres_dsn"`
}

// SchedulerConfig configures the feed manager.
type SchedulerConfig struct {
	// Resolution is the shared scheduler tick.
	Resolution Duration `yaml:"resolution" toml:"resolution"`

	// MaxConcurrentRuns bounds simultaneous retrievals across all feeds.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs" toml:"max_concurrent_runs"`

	// RunTimeout bounds a single retrieval. Zero means no timeout.
	RunTimeout Duration `yaml:"run_timeout" toml:"run_timeout"`
}

// ObjectStoreConfig holds settings shared by all object-store feeds.
type ObjectStoreConfig struct {
	// S3Endpoint overrides the S3 endpoint (e.g., MinIO).
	S3Endpoint string `yaml:"s3_endpoint" toml:"s3_endpoint"`

	// S3UsePathStyle forces path-style S3 addressing.
	S3UsePathStyle bool `yaml:"s3_use_path_style" toml:"s3_use_path_style"`

	// SessionName is the STS role session name.
	SessionName string `yaml:"session_name" toml:"session_name"`

	// GCSEmulatorHost routes GCS reads to an emulator.
	GCSEmulatorHost string `yaml:"gcs_emulator_host" toml:"gcs_emulator_host"`
}

// DownloadConfig configures payload fetching.
type DownloadConfig struct {
	// Timeout for HTTP requests.
	Timeout Duration `yaml:"timeout" toml:"timeout"`

	// UserAgent for HTTP requests.
	UserAgent string `yaml:"user_agent" toml:"user_agent"`

	// MaxPayloadBytes caps any fetched payload. Zero means unlimited.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes" toml:"max_payload_bytes"`
}

// NATSConfig holds NATS control plane settings.
type NATSConfig struct {
	URL     string `yaml:"url" toml:"url"`
	Subject string `yaml:"subject" toml:"subject"`
	Queue   string `yaml:"queue" toml:"queue"`
}

// RedisConfig holds Redis status publishing settings.
type RedisConfig struct {
	Addr      string   `yaml:"addr" toml:"addr"`
	Password  string   `yaml:"password" toml:"password"`
	DB        int      `yaml:"db" toml:"db"`
	KeyPrefix string   `yaml:"key_prefix" toml:"key_prefix"`
	TTL       Duration `yaml:"ttl" toml:"ttl"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// DefaultConfig returns a Config with default values.
// NATS, Redis, HTTP, and tracing are disabled by default
// for standalone single-binary operation.
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Endpoint:      "localhost:4317",
			Insecure:      true,
			SamplingRatio: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "hikmaai_tif",
		},
		Store: StoreConfig{
			Backend:                "badger",
			Alias:                  "tif-iocs",
			RolloverDocs:           1_000_000,
			BloomExpectedItems:     10_000_000,
			BloomFalsePositiveRate: 0.001,
		},
		Scheduler: SchedulerConfig{
			Resolution:        Duration(time.Second),
			MaxConcurrentRuns: 4,
		},
		ObjectStore: ObjectStoreConfig{
			SessionName: "hikmaai-tif",
		},
		Download: DownloadConfig{
			Timeout:         Duration(5 * time.Minute),
			UserAgent:       "hikmaai-tif/1.0",
			MaxPayloadBytes: 500 * 1024 * 1024, // 500MB max
		},
		NATS: NATSConfig{
			// Disabled by default; set URL to enable
			URL:     "",
			Subject: "tif.feeds.control",
			Queue:   "tif-managers",
		},
		Redis: RedisConfig{
			// Disabled by default; set Addr to enable
			Addr:      "",
			KeyPrefix: "tif:",
			TTL:       Duration(7 * 24 * time.Hour),
		},
		HTTP: HTTPConfig{
			// Disabled by default; set Addr to enable (e.g., ":8080")
			Addr: "",
		},
	}
}

// Load reads path and overlays it on DefaultConfig.
// The format is chosen by extension: .yaml, .yml, or .toml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parsing config %s: unknown key %q", path, undecoded[0].String())
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "badger":
		if c.DataDir == "" {
			return errors.New("data_dir is required for the badger backend")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Alias == "" {
		return errors.New("store.alias is required")
	}
	if c.Store.RolloverDocs <= 0 {
		return errors.New("store.rollover_docs must be positive")
	}
	if c.Scheduler.Resolution.Std() <= 0 {
		return errors.New("scheduler.resolution must be positive")
	}
	if c.Scheduler.MaxConcurrentRuns <= 0 {
		return errors.New("scheduler.max_concurrent_runs must be positive")
	}

	seen := make(map[string]bool, len(c.Feeds))
	for i := range c.Feeds {
		feed := &c.Feeds[i]
		if err := feed.Validate(); err != nil {
			return fmt.Errorf("feeds[%d]: %w", i, err)
		}
		if seen[feed.ID] {
			return fmt.Errorf("feeds[%d]: duplicate feed id %q", i, feed.ID)
		}
		seen[feed.ID] = true
	}
	return nil
}

// Feed returns the configured feed with id.
func (c *Config) Feed(id string) (FeedConfig, bool) {
	for _, feed := range c.Feeds {
		if feed.ID == id {
			return feed, true
		}
	}
	return FeedConfig{}, false
}

// DefaultDataDir returns the default data directory.
func DefaultDataDir() string {
	// Try XDG_DATA_HOME first.
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "hikmaai-tif")
	}

	// Fall back to home directory.
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/hikmaai-tif"
	}

	return filepath.Join(home, ".local", "share", "hikmaai-tif")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	// Try XDG_CONFIG_HOME first.
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "hikmaai-tif", "config.yaml")
	}

	// Fall back to home directory.
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/hikmaai-tif/config.yaml"
	}

	return filepath.Join(home, ".config", "hikmaai-tif", "config.yaml")
}
