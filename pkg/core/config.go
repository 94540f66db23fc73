package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default coordinator policy knobs.
const (
	// DefaultMaxAttempts is the bounded retry count for transient
	// failures (initial try included).
	DefaultMaxAttempts = 3

	// DefaultInitialBackoff is the first retry delay.
	DefaultInitialBackoff = 100 * time.Millisecond

	// DefaultMaxBackoff caps the exponential retry delay.
	DefaultMaxBackoff = 2 * time.Second

	// DefaultOpTimeout bounds every individual store call.
	DefaultOpTimeout = 5 * time.Second

	// DefaultSlack is the retrieval over-fetch factor absorbing stale
	// back-references: the index is asked for ceil(k * (1 + slack)).
	DefaultSlack = 0.5

	// DefaultRecallCacheTTL is the lifetime of fused recall results in
	// the optional result cache.
	DefaultRecallCacheTTL = 30 * time.Second
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30m" or "1h30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RecordStoreConfig selects and configures the durable record store.
type RecordStoreConfig struct {
	// Driver is the backend: "sqlite".
	Driver string `yaml:"driver"`

	// Path is the database file path (sqlite).
	Path string `yaml:"path"`
}

// VectorIndexConfig selects and configures the vector index.
type VectorIndexConfig struct {
	// Driver is the backend: "sqlite", "postgres", or "chromem".
	Driver string `yaml:"driver"`

	// Dimensions is the fixed embedding dimensionality, e.g. 384.
	Dimensions int `yaml:"dimensions"`

	// Path is the database file path (sqlite).
	Path string `yaml:"path"`

	// Postgres connection parameters (postgres driver only).
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// EmbedderConfig selects and configures the embedding provider.
type EmbedderConfig struct {
	// Provider is "openai" or "local".
	Provider string `yaml:"provider"`

	// APIKey is the API key (openai).
	APIKey string `yaml:"api_key"`

	// Model is the embedding model name (openai).
	Model string `yaml:"model"`

	// BaseURL overrides the API base URL (openai-compatible endpoints).
	BaseURL string `yaml:"base_url"`

	// Dimensions is the vector dimensionality.
	Dimensions int `yaml:"dimensions"`
}

// PolicyConfig selects and configures the fact-worthiness policy.
type PolicyConfig struct {
	// Provider is "keyword", "openai", or "none".
	Provider string `yaml:"provider"`

	// APIKey is the API key (openai).
	APIKey string `yaml:"api_key"`

	// Model is the chat model name (openai).
	Model string `yaml:"model"`

	// BaseURL overrides the API base URL (openai-compatible endpoints).
	BaseURL string `yaml:"base_url"`
}

// SessionConfig configures the session cache.
type SessionConfig struct {
	// TTL is the session lifetime.
	TTL Duration `yaml:"ttl"`

	// RingCap is the recent-message ring capacity.
	RingCap int `yaml:"ring_cap"`
}

// RetryConfig bounds the coordinator's retry behavior on transient
// failures.
type RetryConfig struct {
	// MaxAttempts is the total attempt count, initial try included.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the first retry delay; it doubles per attempt.
	InitialBackoff Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the delay growth.
	MaxBackoff Duration `yaml:"max_backoff"`
}

// RecallConfig configures the retrieval path.
type RecallConfig struct {
	// Slack is the over-fetch factor absorbing stale back-references.
	Slack float64 `yaml:"slack"`

	// CacheEnabled turns on the fused-result cache.
	CacheEnabled bool `yaml:"cache_enabled"`

	// CacheTTL is the lifetime of cached fused results.
	CacheTTL Duration `yaml:"cache_ttl"`
}

// Config is the complete engine configuration.
type Config struct {
	RecordStore RecordStoreConfig `yaml:"record_store"`
	VectorIndex VectorIndexConfig `yaml:"vector_index"`
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Policy      PolicyConfig      `yaml:"policy"`
	Session     SessionConfig     `yaml:"session"`
	Retry       RetryConfig       `yaml:"retry"`
	Recall      RecallConfig      `yaml:"recall"`

	// OpTimeout bounds every individual store call.
	OpTimeout Duration `yaml:"op_timeout"`

	// MaintenanceSchedule is the cron expression for periodic Reconcile
	// runs; empty disables the built-in scheduler.
	MaintenanceSchedule string `yaml:"maintenance_schedule"`
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.RecordStore.Driver == "" {
		c.RecordStore.Driver = "sqlite"
	}
	if c.RecordStore.Driver == "sqlite" && c.RecordStore.Path == "" {
		return fmt.Errorf("config: record_store.path is required: %w", ErrInvalidConfig)
	}

	if c.VectorIndex.Driver == "" {
		c.VectorIndex.Driver = "sqlite"
	}
	if c.VectorIndex.Dimensions <= 0 {
		return fmt.Errorf("config: vector_index.dimensions must be positive: %w", ErrInvalidConfig)
	}
	if c.VectorIndex.Driver == "sqlite" && c.VectorIndex.Path == "" {
		return fmt.Errorf("config: vector_index.path is required: %w", ErrInvalidConfig)
	}

	if c.Embedder.Provider == "" {
		c.Embedder.Provider = "local"
	}
	if c.Embedder.Dimensions == 0 {
		c.Embedder.Dimensions = c.VectorIndex.Dimensions
	}
	if c.Embedder.Dimensions != c.VectorIndex.Dimensions {
		return fmt.Errorf("config: embedder dimensions %d != vector index dimensions %d: %w",
			c.Embedder.Dimensions, c.VectorIndex.Dimensions, ErrInvalidConfig)
	}
	if c.Embedder.Provider == "openai" && c.Embedder.APIKey == "" {
		return fmt.Errorf("config: embedder.api_key is required for openai: %w", ErrInvalidConfig)
	}

	if c.Policy.Provider == "" {
		c.Policy.Provider = "keyword"
	}
	if c.Policy.Provider == "openai" && c.Policy.APIKey == "" {
		return fmt.Errorf("config: policy.api_key is required for openai: %w", ErrInvalidConfig)
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = Duration(DefaultInitialBackoff)
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = Duration(DefaultMaxBackoff)
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = Duration(DefaultOpTimeout)
	}
	if c.Recall.Slack <= 0 {
		c.Recall.Slack = DefaultSlack
	}
	if c.Recall.CacheTTL <= 0 {
		c.Recall.CacheTTL = Duration(DefaultRecallCacheTTL)
	}
	return nil
}

// LoadConfigFromFile loads a YAML configuration file and validates it.
func LoadConfigFromFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadConfigFromFile: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("LoadConfigFromFile: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFromEnv builds a configuration from environment variables,
// loading a .env file first if present.
//
// Recognized variables (all optional unless the selected provider needs
// them): TRISTORE_RECORD_DB, TRISTORE_VECTOR_DRIVER, TRISTORE_VECTOR_DB,
// TRISTORE_DIMENSIONS, TRISTORE_EMBEDDER, TRISTORE_POLICY,
// OPENAI_API_KEY, OPENAI_API_BASE, TRISTORE_SESSION_TTL,
// TRISTORE_RING_CAP, TRISTORE_MAINTENANCE_SCHEDULE.
func LoadConfigFromEnv() (*Config, error) {
	// Best-effort: a missing .env file is fine.
	_ = godotenv.Load()

	cfg := &Config{
		RecordStore: RecordStoreConfig{
			Driver: "sqlite",
			Path:   envOr("TRISTORE_RECORD_DB", "./tristore_records.db"),
		},
		VectorIndex: VectorIndexConfig{
			Driver:     envOr("TRISTORE_VECTOR_DRIVER", "sqlite"),
			Path:       envOr("TRISTORE_VECTOR_DB", "./tristore_vectors.db"),
			Dimensions: envInt("TRISTORE_DIMENSIONS", 384),
		},
		Embedder: EmbedderConfig{
			Provider: envOr("TRISTORE_EMBEDDER", "local"),
			APIKey:   os.Getenv("OPENAI_API_KEY"),
			BaseURL:  os.Getenv("OPENAI_API_BASE"),
		},
		Policy: PolicyConfig{
			Provider: envOr("TRISTORE_POLICY", "keyword"),
			APIKey:   os.Getenv("OPENAI_API_KEY"),
			BaseURL:  os.Getenv("OPENAI_API_BASE"),
		},
		Session: SessionConfig{
			TTL:     Duration(envDuration("TRISTORE_SESSION_TTL", 0)),
			RingCap: envInt("TRISTORE_RING_CAP", 0),
		},
		MaintenanceSchedule: os.Getenv("TRISTORE_MAINTENANCE_SCHEDULE"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
