package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/ristretto"

	"github.com/TheSethRose/tristore/pkg/embedder"
	localEmbedder "github.com/TheSethRose/tristore/pkg/embedder/local"
	openaiEmbedder "github.com/TheSethRose/tristore/pkg/embedder/openai"
	"github.com/TheSethRose/tristore/pkg/policy"
	keywordPolicy "github.com/TheSethRose/tristore/pkg/policy/keyword"
	openaiPolicy "github.com/TheSethRose/tristore/pkg/policy/openai"
	"github.com/TheSethRose/tristore/pkg/recordstore"
	sqliteRecords "github.com/TheSethRose/tristore/pkg/recordstore/sqlite"
	"github.com/TheSethRose/tristore/pkg/sessioncache"
	"github.com/TheSethRose/tristore/pkg/vectorindex"
	chromemIndex "github.com/TheSethRose/tristore/pkg/vectorindex/chromem"
	postgresIndex "github.com/TheSethRose/tristore/pkg/vectorindex/postgres"
	sqliteIndex "github.com/TheSethRose/tristore/pkg/vectorindex/sqlite"
)

// Client is the memory coordinator.
//
// It is the only component aware of all three stores: the durable record
// store (source of truth), the vector index (semantic retrieval), and the
// session cache (fast-expiring working memory). Writes flow through it as
// an ordered saga — message, then fact, then vector entry, then cache —
// so a reader can never observe a vector entry for data not yet durably
// stored. Partial failures on the index side surface as degraded
// receipts, never as errors, and Reconcile repairs them later.
//
// The client is safe for concurrent use from multiple goroutines.
//
// Example usage:
//
//	cfg, _ := core.LoadConfigFromEnv()
//	client, _ := core.NewClient(cfg)
//	defer client.Close()
//
//	receipt, _ := client.Ingest(ctx, "s1", core.IngestMessage{
//	    Role:    recordstore.RoleUser,
//	    Content: "I work as a software engineer",
//	}, core.WithUserID("user_001"))
type Client struct {
	// cfg contains the coordinator policy knobs.
	cfg *Config

	// records is the durable record store.
	records recordstore.Store

	// index is the vector index.
	index vectorindex.Index

	// sessions is the in-process session cache.
	sessions *sessioncache.Cache

	// embedder turns text into fixed-length vectors.
	embedder embedder.Provider

	// policy decides which message content becomes long-term facts.
	policy policy.Policy

	// recallCache caches fused recall results (nil if disabled).
	recallCache *ristretto.Cache

	// logger receives structured operational logs.
	logger *slog.Logger

	// mu serializes Close against in-flight operations.
	mu     sync.RWMutex
	closed bool
}

// NewClient creates a memory coordinator from a configuration, building
// the backends it selects.
//
// Supported backends:
//   - Record store: SQLite
//   - Vector index: SQLite, PostgreSQL (pgvector), chromem (in-process)
//   - Embedder: OpenAI-compatible API, local deterministic
//   - Policy: keyword heuristic, OpenAI-backed extraction, none
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	records, err := initRecordStore(cfg.RecordStore)
	if err != nil {
		return nil, NewMemoryError("NewClient", err)
	}

	index, err := initVectorIndex(cfg.VectorIndex)
	if err != nil {
		records.Close()
		return nil, NewMemoryError("NewClient", err)
	}

	emb, err := initEmbedder(cfg.Embedder)
	if err != nil {
		index.Close()
		records.Close()
		return nil, NewMemoryError("NewClient", err)
	}

	pol := initPolicy(cfg.Policy)

	return NewClientWith(cfg, records, index, emb, pol)
}

// NewClientWith creates a memory coordinator over caller-provided
// backends. The configuration supplies only the coordinator policy knobs;
// backend sections are ignored.
func NewClientWith(cfg *Config, records recordstore.Store, index vectorindex.Index, emb embedder.Provider, pol policy.Policy) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.applyRuntimeDefaults()

	if records == nil || index == nil || emb == nil {
		return nil, NewMemoryError("NewClient", fmt.Errorf("record store, vector index, and embedder are required: %w", ErrInvalidConfig))
	}
	if emb.Dimensions() != index.Dimensions() {
		return nil, NewMemoryError("NewClient", fmt.Errorf("embedder dimensions %d != vector index dimensions %d: %w",
			emb.Dimensions(), index.Dimensions(), ErrInvalidConfig))
	}
	if pol == nil {
		pol = policy.None{}
	}

	c := &Client{
		cfg:     cfg,
		records: records,
		index:   index,
		sessions: sessioncache.New(&sessioncache.Config{
			TTL:     cfg.Session.TTL.Std(),
			RingCap: cfg.Session.RingCap,
		}),
		embedder: emb,
		policy:   pol,
		logger:   slog.Default().With("component", "tristore"),
	}

	if cfg.Recall.CacheEnabled {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 10_000,
			MaxCost:     1 << 24,
			BufferItems: 64,
		})
		if err != nil {
			return nil, NewMemoryError("NewClient", err)
		}
		c.recallCache = cache
	}

	return c, nil
}

// applyRuntimeDefaults fills the coordinator policy knobs that Validate
// would fill, without requiring backend sections to be set. Used when
// backends are supplied by the caller.
func (c *Config) applyRuntimeDefaults() {
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
}

func initRecordStore(cfg RecordStoreConfig) (recordstore.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqliteRecords.NewClient(&sqliteRecords.Config{DBPath: cfg.Path})
	default:
		return nil, fmt.Errorf("unsupported record store driver %q: %w", cfg.Driver, ErrInvalidConfig)
	}
}

func initVectorIndex(cfg VectorIndexConfig) (vectorindex.Index, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqliteIndex.NewClient(&sqliteIndex.Config{
			DBPath:     cfg.Path,
			Dimensions: cfg.Dimensions,
		})
	case "postgres":
		return postgresIndex.NewClient(&postgresIndex.Config{
			Host:       cfg.Host,
			Port:       cfg.Port,
			User:       cfg.User,
			Password:   cfg.Password,
			DBName:     cfg.DBName,
			SSLMode:    cfg.SSLMode,
			Dimensions: cfg.Dimensions,
		})
	case "chromem":
		return chromemIndex.NewClient(&chromemIndex.Config{Dimensions: cfg.Dimensions})
	default:
		return nil, fmt.Errorf("unsupported vector index driver %q: %w", cfg.Driver, ErrInvalidConfig)
	}
}

func initEmbedder(cfg EmbedderConfig) (embedder.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return openaiEmbedder.NewClient(&openaiEmbedder.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
	case "local":
		return localEmbedder.New(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unsupported embedder provider %q: %w", cfg.Provider, ErrInvalidConfig)
	}
}

func initPolicy(cfg PolicyConfig) policy.Policy {
	switch cfg.Provider {
	case "openai":
		return openaiPolicy.New(&openaiPolicy.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "none":
		return policy.None{}
	default:
		return keywordPolicy.New()
	}
}

// Sessions exposes the session cache for direct inspection (active
// session hints, recent rings). The cache is a view, never the source of
// truth.
func (c *Client) Sessions() *sessioncache.Cache {
	return c.sessions
}

// Close closes the coordinator and its backends. Further calls on the
// client return an error.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.recallCache != nil {
		c.recallCache.Close()
	}

	var firstErr error
	if err := c.embedder.Close(); err != nil {
		firstErr = err
	}
	if err := c.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.records.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return NewMemoryError("Close", firstErr)
}

// checkOpen returns an error if the client has been closed.
func (c *Client) checkOpen(op string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return NewMemoryError(op, fmt.Errorf("client is closed"))
	}
	return nil
}

// opCtx bounds a single store call with the configured per-call timeout.
func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.OpTimeout.Std())
}

// retry runs op with the configured bounded backoff, each attempt under
// its own per-call timeout.
func (c *Client) retry(ctx context.Context, op func(ctx context.Context) error) error {
	return withRetry(ctx, c.cfg.Retry, func(ctx context.Context) error {
		opCtx, cancel := c.opCtx(ctx)
		defer cancel()
		return op(opCtx)
	})
}
