// Package cache provides a content-addressed embedding cache.
//
// Embeddings are cheap to regenerate and staleness has no correctness
// impact, so cache entries are short-lived (default 1 hour) compared to the
// memory stores. The cache is two-tiered: an in-process ristretto tier for
// sub-microsecond repeat hits, backed by the key/value namespace of the
// backing store so that hits survive process restarts and are shared across
// replicas.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto"

	"github.com/vitalchat/healthmem-go/pkg/connection"
	"github.com/vitalchat/healthmem-go/pkg/embedder"
	"github.com/vitalchat/healthmem-go/pkg/storage"
)

// keyPrefix namespaces cache entries within the key/value store.
const keyPrefix = "cache:embedding:"

// Cache memoizes embedding computation by content hash.
//
// Cache implements embedder.Provider, so stores take it wherever a plain
// provider is expected. Failure of the storage step after a successful
// computation never fails the overall call; the computed embedding is still
// returned and only the caching side effect is lost.
type Cache struct {
	provider embedder.Provider
	store    storage.Store
	conn     *connection.Manager

	l1             *ristretto.Cache
	ttl            time.Duration
	computeTimeout time.Duration

	hits   atomic.Int64
	misses atomic.Int64

	logger *log.Logger
}

// Config contains embedding cache configuration.
type Config struct {
	// TTL is how long cached embeddings stay retrievable. Defaults to 1h.
	TTL time.Duration

	// MaxInProcessBytes bounds the in-process tier. Defaults to 64 MiB.
	MaxInProcessBytes int64

	// ComputeTimeout bounds a single embedding computation on a miss.
	// Defaults to 5s.
	ComputeTimeout time.Duration
}

// Stats holds cumulative cache counters.
type Stats struct {
	Hits   int64
	Misses int64
}

// New creates an embedding cache wrapping the given provider.
//
// All backing-store traffic goes through the connection manager so that the
// cache is subject to the same pool limits and circuit breaking as the
// memory stores.
func New(provider embedder.Provider, store storage.Store, conn *connection.Manager, cfg Config, logger *log.Logger) (*Cache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxInProcessBytes <= 0 {
		cfg.MaxInProcessBytes = 64 << 20
	}
	if cfg.ComputeTimeout <= 0 {
		cfg.ComputeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}

	l1, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     cfg.MaxInProcessBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &Cache{
		provider:       provider,
		store:          store,
		conn:           conn,
		l1:             l1,
		ttl:            cfg.TTL,
		computeTimeout: cfg.ComputeTimeout,
		logger:         logger.With("component", "embedding_cache"),
	}, nil
}

// GetOrCompute returns the cached embedding for text, computing and caching
// it on a miss.
//
// For any fixed text, compute is invoked at most once within the TTL window
// (per process for the in-process tier, per backing store across processes).
func (c *Cache) GetOrCompute(ctx context.Context, text string, compute func(ctx context.Context) ([]float64, error)) ([]float64, error) {
	key := cacheKey(text)

	if cached, ok := c.l1.Get(key); ok {
		if embedding, ok := cached.([]float64); ok {
			c.hits.Add(1)
			return embedding, nil
		}
	}

	if embedding, ok := c.lookupStore(ctx, key); ok {
		c.hits.Add(1)
		c.setL1(key, embedding)
		return embedding, nil
	}

	c.misses.Add(1)
	computeCtx, cancel := context.WithTimeout(ctx, c.computeTimeout)
	embedding, err := compute(computeCtx)
	cancel()
	if err != nil {
		return nil, err
	}

	c.setL1(key, embedding)
	c.storeBestEffort(ctx, key, embedding)
	return embedding, nil
}

// Embed returns the embedding for text, consulting the cache first.
func (c *Cache) Embed(ctx context.Context, text string) ([]float64, error) {
	return c.GetOrCompute(ctx, text, func(ctx context.Context) ([]float64, error) {
		return c.provider.Embed(ctx, text)
	})
}

// EmbedBatch embeds each text through the cache.
func (c *Cache) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		embedding, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = embedding
	}
	return out, nil
}

// Dimensions returns the wrapped provider's vector dimension.
func (c *Cache) Dimensions() int {
	return c.provider.Dimensions()
}

// Close releases the in-process tier and the wrapped provider.
func (c *Cache) Close() error {
	c.l1.Close()
	return c.provider.Close()
}

// Stats returns cumulative hit/miss counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}

// lookupStore checks the backing key/value tier.
func (c *Cache) lookupStore(ctx context.Context, key string) ([]float64, bool) {
	var raw []byte
	err := c.conn.Execute(ctx, func(ctx context.Context) error {
		var err error
		raw, err = c.store.GetKV(ctx, key)
		return err
	})
	if err != nil {
		// A plain miss is expected; anything else is a degraded backing
		// store, and the cache recomputes rather than failing.
		if !errors.Is(err, storage.ErrKeyNotFound) {
			c.logger.Warn("cache lookup failed", "err", err)
		}
		return nil, false
	}

	var embedding []float64
	if err := json.Unmarshal(raw, &embedding); err != nil {
		c.logger.Warn("cache entry corrupt, recomputing", "err", err)
		return nil, false
	}
	return embedding, true
}

// storeBestEffort writes the computed embedding to the backing tier. Errors
// are logged, never returned: the caching side effect is best-effort.
func (c *Cache) storeBestEffort(ctx context.Context, key string, embedding []float64) {
	raw, err := json.Marshal(embedding)
	if err != nil {
		c.logger.Warn("cache encode failed", "err", err)
		return
	}
	err = c.conn.Execute(ctx, func(ctx context.Context) error {
		return c.store.PutKV(ctx, key, raw, c.ttl)
	})
	if err != nil {
		c.logger.Warn("cache write failed", "err", err)
	}
}

// setL1 stores the embedding in the in-process tier, costed by size.
func (c *Cache) setL1(key string, embedding []float64) {
	c.l1.SetWithTTL(key, embedding, int64(len(embedding)*8), c.ttl)
}

// cacheKey computes the stable content-hash key for a text.
func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return keyPrefix + hex.EncodeToString(sum[:])
}
