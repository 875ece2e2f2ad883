package core

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/charmbracelet/log"

	"github.com/vitalchat/healthmem-go/pkg/connection"
	"github.com/vitalchat/healthmem-go/pkg/embedder"
	embeddercache "github.com/vitalchat/healthmem-go/pkg/embedder/cache"
	"github.com/vitalchat/healthmem-go/pkg/embedder/mock"
	embedderopenai "github.com/vitalchat/healthmem-go/pkg/embedder/openai"
	"github.com/vitalchat/healthmem-go/pkg/episodic"
	"github.com/vitalchat/healthmem-go/pkg/procedural"
	"github.com/vitalchat/healthmem-go/pkg/shortterm"
	"github.com/vitalchat/healthmem-go/pkg/storage"
	"github.com/vitalchat/healthmem-go/pkg/storage/inmemory"
	"github.com/vitalchat/healthmem-go/pkg/storage/mysql"
	"github.com/vitalchat/healthmem-go/pkg/storage/postgres"
	"github.com/vitalchat/healthmem-go/pkg/storage/sqlite"
)

// ShortTermMemory is the conversation buffer seen by the coordinator.
type ShortTermMemory interface {
	Append(ctx context.Context, sessionID string, turn shortterm.Turn) error
	GetRecent(ctx context.Context, sessionID string, maxTurns int) ([]shortterm.Turn, error)
	Clear(ctx context.Context, sessionID string) error
}

// EpisodicMemory is the durable event store seen by the coordinator.
type EpisodicMemory interface {
	Store(ctx context.Context, event *episodic.Event) (int64, error)
	Search(ctx context.Context, userID, queryText string, typeFilter *episodic.EventType, topK int) ([]episodic.Event, error)
	Purge(ctx context.Context, userID string) (int64, error)
}

// ProceduralMemory is the tool-pattern store seen by the coordinator.
type ProceduralMemory interface {
	Record(ctx context.Context, userID string, pattern *procedural.Pattern) (bool, error)
	Suggest(ctx context.Context, userID, queryText string, topK int) (*procedural.Plan, error)
	Purge(ctx context.Context, userID string) (int64, error)
}

// Client is the memory coordinator.
//
// It composes the three memory tiers behind two primary operations: Retrieve
// assembles context for an incoming query, StoreTurn records the outcome of
// an exchange. All tiers share one storage backend, one connection manager,
// and one cached embedding provider.
//
// Example:
//
//	client, err := core.New(core.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
type Client struct {
	shortTerm  ShortTermMemory
	episodic   EpisodicMemory
	procedural ProceduralMemory

	store storage.Store
	conn  *connection.Manager
	cache *embeddercache.Cache

	tierTimeout time.Duration

	config *Config
	logger *log.Logger
}

// New creates a memory client from the given configuration.
//
// The constructor wires, in order: the storage backend, the connection
// manager, the embedding provider wrapped in the cache, and the three memory
// tiers. A validation failure or backend connection failure is returned
// immediately; nothing is retried.
//
// Parameters:
//   - config: Complete client configuration (see DefaultConfig)
//
// Returns a ready Client, or an error if any component fails to initialize.
func New(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := log.Default().With("component", "healthmem")

	store, err := initStorage(config)
	if err != nil {
		return nil, NewMemoryError("New", fmt.Errorf("%w: %v", ErrConnectionFailed, err))
	}

	conn := connection.NewManager(connection.Config{
		MaxConnections: config.Connection.MaxConnections,
		AcquireTimeout: config.Connection.AcquireTimeout,
		OpTimeout:      config.Connection.OperationTimeout,
		Breaker: connection.BreakerConfig{
			FailureThreshold: config.Connection.FailureThreshold,
			ResetTimeout:     config.Connection.ResetTimeout,
		},
	}, logger)

	provider, err := initEmbedder(config)
	if err != nil {
		store.Close()
		return nil, NewMemoryError("New", err)
	}

	cached, err := embeddercache.New(provider, store, conn, embeddercache.Config{
		TTL:               config.Cache.TTL,
		MaxInProcessBytes: config.Cache.MaxInProcessBytes,
		ComputeTimeout:    config.Connection.EmbedTimeout,
	}, logger)
	if err != nil {
		store.Close()
		return nil, NewMemoryError("New", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		store.Close()
		return nil, NewMemoryError("New", err)
	}

	tierTimeout := config.Connection.TierTimeout
	if tierTimeout <= 0 {
		tierTimeout = 10 * time.Second
	}

	client := &Client{
		shortTerm: shortterm.New(store, conn, shortterm.Config{
			MaxTurns:            config.ShortTerm.MaxTurns,
			ContextWindowTokens: config.ShortTerm.ContextWindowTokens,
			TokenBudgetFraction: config.ShortTerm.TokenBudgetFraction,
			MinRetainedTurns:    config.ShortTerm.MinRetainedTurns,
			TTL:                 config.ShortTerm.TTL,
		}, logger),
		episodic: episodic.New(store, conn, cached, node, episodic.Config{
			TTL:            config.Episodic.TTL,
			DedupThreshold: config.Episodic.DedupThreshold,
			DefaultTopK:    config.Episodic.DefaultTopK,
			EmbedTimeout:   config.Connection.EmbedTimeout,
			SearchTimeout:  config.Connection.SearchTimeout,
		}, logger),
		procedural: procedural.New(store, conn, cached, node, procedural.Config{
			TTL:            config.Procedural.TTL,
			StoreThreshold: config.Procedural.StoreThreshold,
			DefaultTopK:    config.Procedural.DefaultTopK,
			EmbedTimeout:   config.Connection.EmbedTimeout,
			SearchTimeout:  config.Connection.SearchTimeout,
		}, logger),
		store:       store,
		conn:        conn,
		cache:       cached,
		tierTimeout: tierTimeout,
		config:      config,
		logger:      logger,
	}
	return client, nil
}

// initStorage creates the storage backend from configuration.
func initStorage(config *Config) (storage.Store, error) {
	dims := config.Embedder.Dimensions
	if dims <= 0 {
		dims = 1536
	}

	switch config.Storage.Provider {
	case "sqlite":
		return sqlite.NewClient(&sqlite.Config{
			DBPath:             config.Storage.DBPath,
			EmbeddingDimension: dims,
		})
	case "postgres":
		return postgres.NewClient(&postgres.Config{
			Host:               config.Storage.Host,
			Port:               config.Storage.Port,
			User:               config.Storage.User,
			Password:           config.Storage.Password,
			DBName:             config.Storage.DBName,
			SSLMode:            config.Storage.SSLMode,
			EmbeddingDimension: dims,
		})
	case "mysql":
		return mysql.NewClient(&mysql.Config{
			Host:               config.Storage.Host,
			Port:               config.Storage.Port,
			User:               config.Storage.User,
			Password:           config.Storage.Password,
			DBName:             config.Storage.DBName,
			EmbeddingDimension: dims,
		})
	case "inmemory":
		return inmemory.NewClient(), nil
	default:
		return nil, fmt.Errorf("%w: unknown storage provider %q", ErrInvalidConfig, config.Storage.Provider)
	}
}

// initEmbedder creates the embedding provider from configuration.
func initEmbedder(config *Config) (embedder.Provider, error) {
	switch config.Embedder.Provider {
	case "openai":
		return embedderopenai.NewClient(&embedderopenai.Config{
			APIKey:     config.Embedder.APIKey,
			Model:      config.Embedder.Model,
			BaseURL:    config.Embedder.BaseURL,
			Dimensions: config.Embedder.Dimensions,
		})
	case "mock":
		return mock.New(config.Embedder.Dimensions), nil
	default:
		return nil, fmt.Errorf("%w: unknown embedder provider %q", ErrInvalidConfig, config.Embedder.Provider)
	}
}

// ClearSession removes all short-term turns for a session.
func (c *Client) ClearSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return NewMemoryError("ClearSession", fmt.Errorf("%w: session id is required", ErrInvalidInput))
	}
	return NewMemoryError("ClearSession", c.shortTerm.Clear(ctx, sessionID))
}

// PurgeUser removes all episodic events and procedural patterns for a user
// and returns the total number of records deleted.
//
// Short-term turns are keyed by session, not user, and are not touched;
// use ClearSession for those.
func (c *Client) PurgeUser(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, NewMemoryError("PurgeUser", fmt.Errorf("%w: user id is required", ErrInvalidInput))
	}

	events, err := c.episodic.Purge(ctx, userID)
	if err != nil {
		return 0, NewMemoryError("PurgeUser", err)
	}
	patterns, err := c.procedural.Purge(ctx, userID)
	if err != nil {
		return events, NewMemoryError("PurgeUser", err)
	}
	return events + patterns, nil
}

// ClientStats aggregates connection and cache statistics.
type ClientStats struct {
	// ConnectionsInUse is the number of pool slots currently held.
	ConnectionsInUse int64

	// ConnectionCapacity is the pool size.
	ConnectionCapacity int64

	// BreakerState is the circuit breaker's current state.
	BreakerState connection.BreakerState

	// Cache holds the embedding cache hit/miss counters.
	Cache embeddercache.Stats
}

// Stats returns a snapshot of connection and cache statistics.
func (c *Client) Stats() ClientStats {
	inUse, capacity := c.conn.Stats()
	return ClientStats{
		ConnectionsInUse:   inUse,
		ConnectionCapacity: capacity,
		BreakerState:       c.conn.Breaker().State(),
		Cache:              c.cache.Stats(),
	}
}

// Close releases the embedding provider, the connection manager, and the
// storage backend, in that order.
func (c *Client) Close() error {
	var first error
	if err := c.cache.Close(); err != nil {
		first = err
	}
	if err := c.conn.Close(); err != nil && first == nil {
		first = err
	}
	if err := c.store.Close(); err != nil && first == nil {
		first = err
	}
	return NewMemoryError("Close", first)
}
