package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config contains the complete configuration for a memory Client.
//
// It includes settings for:
//   - Storage backend (where all tiers persist)
//   - Embedding provider (for vector generation)
//   - Connection management (pool size, timeouts, circuit breaking)
//   - Per-tier behavior (retention, thresholds, retrieval depth)
//
// Example:
//
//	config := &core.Config{
//	    Storage: core.StorageConfig{
//	        Provider: "sqlite",
//	        DBPath:   "./healthmem.db",
//	    },
//	    Embedder: core.EmbedderConfig{
//	        Provider:   "openai",
//	        APIKey:     "sk-...",
//	        Dimensions: 1536,
//	    },
//	}
type Config struct {
	// Storage contains storage backend configuration.
	Storage StorageConfig `json:"storage"`

	// Embedder contains embedding provider configuration.
	Embedder EmbedderConfig `json:"embedder"`

	// Connection contains pool and circuit breaker configuration.
	Connection ConnectionConfig `json:"connection"`

	// ShortTerm contains conversation buffer configuration.
	ShortTerm ShortTermConfig `json:"short_term"`

	// Episodic contains durable event store configuration.
	Episodic EpisodicConfig `json:"episodic"`

	// Procedural contains tool-pattern store configuration.
	Procedural ProceduralConfig `json:"procedural"`

	// Cache contains embedding cache configuration.
	Cache CacheConfig `json:"cache"`
}

// StorageConfig contains configuration for the storage backend.
//
// Supported providers: sqlite, postgres, mysql, inmemory
type StorageConfig struct {
	// Provider is the backend name (sqlite, postgres, mysql, inmemory).
	Provider string `json:"provider"`

	// DBPath is the database file path (sqlite only).
	DBPath string `json:"db_path,omitempty"`

	// Host is the database host (postgres, mysql).
	Host string `json:"host,omitempty"`

	// Port is the database port (postgres, mysql).
	Port int `json:"port,omitempty"`

	// User is the database user (postgres, mysql).
	User string `json:"user,omitempty"`

	// Password is the database password (postgres, mysql).
	Password string `json:"password,omitempty"`

	// DBName is the database name (postgres, mysql).
	DBName string `json:"db_name,omitempty"`

	// SSLMode is the TLS mode (postgres only; default "disable").
	SSLMode string `json:"ssl_mode,omitempty"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai, mock
type EmbedderConfig struct {
	// Provider is the embedding provider name (openai, mock).
	Provider string `json:"provider"`

	// APIKey is the API key for the embedding provider.
	APIKey string `json:"api_key,omitempty"`

	// Model is the embedding model name (e.g., "text-embedding-3-small").
	Model string `json:"model,omitempty"`

	// BaseURL is the base URL for the API (optional, provider default if empty).
	BaseURL string `json:"base_url,omitempty"`

	// Dimensions is the dimension of the embedding vectors. Defaults to 1536.
	Dimensions int `json:"dimensions,omitempty"`
}

// ConnectionConfig contains pool and circuit breaker configuration.
type ConnectionConfig struct {
	// MaxConnections bounds concurrent backend operations. Defaults to 20.
	MaxConnections int `json:"max_connections,omitempty"`

	// AcquireTimeout is how long an operation waits for a pool slot.
	// Defaults to 5s.
	AcquireTimeout time.Duration `json:"acquire_timeout,omitempty"`

	// OperationTimeout bounds a single backend operation. Defaults to 2s.
	OperationTimeout time.Duration `json:"operation_timeout,omitempty"`

	// FailureThreshold is how many consecutive failures open the breaker.
	// Defaults to 5.
	FailureThreshold int `json:"failure_threshold,omitempty"`

	// ResetTimeout is how long the breaker stays open before probing.
	// Defaults to 30s.
	ResetTimeout time.Duration `json:"reset_timeout,omitempty"`

	// EmbedTimeout bounds a single embedding computation. Defaults to 5s.
	EmbedTimeout time.Duration `json:"embed_timeout,omitempty"`

	// SearchTimeout bounds a single vector search. Defaults to 1s.
	SearchTimeout time.Duration `json:"search_timeout,omitempty"`

	// TierTimeout bounds each memory tier during retrieval fan-out; a tier
	// that exceeds it is reported as degraded instead of stalling the
	// whole retrieval. Defaults to 10s.
	TierTimeout time.Duration `json:"tier_timeout,omitempty"`
}

// ShortTermConfig contains conversation buffer configuration.
type ShortTermConfig struct {
	// MaxTurns is the default retrieval depth. Defaults to 10.
	MaxTurns int `json:"max_turns,omitempty"`

	// ContextWindowTokens is the model context window used for budget
	// math. Defaults to 8192.
	ContextWindowTokens int `json:"context_window_tokens,omitempty"`

	// TokenBudgetFraction is the fraction of the context window that
	// returned turns may occupy. Defaults to 0.8.
	TokenBudgetFraction float64 `json:"token_budget_fraction,omitempty"`

	// MinRetainedTurns is the floor below which budget trimming never
	// drops turns. Defaults to 2.
	MinRetainedTurns int `json:"min_retained_turns,omitempty"`

	// TTL is the conversation retention period. Defaults to 7 months.
	TTL time.Duration `json:"ttl,omitempty"`
}

// EpisodicConfig contains durable event store configuration.
type EpisodicConfig struct {
	// TTL is the event retention period. Defaults to 7 months.
	TTL time.Duration `json:"ttl,omitempty"`

	// DedupThreshold is the merge similarity threshold. Defaults to 0.95;
	// negative disables deduplication.
	DedupThreshold float64 `json:"dedup_threshold,omitempty"`

	// DefaultTopK is the default search depth. Defaults to 5.
	DefaultTopK int `json:"default_top_k,omitempty"`
}

// ProceduralConfig contains tool-pattern store configuration.
type ProceduralConfig struct {
	// TTL is the pattern retention period. Defaults to 7 months.
	TTL time.Duration `json:"ttl,omitempty"`

	// StoreThreshold is the minimum success score for recording a
	// pattern. Defaults to 0.7.
	StoreThreshold float64 `json:"store_threshold,omitempty"`

	// DefaultTopK is the default suggestion search depth. Defaults to 3.
	DefaultTopK int `json:"default_top_k,omitempty"`
}

// CacheConfig contains embedding cache configuration.
type CacheConfig struct {
	// TTL is how long cached embeddings stay valid. Defaults to 1h.
	TTL time.Duration `json:"ttl,omitempty"`

	// MaxInProcessBytes bounds the in-process tier. Defaults to 64 MiB.
	MaxInProcessBytes int64 `json:"max_in_process_bytes,omitempty"`
}

// DefaultConfig returns a Config with an in-memory backend and mock
// embedder, suitable for development and tests.
func DefaultConfig() *Config {
	return &Config{
		Storage:  StorageConfig{Provider: "inmemory"},
		Embedder: EmbedderConfig{Provider: "mock", Dimensions: 1536},
	}
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config struct
//
// Supported environment variables:
//   - DATABASE_PROVIDER (sqlite, postgres, mysql, inmemory)
//   - SQLITE_PATH
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD, etc.
//   - MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASSWORD, etc.
//   - EMBEDDING_PROVIDER, EMBEDDING_API_KEY, EMBEDDING_MODEL,
//     EMBEDDING_BASE_URL, EMBEDDING_DIMENSIONS
//   - HEALTHMEM_MAX_CONNECTIONS, HEALTHMEM_OPERATION_TIMEOUT_MS
//
// Returns a Config instance, or an error if loading fails.
//
// Example:
//
//	config, err := core.LoadConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadConfigFromEnv() (*Config, error) {
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	provider := getEnvOrDefault("DATABASE_PROVIDER", "sqlite")

	storage := StorageConfig{Provider: provider}
	switch provider {
	case "sqlite":
		storage.DBPath = getEnvOrDefault("SQLITE_PATH", "./healthmem.db")
	case "postgres":
		port, _ := strconv.Atoi(getEnvOrDefault("POSTGRES_PORT", "5432"))
		storage.Host = getEnvOrDefault("POSTGRES_HOST", "localhost")
		storage.Port = port
		storage.User = getEnvOrDefault("POSTGRES_USER", "postgres")
		storage.Password = os.Getenv("POSTGRES_PASSWORD")
		storage.DBName = getEnvOrDefault("POSTGRES_DATABASE", "healthmem")
		storage.SSLMode = getEnvOrDefault("POSTGRES_SSLMODE", "disable")
	case "mysql":
		port, _ := strconv.Atoi(getEnvOrDefault("MYSQL_PORT", "3306"))
		storage.Host = getEnvOrDefault("MYSQL_HOST", "127.0.0.1")
		storage.Port = port
		storage.User = getEnvOrDefault("MYSQL_USER", "root")
		storage.Password = os.Getenv("MYSQL_PASSWORD")
		storage.DBName = getEnvOrDefault("MYSQL_DATABASE", "healthmem")
	}

	embedderProvider := getEnvOrDefault("EMBEDDING_PROVIDER", "openai")
	dims, _ := strconv.Atoi(getEnvOrDefault("EMBEDDING_DIMENSIONS", "1536"))

	config := &Config{
		Storage: storage,
		Embedder: EmbedderConfig{
			Provider:   embedderProvider,
			APIKey:     os.Getenv("EMBEDDING_API_KEY"),
			Model:      getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
			BaseURL:    os.Getenv("EMBEDDING_BASE_URL"),
			Dimensions: dims,
		},
	}

	if v := os.Getenv("HEALTHMEM_MAX_CONNECTIONS"); v != "" {
		n, _ := strconv.Atoi(v)
		config.Connection.MaxConnections = n
	}
	if v := os.Getenv("HEALTHMEM_OPERATION_TIMEOUT_MS"); v != "" {
		ms, _ := strconv.Atoi(v)
		config.Connection.OperationTimeout = time.Duration(ms) * time.Millisecond
	}

	return config, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
//
// Parameters:
//   - envPath: Path to the .env file
//
// Returns a Config instance, or an error if loading fails.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file.
//
// Parameters:
//   - path: Path to the JSON configuration file
//
// Returns a Config instance, or an error if loading or parsing fails.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	return &config, nil
}

// Validate validates the configuration.
//
// Checks that:
//   - A storage provider is specified and known
//   - An embedding provider is specified and known
//   - The openai embedder carries an API key
//
// Returns an error if validation fails, nil otherwise.
func (c *Config) Validate() error {
	switch c.Storage.Provider {
	case "sqlite", "postgres", "mysql", "inmemory":
	case "":
		return NewMemoryError("Validate", fmt.Errorf("%w: storage provider is required", ErrInvalidConfig))
	default:
		return NewMemoryError("Validate", fmt.Errorf("%w: unknown storage provider %q", ErrInvalidConfig, c.Storage.Provider))
	}

	switch c.Embedder.Provider {
	case "openai":
		if c.Embedder.APIKey == "" {
			return NewMemoryError("Validate", fmt.Errorf("%w: openai embedder requires an api key", ErrInvalidConfig))
		}
	case "mock":
	case "":
		return NewMemoryError("Validate", fmt.Errorf("%w: embedder provider is required", ErrInvalidConfig))
	default:
		return NewMemoryError("Validate", fmt.Errorf("%w: unknown embedder provider %q", ErrInvalidConfig, c.Embedder.Provider))
	}

	return nil
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
//
// Returns:
//   - path: Path to the found file (empty if not found)
//   - found: True if a file was found, false otherwise
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
