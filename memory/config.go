package memory

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything a backend needs at open time. The engine treats
// these values as fixed for the session; they are not mutable once a store
// has been opened.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Search   SearchConfig   `yaml:"search"`
	Cache    CacheConfig    `yaml:"cache"`
	Embedder EmbedderConfig `yaml:"embedder"`
}

// StorageConfig selects and parameterizes the storage backend.
type StorageConfig struct {
	// Backend is the storage engine: "sqlite" (default) or "postgres".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file path. The parent directory is
	// created if absent. ":memory:" opens an ephemeral store.
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string (postgres backend only).
	DSN string `yaml:"dsn"`

	// VectorWidth is the fixed embedding dimensionality. Every stored
	// embedding and every query vector must have exactly this width.
	// Zero disables vector search (keyword-only store).
	VectorWidth int `yaml:"vector_width"`
}

// SearchConfig tunes the hybrid retrieval engine.
type SearchConfig struct {
	// VectorWeight and KeywordWeight scale the normalized similarity and
	// BM25 scores during fusion. Conventionally they sum to 1.
	VectorWeight  float64 `yaml:"vector_weight"`
	KeywordWeight float64 `yaml:"keyword_weight"`

	// Overfetch multiplies the caller's limit when collecting candidates
	// from each search path, so the fusion ranker has enough material to
	// re-rank.
	Overfetch int `yaml:"overfetch"`

	// MinKeywordScore and MinVectorScore drop candidates below the given
	// raw score before fusion. Zero keeps everything.
	MinKeywordScore float64 `yaml:"min_keyword_score"`
	MinVectorScore  float64 `yaml:"min_vector_score"`
}

// CacheConfig bounds the persistent embedding cache.
type CacheConfig struct {
	// Capacity is the maximum number of persisted cache entries. The
	// least-recently-accessed entry is evicted first on overflow.
	Capacity int `yaml:"capacity"`

	// HotEntries sizes the in-process LRU layer in front of the
	// persistent table. Purely an optimization; zero disables it.
	HotEntries int `yaml:"hot_entries"`
}

// EmbedderConfig configures the default embedding provider built by Open
// when the caller does not supply one.
type EmbedderConfig struct {
	// Provider is "openai" for any OpenAI-compatible embeddings API, or
	// "" / "none" for a keyword-only store.
	Provider string `yaml:"provider"`

	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	// RequestsPerSecond and Burst rate-limit provider calls. Zero
	// disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	// BreakerMaxFailures consecutive failures trip the circuit breaker;
	// it stays open for BreakerTimeout before probing again.
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`
}

// DefaultConfig returns the documented defaults: SQLite backend, 0.7/0.3
// fusion weights, 2x overfetch, and a 10 000 entry embedding cache.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "./data/engram.db",
		},
		Search: SearchConfig{
			VectorWeight:  0.7,
			KeywordWeight: 0.3,
			Overfetch:     2,
		},
		Cache: CacheConfig{
			Capacity:   10_000,
			HotEntries: 256,
		},
		Embedder: EmbedderConfig{
			BaseURL:            "https://api.openai.com/v1",
			Model:              "text-embedding-3-small",
			BreakerMaxFailures: 3,
			BreakerTimeout:     30 * time.Second,
		},
	}
}

// LoadConfig reads configuration from ENGRAM_-prefixed environment
// variables on top of the defaults.
func LoadConfig() Config {
	cfg := DefaultConfig()

	cfg.Storage.Backend = getEnv("ENGRAM_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Path = getEnv("ENGRAM_DB_PATH", cfg.Storage.Path)
	cfg.Storage.DSN = getEnv("ENGRAM_POSTGRES_DSN", cfg.Storage.DSN)
	cfg.Storage.VectorWidth = getEnvInt("ENGRAM_VECTOR_WIDTH", cfg.Storage.VectorWidth)

	cfg.Search.VectorWeight = getEnvFloat("ENGRAM_VECTOR_WEIGHT", cfg.Search.VectorWeight)
	cfg.Search.KeywordWeight = getEnvFloat("ENGRAM_KEYWORD_WEIGHT", cfg.Search.KeywordWeight)
	cfg.Search.Overfetch = getEnvInt("ENGRAM_OVERFETCH", cfg.Search.Overfetch)
	cfg.Search.MinKeywordScore = getEnvFloat("ENGRAM_MIN_KEYWORD_SCORE", cfg.Search.MinKeywordScore)
	cfg.Search.MinVectorScore = getEnvFloat("ENGRAM_MIN_VECTOR_SCORE", cfg.Search.MinVectorScore)

	cfg.Cache.Capacity = getEnvInt("ENGRAM_CACHE_CAPACITY", cfg.Cache.Capacity)
	cfg.Cache.HotEntries = getEnvInt("ENGRAM_CACHE_HOT_ENTRIES", cfg.Cache.HotEntries)

	cfg.Embedder.Provider = getEnv("ENGRAM_EMBEDDING_PROVIDER", cfg.Embedder.Provider)
	cfg.Embedder.BaseURL = getEnv("ENGRAM_EMBEDDING_BASE_URL", cfg.Embedder.BaseURL)
	cfg.Embedder.APIKey = getEnv("ENGRAM_EMBEDDING_API_KEY", cfg.Embedder.APIKey)
	cfg.Embedder.Model = getEnv("ENGRAM_EMBEDDING_MODEL", cfg.Embedder.Model)

	return cfg
}

// LoadConfigFile reads a YAML configuration file on top of the defaults.
// Keys absent from the file keep their default values.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for values no backend can honor.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidInput, c.Storage.Backend)
	}

	if c.Storage.VectorWidth < 0 {
		return fmt.Errorf("%w: vector width must be >= 0", ErrInvalidInput)
	}

	if c.Search.VectorWeight < 0 || c.Search.KeywordWeight < 0 {
		return fmt.Errorf("%w: fusion weights must be >= 0", ErrInvalidInput)
	}

	if c.Search.Overfetch < 1 {
		return fmt.Errorf("%w: overfetch must be >= 1", ErrInvalidInput)
	}

	if c.Cache.Capacity < 1 {
		return fmt.Errorf("%w: cache capacity must be >= 1", ErrInvalidInput)
	}

	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value when the variable is unset or unparseable.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value when the variable is unset or unparseable.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
