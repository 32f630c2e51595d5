package memory

import (
	"context"
	"time"
)

// Category classifies a memory record. The set is closed: backends reject
// values outside the enumeration below.
type Category string

const (
	// CategoryFact is general knowledge about the world or the user.
	CategoryFact Category = "fact"

	// CategoryPreference records how the user wants things done.
	CategoryPreference Category = "preference"

	// CategoryEvent records something that happened at a point in time.
	CategoryEvent Category = "event"

	// CategoryTask records work the agent has been asked to do.
	CategoryTask Category = "task"

	// CategoryAny is the zero value; as a List filter it matches all
	// categories. It is not storable.
	CategoryAny Category = ""
)

// Valid reports whether c is a storable category.
func (c Category) Valid() bool {
	switch c {
	case CategoryFact, CategoryPreference, CategoryEvent, CategoryTask:
		return true
	}
	return false
}

// Record is a single stored memory.
type Record struct {
	// ID is the monotonically assigned surrogate identifier. It is
	// immutable and never reused, even after the record is forgotten.
	ID int64 `json:"id"`

	// Key is the caller-supplied unique lookup key. Storing under an
	// existing key overwrites the record in place.
	Key string `json:"key"`

	// Content is the free-text body, indexed for full-text search.
	Content string `json:"content"`

	// Category is the record's memory kind.
	Category Category `json:"category"`

	// Embedding is the record's semantic vector, or nil when no embedding
	// provider is configured. When present its length equals the store's
	// configured vector width.
	Embedding []float32 `json:"embedding,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Score is the fused relevance score attached by Recall. Zero for
	// records returned by Get and List.
	Score float64 `json:"score,omitempty"`
}

// Memory is the capability set exposed to the agent loop. Implementations
// must be safe for concurrent use by multiple callers.
type Memory interface {
	// Name identifies the backend (e.g. "sqlite", "postgres").
	Name() string

	// Store creates or overwrites the record with the given key (upsert
	// semantics). The key must be non-empty and the category storable.
	// When an embedding provider is configured the content embedding is
	// resolved through the embedding cache before the record transaction
	// begins; a provider failure fails the call and stores nothing.
	Store(ctx context.Context, key, content string, category Category) (*Record, error)

	// Recall returns up to limit records ranked by hybrid relevance:
	// BM25 keyword score and cosine vector similarity, fused with the
	// configured weights. An empty query or empty store yields an empty
	// slice, never an error. A deadline expiry reports ErrTimeout.
	Recall(ctx context.Context, query string, limit int) ([]Record, error)

	// Get returns the record with the given key, or (nil, nil) when the
	// key is absent.
	Get(ctx context.Context, key string) (*Record, error)

	// List returns all records, optionally filtered by category
	// (CategoryAny matches all), ordered by creation time ascending.
	List(ctx context.Context, category Category) ([]Record, error)

	// Forget removes the record with the given key and reports whether a
	// record existed. Forgetting an absent key is not an error.
	Forget(ctx context.Context, key string) (bool, error)

	// Count returns the total number of stored records.
	Count(ctx context.Context) (int, error)

	// HealthCheck is a cheap liveness probe. It never panics and reports
	// false instead of returning an error.
	HealthCheck(ctx context.Context) bool

	// Close releases the backend's resources.
	Close() error
}

// Maintainer is an optional capability for backends that support explicit,
// externally triggered maintenance. Sweeps and backups never run on hidden
// timers; the caller decides when.
type Maintainer interface {
	// SweepCache trims the embedding cache to its configured capacity,
	// evicting least-recently-accessed entries first. Returns the number
	// of entries removed.
	SweepCache(ctx context.Context) (int, error)

	// Backup writes a verified point-in-time snapshot of the store into
	// dir and returns the snapshot path.
	Backup(ctx context.Context, dir string) (string, error)
}
