// Package engram is an embedded, persistent memory store for agents and
// assistants. Records are stored under unique keys and recalled through
// hybrid retrieval: BM25 keyword search fused with cosine vector similarity,
// backed by a bounded persistent embedding cache so repeated text never pays
// for a second provider call.
//
// Typical use:
//
//	cfg := memory.DefaultConfig()
//	cfg.Storage.Path = "agent.db"
//
//	mem, err := engram.Open(cfg, nil)
//	if err != nil { ... }
//	defer mem.Close()
//
//	mem.Store(ctx, "user_name", "The user's name is Alice", memory.CategoryFact)
//	hits, err := mem.Recall(ctx, "what is the user's name?", 5)
package engram

import (
	"fmt"

	"github.com/engram-memory/engram/memory"
	"github.com/engram-memory/engram/memory/embedder"
	"github.com/engram-memory/engram/memory/store/postgres"
	"github.com/engram-memory/engram/memory/store/sqlite"
)

// Open builds a memory store from cfg. provider supplies embeddings for
// vector search; pass nil to build one from cfg.Embedder, or embedder.Noop
// for an explicitly keyword-only store.
func Open(cfg memory.Config, provider embedder.Provider) (memory.Memory, error) {
	// A zero-value or sparse config gets the documented defaults for
	// whatever it leaves unset, so callers only spell out deviations.
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Search.Overfetch == 0 {
		cfg.Search.Overfetch = 2
	}
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = 10_000
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if provider == nil {
		var err error
		provider, err = buildProvider(cfg.Embedder, cfg.Storage.VectorWidth)
		if err != nil {
			return nil, err
		}
	}

	switch cfg.Storage.Backend {
	case "sqlite":
		return sqlite.Open(cfg, provider)
	case "postgres":
		return postgres.Open(cfg, provider)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", memory.ErrInvalidInput, cfg.Storage.Backend)
	}
}

// buildProvider assembles the default embedding provider: the OpenAI client
// wrapped in a circuit breaker and, when configured, a rate limiter. The
// wrappers sit outside the client, so a tripped breaker also stops spending
// rate-limit budget.
func buildProvider(cfg memory.EmbedderConfig, width int) (embedder.Provider, error) {
	switch cfg.Provider {
	case "", "none":
		return embedder.Noop{}, nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: embedder api_key is required for provider %q",
				memory.ErrInvalidInput, cfg.Provider)
		}
		if width <= 0 {
			// A zero width would silently degrade the store to
			// keyword-only and never call the configured API.
			return nil, fmt.Errorf("%w: storage vector_width must be set for provider %q",
				memory.ErrInvalidInput, cfg.Provider)
		}
		var p embedder.Provider = embedder.NewOpenAI(cfg.BaseURL, cfg.APIKey, cfg.Model, width)
		if cfg.BreakerMaxFailures > 0 {
			p = embedder.NewBreaker(p, cfg.BreakerMaxFailures, cfg.BreakerTimeout)
		}
		if cfg.RequestsPerSecond > 0 {
			p = embedder.NewRateLimited(p, cfg.RequestsPerSecond, cfg.Burst)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", memory.ErrInvalidInput, cfg.Provider)
	}
}
