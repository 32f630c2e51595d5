// Package embedder defines the boundary to the external embedding provider:
// the function that maps text to a fixed-width float vector. The store never
// calls a provider while holding a storage lock; embeddings are computed
// first and attached in a separate, short transaction.
package embedder

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/engram-memory/engram/memory"
)

// Provider converts text into fixed-width embedding vectors.
type Provider interface {
	// Name identifies the provider (e.g. "openai", "none").
	Name() string

	// Dimensions is the width of every vector this provider returns.
	// Zero means the provider produces no embeddings and the store
	// degrades to keyword-only retrieval.
	Dimensions() int

	// Embed converts a batch of texts into vectors, one per input, in
	// input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedOne embeds a single text through p.
func EmbedOne(ctx context.Context, p Provider, text string) ([]float32, error) {
	vecs, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("%w: provider %s returned no vectors", memory.ErrEmbeddingProvider, p.Name())
	}
	return vecs[0], nil
}

// HashText returns the deterministic cache key for a text: the first eight
// bytes of its SHA-256 digest, hex encoded. Stable across processes so the
// persistent embedding cache survives restarts.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%016x", sum[:8])
}

// Noop is the keyword-only provider: zero dimensions, no vectors.
type Noop struct{}

// Name implements Provider.
func (Noop) Name() string { return "none" }

// Dimensions implements Provider.
func (Noop) Dimensions() int { return 0 }

// Embed implements Provider. It always returns an empty batch.
func (Noop) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}
