// Package mock provides a deterministic in-process embedding provider for
// tests: same text, same vector, no network.
package mock

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder generates hash-seeded unit vectors of a fixed width.
type Embedder struct {
	dims int
	err  error
}

// New creates a mock embedder producing vectors of the given width.
func New(dims int) *Embedder {
	return &Embedder{dims: dims}
}

// Fail makes every subsequent Embed call return err. Passing nil restores
// normal behavior.
func (m *Embedder) Fail(err error) { m.err = err }

// Name implements embedder.Provider.
func (m *Embedder) Name() string { return "mock" }

// Dimensions implements embedder.Provider.
func (m *Embedder) Dimensions() int { return m.dims }

// Embed implements embedder.Provider. Vectors are derived from an FNV hash
// of the text so identical inputs always embed identically.
func (m *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}

	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vecs[i] = m.vectorFor(text)
	}
	return vecs, nil
}

func (m *Embedder) vectorFor(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
