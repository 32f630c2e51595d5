package sqlite

import (
	"context"
	"fmt"
	"testing"

	"github.com/engram-memory/engram/memory"
	"github.com/engram-memory/engram/memory/embedder"
)

// fixedEmbedder maps known texts to hand-picked vectors so recall tests can
// control similarity exactly. Unknown texts embed to an orthogonal filler.
type fixedEmbedder struct {
	dims int
	vecs map[string][]float32
}

func (f *fixedEmbedder) Name() string    { return "fixed" }
func (f *fixedEmbedder) Dimensions() int { return f.dims }

func (f *fixedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := f.vecs[text]; ok {
			out[i] = v
			continue
		}
		filler := make([]float32, f.dims)
		filler[f.dims-1] = 1
		out[i] = filler
	}
	return out, nil
}

var _ embedder.Provider = (*fixedEmbedder)(nil)

func TestRecallEmptyQuery(t *testing.T) {
	store := newTestStore(t)

	for _, q := range []string{"", "   "} {
		hits, err := store.Recall(context.Background(), q, 5)
		if err != nil {
			t.Fatalf("recall %q: %v", q, err)
		}
		if len(hits) != 0 {
			t.Errorf("recall %q: expected no hits, got %d", q, len(hits))
		}
	}
}

func TestRecallEmptyStore(t *testing.T) {
	store := newTestStore(t)

	hits, err := store.Recall(context.Background(), "anything at all", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits, got %+v", hits)
	}
}

func TestRecallKeywordMatch(t *testing.T) {
	store := newTestStoreWith(t, embedder.Noop{}, memory.CacheConfig{Capacity: 100})
	ctx := context.Background()

	seed := map[string]string{
		"user_name":  "The user's name is Alice",
		"user_lunch": "The user had pasta for lunch",
		"meeting":    "Standup meeting moved to Tuesday",
	}
	for key, content := range seed {
		if _, err := store.Store(ctx, key, content, memory.CategoryFact); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := store.Recall(ctx, "Alice", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	if hits[0].Key != "user_name" {
		t.Errorf("expected user_name first, got %q", hits[0].Key)
	}
	if hits[0].Score <= 0 {
		t.Errorf("expected positive score, got %f", hits[0].Score)
	}
}

func TestRecallVectorMatch(t *testing.T) {
	emb := &fixedEmbedder{
		dims: 3,
		vecs: map[string][]float32{
			"the capital of France is Paris": {1, 0, 0},
			"the user prefers dark mode":     {0, 1, 0},
			"which city is France's capital": {0.95, 0.05, 0},
		},
	}
	store := newTestStoreWith(t, emb, memory.CacheConfig{Capacity: 100})
	ctx := context.Background()

	if _, err := store.Store(ctx, "france", "the capital of France is Paris", memory.CategoryFact); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Store(ctx, "theme", "the user prefers dark mode", memory.CategoryPreference); err != nil {
		t.Fatal(err)
	}

	// No keyword overlap with the stored texts: ranking is vector-driven.
	hits, err := store.Recall(ctx, "which city is France's capital", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected hits")
	}
	if hits[0].Key != "france" {
		t.Errorf("expected france first, got %q", hits[0].Key)
	}
}

func TestRecallHybridPrefersDoubleMatch(t *testing.T) {
	emb := &fixedEmbedder{
		dims: 3,
		vecs: map[string][]float32{
			"Alice enjoys hiking on weekends": {1, 0, 0},
			"Bob enjoys fishing":              {0.9, 0.1, 0},
			"what does Alice enjoy":           {0.95, 0.05, 0},
		},
	}
	store := newTestStoreWith(t, emb, memory.CacheConfig{Capacity: 100})
	ctx := context.Background()

	if _, err := store.Store(ctx, "alice_hobby", "Alice enjoys hiking on weekends", memory.CategoryFact); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Store(ctx, "bob_hobby", "Bob enjoys fishing", memory.CategoryFact); err != nil {
		t.Fatal(err)
	}

	// Both records are close in vector space; the keyword "Alice" breaks
	// the near-tie in favor of the record matched by both paths.
	hits, err := store.Recall(ctx, "what does Alice enjoy", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected hits")
	}
	if hits[0].Key != "alice_hobby" {
		t.Errorf("expected alice_hobby first, got %q", hits[0].Key)
	}
}

func TestRecallLimit(t *testing.T) {
	store := newTestStoreWith(t, embedder.Noop{}, memory.CacheConfig{Capacity: 100})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("note_%d", i)
		content := fmt.Sprintf("meeting note number %d", i)
		if _, err := store.Store(ctx, key, content, memory.CategoryEvent); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := store.Recall(ctx, "meeting note", 3)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(hits) != 3 {
		t.Errorf("expected 3 hits, got %d", len(hits))
	}
}

func TestRecallSubstringFallback(t *testing.T) {
	store := newTestStoreWith(t, embedder.Noop{}, memory.CacheConfig{Capacity: 100})
	ctx := context.Background()

	if _, err := store.Store(ctx, "token", "deploy-key-a8f3bc21", memory.CategoryFact); err != nil {
		t.Fatal(err)
	}

	// "a8f3bc21" is inside a hyphenated token FTS5 splits differently;
	// the substring fallback still finds it.
	hits, err := store.Recall(ctx, "8f3bc2", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(hits) != 1 || hits[0].Key != "token" {
		t.Errorf("expected fallback hit on token, got %+v", hits)
	}
	if hits[0].Score != 1.0 {
		t.Errorf("fallback hits carry score 1.0, got %f", hits[0].Score)
	}
}

func TestRecallReflectsForget(t *testing.T) {
	store := newTestStoreWith(t, embedder.Noop{}, memory.CacheConfig{Capacity: 100})
	ctx := context.Background()

	if _, err := store.Store(ctx, "secret", "the launch code is 0000", memory.CategoryFact); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Forget(ctx, "secret"); err != nil {
		t.Fatal(err)
	}

	hits, err := store.Recall(ctx, "launch code", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected forgotten record to stay gone, got %+v", hits)
	}
}

func TestRecallUpdatedContentWins(t *testing.T) {
	store := newTestStoreWith(t, embedder.Noop{}, memory.CacheConfig{Capacity: 100})
	ctx := context.Background()

	if _, err := store.Store(ctx, "fav_color", "favorite color is red", memory.CategoryPreference); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Store(ctx, "fav_color", "favorite color is teal", memory.CategoryPreference); err != nil {
		t.Fatal(err)
	}

	hits, err := store.Recall(ctx, "teal", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(hits) != 1 || hits[0].Content != "favorite color is teal" {
		t.Errorf("expected updated content, got %+v", hits)
	}

	// The old text must no longer be keyword-indexed.
	hits, err = store.Recall(ctx, "red", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	for _, h := range hits {
		if h.Key == "fav_color" && h.Content != "favorite color is teal" {
			t.Errorf("stale FTS row surfaced: %+v", h)
		}
	}
}

func TestFTSQuerySanitization(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"hello", `"hello"`},
		{"hello world", `"hello" OR "world"`},
		{`quoted "phrase" here`, `"quoted" OR "phrase" OR "here"`},
		{`AND OR NOT`, `"AND" OR "OR" OR "NOT"`},
		{`""`, ""},
		{"  spaced   out  ", `"spaced" OR "out"`},
	}

	for _, tc := range cases {
		if got := ftsQuery(tc.in); got != tc.want {
			t.Errorf("ftsQuery(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
