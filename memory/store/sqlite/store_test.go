package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/engram-memory/engram/memory"
	"github.com/engram-memory/engram/memory/embedder"
	"github.com/engram-memory/engram/memory/embedder/mock"
)

const testDims = 8

// newTestStore creates an in-memory store with a deterministic mock
// embedder. Open initializes the full schema, so no additional DDL is
// required in tests.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	return newTestStoreWith(t, mock.New(testDims), memory.CacheConfig{Capacity: 100})
}

func newTestStoreWith(t *testing.T, provider embedder.Provider, cache memory.CacheConfig) *Store {
	t.Helper()

	cfg := memory.DefaultConfig()
	cfg.Storage.Path = ":memory:"
	cfg.Cache = cache

	store, err := Open(cfg, provider)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreAndGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Store(ctx, "user_name", "The user's name is Alice", memory.CategoryFact)
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if rec.ID <= 0 {
		t.Errorf("expected positive id, got %d", rec.ID)
	}
	if len(rec.Embedding) != testDims {
		t.Errorf("expected embedding width %d, got %d", testDims, len(rec.Embedding))
	}

	got, err := store.Get(ctx, "user_name")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if got.ID != rec.ID || got.Key != "user_name" || got.Content != "The user's name is Alice" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Category != memory.CategoryFact {
		t.Errorf("expected category fact, got %q", got.Category)
	}
	if len(got.Embedding) != testDims {
		t.Errorf("expected stored embedding width %d, got %d", testDims, len(got.Embedding))
	}
}

func TestStoreRejectsEmptyKey(t *testing.T) {
	store := newTestStore(t)

	for _, key := range []string{"", "   "} {
		_, err := store.Store(context.Background(), key, "content", memory.CategoryFact)
		if err == nil {
			t.Fatalf("expected error for key %q", key)
		}
		if !errors.Is(err, memory.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for key %q, got %v", key, err)
		}
	}
}

func TestStoreRejectsUnknownCategory(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Store(context.Background(), "k", "content", memory.Category("opinion"))
	if !errors.Is(err, memory.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestStoreUpsertPreservesIDAndCreatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Store(ctx, "user_name", "Alice", memory.CategoryFact)
	if err != nil {
		t.Fatalf("first store: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	second, err := store.Store(ctx, "user_name", "Alice Liddell", memory.CategoryPreference)
	if err != nil {
		t.Fatalf("second store: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("upsert changed id: %d -> %d", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("upsert changed created_at: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("expected updated_at to advance: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
	if second.Content != "Alice Liddell" || second.Category != memory.CategoryPreference {
		t.Errorf("upsert did not replace content/category: %+v", second)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 record after upsert, got %d", count)
	}
}

func TestIDsAreMonotonicAndNeverReused(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, err := store.Store(ctx, "a", "first", memory.CategoryFact)
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.Store(ctx, "b", "second", memory.CategoryFact)
	if err != nil {
		t.Fatal(err)
	}
	if b.ID <= a.ID {
		t.Fatalf("expected ids to grow: %d then %d", a.ID, b.ID)
	}

	if _, err := store.Forget(ctx, "b"); err != nil {
		t.Fatal(err)
	}

	c, err := store.Store(ctx, "c", "third", memory.CategoryFact)
	if err != nil {
		t.Fatal(err)
	}
	if c.ID <= b.ID {
		t.Errorf("id %d reused after delete of %d", c.ID, b.ID)
	}
}

func TestGetMissingKey(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.Get(context.Background(), "never_stored")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil record, got %+v", rec)
	}
}

func TestForgetIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Store(ctx, "k", "v", memory.CategoryFact); err != nil {
		t.Fatal(err)
	}

	existed, err := store.Forget(ctx, "k")
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	if !existed {
		t.Error("expected first forget to report true")
	}

	existed, err = store.Forget(ctx, "k")
	if err != nil {
		t.Fatalf("second forget: %v", err)
	}
	if existed {
		t.Error("expected second forget to report false")
	}
}

func TestListOrderAndFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	keys := []string{"first", "second", "third"}
	categories := []memory.Category{memory.CategoryFact, memory.CategoryEvent, memory.CategoryFact}
	for i, key := range keys {
		if _, err := store.Store(ctx, key, "content "+key, categories[i]); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	all, err := store.List(ctx, memory.CategoryAny)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	for i, rec := range all {
		if rec.Key != keys[i] {
			t.Errorf("position %d: expected %q, got %q", i, keys[i], rec.Key)
		}
	}

	facts, err := store.List(ctx, memory.CategoryFact)
	if err != nil {
		t.Fatalf("list facts: %v", err)
	}
	if len(facts) != 2 || facts[0].Key != "first" || facts[1].Key != "third" {
		t.Errorf("unexpected fact list: %+v", facts)
	}

	if _, err := store.List(ctx, memory.Category("bogus")); !errors.Is(err, memory.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for bogus category, got %v", err)
	}
}

func TestCountEmpty(t *testing.T) {
	store := newTestStore(t)

	count, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0, got %d", count)
	}
}

func TestHealthCheck(t *testing.T) {
	store := newTestStore(t)

	if !store.HealthCheck(context.Background()) {
		t.Error("expected healthy store")
	}

	_ = store.Close()
	if store.HealthCheck(context.Background()) {
		t.Error("expected unhealthy store after close")
	}
}

func TestOpenDimensionMismatch(t *testing.T) {
	cfg := memory.DefaultConfig()
	cfg.Storage.Path = ":memory:"
	cfg.Storage.VectorWidth = 4

	_, err := Open(cfg, mock.New(testDims))
	if !errors.Is(err, memory.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	cfg := memory.DefaultConfig()
	cfg.Storage.Path = ""

	_, err := Open(cfg, nil)
	if !errors.Is(err, memory.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	cfg := memory.DefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "nested", "dir", "engram.db")

	store, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = store.Close() }()

	if !store.HealthCheck(context.Background()) {
		t.Error("expected healthy store")
	}
}

func TestKeywordOnlyStore(t *testing.T) {
	store := newTestStoreWith(t, embedder.Noop{}, memory.CacheConfig{Capacity: 100})
	ctx := context.Background()

	rec, err := store.Store(ctx, "user_name", "The user's name is Alice", memory.CategoryFact)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if rec.Embedding != nil {
		t.Errorf("expected no embedding, got width %d", len(rec.Embedding))
	}

	hits, err := store.Recall(ctx, "Alice", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(hits) != 1 || hits[0].Key != "user_name" {
		t.Errorf("unexpected recall result: %+v", hits)
	}
}

func TestConcurrentSameKeyWritesKeepTimestampInvariants(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Writers churning one key: two upserting, one deleting and
	// re-creating. Every record a writer gets back must satisfy
	// updated_at >= created_at regardless of interleaving.
	const rounds = 200
	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	check := func(rec *memory.Record) error {
		if rec.UpdatedAt.Before(rec.CreatedAt) {
			return fmt.Errorf("record %d: updated_at %v before created_at %v",
				rec.ID, rec.UpdatedAt, rec.CreatedAt)
		}
		return nil
	}

	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				rec, err := store.Store(ctx, "contended", fmt.Sprintf("writer %d round %d", w, i), memory.CategoryFact)
				if err != nil {
					errCh <- err
					return
				}
				if err := check(rec); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if _, err := store.Forget(ctx, "contended"); err != nil {
				errCh <- err
				return
			}
			rec, err := store.Store(ctx, "contended", fmt.Sprintf("churner round %d", i), memory.CategoryFact)
			if err != nil {
				errCh <- err
				return
			}
			if err := check(rec); err != nil {
				errCh <- err
				return
			}
		}
	}()

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	final, err := store.Get(ctx, "contended")
	if err != nil {
		t.Fatal(err)
	}
	if final != nil && final.UpdatedAt.Before(final.CreatedAt) {
		t.Errorf("final record: updated_at %v before created_at %v", final.UpdatedAt, final.CreatedAt)
	}
}

func TestSerializedWritesNeverDecreaseUpdatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var prev time.Time
	for i := 0; i < 50; i++ {
		rec, err := store.Store(ctx, "k", fmt.Sprintf("revision %d", i), memory.CategoryFact)
		if err != nil {
			t.Fatal(err)
		}
		if rec.UpdatedAt.Before(prev) {
			t.Fatalf("write %d: updated_at %v went backwards from %v", i, rec.UpdatedAt, prev)
		}
		if rec.UpdatedAt.Before(rec.CreatedAt) {
			t.Fatalf("write %d: updated_at %v before created_at %v", i, rec.UpdatedAt, rec.CreatedAt)
		}
		prev = rec.UpdatedAt
	}
}

func TestStoreTimeout(t *testing.T) {
	store := newTestStore(t)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := store.Store(ctx, "k", "v", memory.CategoryFact)
	if !errors.Is(err, memory.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestRecallTimeout(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Store(ctx, "k", "some content", memory.CategoryFact); err != nil {
		t.Fatal(err)
	}

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()

	_, err := store.Recall(expired, "content", 5)
	if !errors.Is(err, memory.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}
