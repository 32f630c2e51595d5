package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/engram-memory/engram/internal/vector"
	"github.com/engram-memory/engram/memory"
	"github.com/engram-memory/engram/memory/embedder"
)

func encodeEmbedding(emb []float32) []byte  { return vector.Encode(emb) }
func decodeEmbedding(blob []byte) []float32 { return vector.Decode(blob) }

// embeddingFor resolves the embedding for text through the persistent cache:
// hit updates accessed_at and returns the stored vector, miss calls the
// provider, stores the result, and evicts least-recently-accessed overflow
// in the same transaction. Keyword-only stores (width zero) skip the
// provider entirely and return a nil vector.
func (s *Store) embeddingFor(ctx context.Context, text string) ([]float32, error) {
	if s.vectorWidth == 0 {
		return nil, nil
	}

	hash := embedder.HashText(text)

	if s.hot != nil {
		if emb, ok := s.hot.Get(hash); ok {
			s.touchCache(ctx, hash)
			return emb, nil
		}
	}

	emb, err := s.cacheLookup(ctx, hash)
	if err != nil {
		return nil, err
	}
	if emb != nil {
		if s.hot != nil {
			s.hot.Add(hash, emb)
		}
		return emb, nil
	}

	emb, err = embedder.EmbedOne(ctx, s.provider, text)
	if err != nil {
		return nil, wrapCtxErr(err)
	}
	if len(emb) != s.vectorWidth {
		return nil, fmt.Errorf("%w: provider returned width %d, store configured for %d",
			memory.ErrDimensionMismatch, len(emb), s.vectorWidth)
	}

	if err := s.cacheInsert(ctx, hash, emb); err != nil {
		return nil, err
	}
	if s.hot != nil {
		s.hot.Add(hash, emb)
	}

	return emb, nil
}

// cacheLookup returns the cached vector for hash, refreshing accessed_at on
// a hit. A miss returns (nil, nil).
func (s *Store) cacheLookup(ctx context.Context, hash string) ([]float32, error) {
	var blob []byte
	var dimension int
	err := s.db.QueryRowContext(ctx,
		"SELECT embedding, dimension FROM embedding_cache WHERE text_hash = ?", hash,
	).Scan(&blob, &dimension)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapCtxErr(fmt.Errorf("sqlite: cache lookup: %w", err))
	}

	if dimension != s.vectorWidth {
		// Stale entry from a previous provider configuration. Treat it
		// as a miss; cacheInsert refreshes the row in place.
		return nil, nil
	}

	s.touchCache(ctx, hash)
	return vector.Decode(blob), nil
}

// touchCache bumps accessed_at so eviction keeps hot entries. Best effort:
// a failed touch costs recency, never correctness.
func (s *Store) touchCache(ctx context.Context, hash string) {
	_, _ = s.db.ExecContext(ctx,
		"UPDATE embedding_cache SET accessed_at = ? WHERE text_hash = ?",
		time.Now().UTC(), hash)
}

// cacheInsert stores a freshly computed vector and evicts overflow in the
// same transaction, so the capacity bound holds at every commit.
func (s *Store) cacheInsert(ctx context.Context, hash string, emb []float32) error {
	now := time.Now().UTC()
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: begin cache insert: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// ON CONFLICT keeps the original rowid and created_at, so the
		// insertion-order eviction tiebreak reflects first insert, not
		// refresh time.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO embedding_cache (text_hash, embedding, dimension, created_at, accessed_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(text_hash) DO UPDATE SET
				embedding = excluded.embedding,
				dimension = excluded.dimension,
				accessed_at = excluded.accessed_at
		`, hash, vector.Encode(emb), len(emb), now, now)
		if err != nil {
			return fmt.Errorf("sqlite: cache insert: %w", err)
		}

		// Oldest accessed_at goes first; rowid breaks ties so two
		// entries written in the same instant evict deterministically.
		_, err = tx.ExecContext(ctx, `
			DELETE FROM embedding_cache WHERE text_hash IN (
				SELECT text_hash FROM embedding_cache
				ORDER BY accessed_at ASC, rowid ASC
				LIMIT MAX(0, (SELECT COUNT(*) FROM embedding_cache) - ?)
			)
		`, s.capacity)
		if err != nil {
			return fmt.Errorf("sqlite: cache evict: %w", err)
		}

		return tx.Commit()
	})
}

// SweepCache implements memory.Maintainer: it re-applies the capacity bound
// and reports how many entries were evicted. Useful after lowering the
// configured capacity on an existing database.
func (s *Store) SweepCache(ctx context.Context) (int, error) {
	var evicted int64
	err := s.withRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM embedding_cache WHERE text_hash IN (
				SELECT text_hash FROM embedding_cache
				ORDER BY accessed_at ASC, rowid ASC
				LIMIT MAX(0, (SELECT COUNT(*) FROM embedding_cache) - ?)
			)
		`, s.capacity)
		if err != nil {
			return fmt.Errorf("sqlite: cache sweep: %w", err)
		}
		evicted, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: cache sweep rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, wrapCtxErr(err)
	}
	return int(evicted), nil
}

// cacheSize is used by tests and maintenance tooling.
func (s *Store) cacheSize(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embedding_cache").Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: cache size: %w", err)
	}
	return n, nil
}
