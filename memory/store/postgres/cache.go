package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/engram-memory/engram/memory"
	"github.com/engram-memory/engram/memory/embedder"
)

// embeddingFor mirrors the SQLite backend's read-through cache: hot layer,
// then the embedding_cache table, then the provider, with LRU eviction
// applied in the same transaction as the insert.
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

func (s *Store) cacheLookup(ctx context.Context, hash string) ([]float32, error) {
	var vec pgvector.Vector
	var dimension int
	err := s.db.QueryRowContext(ctx,
		"SELECT embedding, dimension FROM embedding_cache WHERE text_hash = $1", hash,
	).Scan(&vec, &dimension)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapCtxErr(fmt.Errorf("postgres: cache lookup: %w", err))
	}

	if dimension != s.vectorWidth {
		// Stale width, treat as a miss; cacheInsert refreshes in place.
		return nil, nil
	}

	s.touchCache(ctx, hash)
	return vec.Slice(), nil
}

func (s *Store) touchCache(ctx context.Context, hash string) {
	_, _ = s.db.ExecContext(ctx,
		"UPDATE embedding_cache SET accessed_at = $1 WHERE text_hash = $2",
		time.Now().UTC(), hash)
}

func (s *Store) cacheInsert(ctx context.Context, hash string, emb []float32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin cache insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO embedding_cache (text_hash, embedding, dimension, created_at, accessed_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (text_hash) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			dimension = EXCLUDED.dimension,
			accessed_at = EXCLUDED.accessed_at
	`, hash, pgvector.NewVector(emb), len(emb), now)
	if err != nil {
		return wrapCtxErr(fmt.Errorf("postgres: cache insert: %w", err))
	}

	// Oldest accessed_at goes first; created_at breaks ties in insertion
	// order.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM embedding_cache WHERE text_hash IN (
			SELECT text_hash FROM embedding_cache
			ORDER BY accessed_at ASC, created_at ASC, text_hash ASC
			LIMIT GREATEST(0, (SELECT COUNT(*) FROM embedding_cache) - $1)
		)
	`, s.capacity)
	if err != nil {
		return wrapCtxErr(fmt.Errorf("postgres: cache evict: %w", err))
	}

	return tx.Commit()
}

// SweepCache implements memory.Maintainer.
func (s *Store) SweepCache(ctx context.Context) (int, error) {
	if s.vectorWidth == 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM embedding_cache WHERE text_hash IN (
			SELECT text_hash FROM embedding_cache
			ORDER BY accessed_at ASC, created_at ASC, text_hash ASC
			LIMIT GREATEST(0, (SELECT COUNT(*) FROM embedding_cache) - $1)
		)
	`, s.capacity)
	if err != nil {
		return 0, wrapCtxErr(fmt.Errorf("postgres: cache sweep: %w", err))
	}
	evicted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: cache sweep rows affected: %w", err)
	}
	return int(evicted), nil
}
