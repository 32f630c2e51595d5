package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	pgvector "github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/engram-memory/engram/internal/search"
	"github.com/engram-memory/engram/memory"
)

const defaultRecallLimit = 10

// Recall implements memory.Memory with the same fusion contract as the
// SQLite backend: keyword and vector candidates collected concurrently,
// min-max normalized, weighted, and hydrated.
func (s *Store) Recall(ctx context.Context, query string, limit int) ([]memory.Record, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []memory.Record{}, nil
	}
	if limit <= 0 {
		limit = defaultRecallLimit
	}

	queryEmbedding, err := s.embeddingFor(ctx, query)
	if err != nil {
		return nil, wrapCtxErr(err)
	}

	overfetch := limit * s.search.Overfetch

	var keywordHits, vectorHits []search.Candidate
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hits, err := s.keywordSearch(gctx, query, overfetch)
		if err != nil {
			return err
		}
		keywordHits = hits
		return nil
	})

	if len(queryEmbedding) > 0 {
		g.Go(func() error {
			hits, err := s.vectorSearch(gctx, queryEmbedding, overfetch)
			if err != nil {
				return err
			}
			vectorHits = hits
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, wrapCtxErr(err)
	}

	fused := search.Fuse(vectorHits, keywordHits, s.search.VectorWeight, s.search.KeywordWeight, limit)

	records := make([]memory.Record, 0, len(fused))
	for _, f := range fused {
		rec, err := s.getByID(ctx, f.ID)
		if err != nil {
			return nil, wrapCtxErr(err)
		}
		if rec == nil {
			continue
		}
		rec.Score = f.Score
		records = append(records, *rec)
	}

	if len(records) == 0 {
		return s.likeFallback(ctx, query, limit)
	}

	return records, nil
}

// keywordSearch ranks rows with ts_rank over the generated tsvector column.
func (s *Store) keywordSearch(ctx context.Context, query string, limit int) ([]search.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, updated_at, ts_rank(content_tsv, plainto_tsquery('english', $1)) AS score
		FROM memories
		WHERE content_tsv @@ plainto_tsquery('english', $1)
		ORDER BY score DESC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: keyword search %q: %w", query, err)
	}
	defer func() { _ = rows.Close() }()

	var hits []search.Candidate
	for rows.Next() {
		var c search.Candidate
		if err := rows.Scan(&c.ID, &c.Key, &c.UpdatedAt, &c.Score); err != nil {
			return nil, fmt.Errorf("postgres: keyword scan: %w", err)
		}
		if c.Score < s.search.MinKeywordScore {
			continue
		}
		hits = append(hits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: keyword rows: %w", err)
	}

	return hits, nil
}

// vectorSearch ranks rows by cosine similarity server-side. pgvector's <=>
// operator yields cosine distance, so similarity = 1 - distance.
func (s *Store) vectorSearch(ctx context.Context, queryEmbedding []float32, limit int) ([]search.Candidate, error) {
	if len(queryEmbedding) != s.vectorWidth {
		return nil, fmt.Errorf("%w: query vector width %d, store configured for %d",
			memory.ErrDimensionMismatch, len(queryEmbedding), s.vectorWidth)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, updated_at, 1 - (embedding <=> $1) AS score
		FROM memories
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1, updated_at DESC
		LIMIT $2
	`, pgvector.NewVector(queryEmbedding), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []search.Candidate
	for rows.Next() {
		var c search.Candidate
		if err := rows.Scan(&c.ID, &c.Key, &c.UpdatedAt, &c.Score); err != nil {
			return nil, fmt.Errorf("postgres: vector scan: %w", err)
		}
		if c.Score <= s.search.MinVectorScore {
			continue
		}
		hits = append(hits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: vector rows: %w", err)
	}

	return hits, nil
}

// likeFallback is the last-resort substring search when fusion finds nothing.
func (s *Store) likeFallback(ctx context.Context, query string, limit int) ([]memory.Record, error) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return []memory.Record{}, nil
	}

	var conditions []string
	var args []interface{}
	for i, term := range terms {
		conditions = append(conditions, fmt.Sprintf("(content ILIKE $%d OR key ILIKE $%d)", i+1, i+1))
		args = append(args, "%"+term+"%")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, key, content, category, created_at, updated_at
		FROM memories
		WHERE %s
		ORDER BY updated_at DESC
		LIMIT $%d
	`, strings.Join(conditions, " OR "), len(terms)+1), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: fallback search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []memory.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: fallback scan: %w", err)
		}
		rec.Score = 1.0
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: fallback rows: %w", err)
	}

	return records, nil
}

func (s *Store) getByID(ctx context.Context, id int64) (*memory.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, content, category, created_at, updated_at
		FROM memories WHERE id = $1
	`, id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get id %d: %w", id, err)
	}
	return rec, nil
}
