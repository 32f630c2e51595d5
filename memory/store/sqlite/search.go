package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/engram-memory/engram/internal/search"
	"github.com/engram-memory/engram/internal/vector"
	"github.com/engram-memory/engram/memory"
)

// defaultRecallLimit applies when the caller passes a non-positive limit.
const defaultRecallLimit = 10

// Recall implements memory.Memory. The keyword and vector candidate lists
// are collected concurrently (no shared mutable state between them), fused
// with the configured weights, and hydrated into full records. An empty
// query or empty store yields an empty slice; a deadline expiry yields
// ErrTimeout with no partial merge.
func (s *Store) Recall(ctx context.Context, query string, limit int) ([]memory.Record, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []memory.Record{}, nil
	}
	if limit <= 0 {
		limit = defaultRecallLimit
	}

	// Resolve the query embedding first, outside any storage
	// transaction. Keyword-only stores skip the provider entirely.
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
			// Deleted between ranking and hydration.
			continue
		}
		rec.Score = f.Score
		records = append(records, *rec)
	}

	// Substring fallback keeps recall useful when FTS5 tokenization finds
	// nothing (partial words, unusual symbols).
	if len(records) == 0 {
		return s.likeFallback(ctx, query, limit)
	}

	return records, nil
}

// keywordSearch runs a ranked FTS5 query. bm25() reports better matches as
// smaller (negative) values, so the score is negated to make higher better
// before the cutoff and fusion stages.
func (s *Store) keywordSearch(ctx context.Context, query string, limit int) ([]search.Candidate, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.key, m.updated_at, bm25(memories_fts) AS score
		FROM memories_fts f
		JOIN memories m ON m.id = f.rowid
		WHERE memories_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: keyword search %q: %w", query, err)
	}
	defer func() { _ = rows.Close() }()

	var hits []search.Candidate
	for rows.Next() {
		var c search.Candidate
		var score float64
		if err := rows.Scan(&c.ID, &c.Key, &c.UpdatedAt, &score); err != nil {
			return nil, fmt.Errorf("sqlite: keyword scan: %w", err)
		}
		c.Score = -score
		if c.Score < s.search.MinKeywordScore {
			continue
		}
		hits = append(hits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: keyword rows: %w", err)
	}

	return hits, nil
}

// vectorSearch scans stored embeddings and ranks them by cosine similarity
// against the query vector. Records without an embedding are excluded. Rows
// are read newest-updated first and the sort is stable, so equal
// similarities resolve to the most recently touched record.
func (s *Store) vectorSearch(ctx context.Context, queryEmbedding []float32, limit int) ([]search.Candidate, error) {
	if len(queryEmbedding) != s.vectorWidth {
		return nil, fmt.Errorf("%w: query vector width %d, store configured for %d",
			memory.ErrDimensionMismatch, len(queryEmbedding), s.vectorWidth)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, updated_at, embedding
		FROM memories
		WHERE embedding IS NOT NULL
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []search.Candidate
	for rows.Next() {
		var c search.Candidate
		var blob []byte
		if err := rows.Scan(&c.ID, &c.Key, &c.UpdatedAt, &blob); err != nil {
			return nil, fmt.Errorf("sqlite: vector scan: %w", err)
		}

		emb := vector.Decode(blob)
		if len(emb) != s.vectorWidth {
			return nil, fmt.Errorf("%w: record %d has stored width %d, store configured for %d",
				memory.ErrDimensionMismatch, c.ID, len(emb), s.vectorWidth)
		}

		c.Score = vector.Cosine(queryEmbedding, emb)
		if c.Score <= s.search.MinVectorScore {
			continue
		}
		hits = append(hits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: vector rows: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	return hits, nil
}

// likeFallback is the last-resort substring search used when the fused
// result set comes back empty.
func (s *Store) likeFallback(ctx context.Context, query string, limit int) ([]memory.Record, error) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return []memory.Record{}, nil
	}

	var conditions []string
	var args []interface{}
	for _, term := range terms {
		conditions = append(conditions, "(content LIKE ? OR key LIKE ?)")
		pattern := "%" + term + "%"
		args = append(args, pattern, pattern)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, content, category, embedding, created_at, updated_at
		FROM memories
		WHERE `+strings.Join(conditions, " OR ")+`
		ORDER BY updated_at DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: fallback search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []memory.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: fallback scan: %w", err)
		}
		rec.Score = 1.0
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: fallback rows: %w", err)
	}

	return records, nil
}

func (s *Store) getByID(ctx context.Context, id int64) (*memory.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, content, category, embedding, created_at, updated_at
		FROM memories WHERE id = ?
	`, id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: get id %d: %w", id, err)
	}
	return rec, nil
}

// ftsQuery converts free-form input into a safe FTS5 MATCH expression.
// FTS5 syntax is fragile — an unbalanced quote or a stray AND/OR keyword
// causes a syntax error — so each whitespace token is stripped of quotes
// and wrapped in its own quoted phrase, OR-joined for recall.
func ftsQuery(query string) string {
	var terms []string
	for _, word := range strings.Fields(query) {
		word = strings.ReplaceAll(word, `"`, "")
		if word == "" {
			continue
		}
		terms = append(terms, `"`+word+`"`)
	}
	return strings.Join(terms, " OR ")
}
