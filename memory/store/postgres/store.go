package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/engram-memory/engram/memory"
	"github.com/engram-memory/engram/memory/embedder"
)

// Store implements memory.Memory and memory.Maintainer on PostgreSQL.
// Unlike the SQLite backend it leans on the server for concurrency and
// vector math: pgvector's <=> operator ranks by cosine distance on the
// server side instead of scanning blobs client-side.
type Store struct {
	db       *sql.DB
	provider embedder.Provider

	vectorWidth int
	search      memory.SearchConfig
	capacity    int

	hot *lru.Cache[string, []float32]
}

var (
	_ memory.Memory     = (*Store)(nil)
	_ memory.Maintainer = (*Store)(nil)
)

// Open connects to the database named by cfg.Storage.DSN and ensures the
// schema exists. provider may be nil or embedder.Noop for a keyword-only
// store; when both the provider and config declare a vector width they must
// agree.
func Open(cfg memory.Config, provider embedder.Provider) (*Store, error) {
	if provider == nil {
		provider = embedder.Noop{}
	}

	width, err := resolveWidth(cfg.Storage.VectorWidth, provider.Dimensions())
	if err != nil {
		return nil, err
	}

	if cfg.Storage.DSN == "" {
		return nil, fmt.Errorf("%w: postgres DSN is required", memory.ErrInvalidInput)
	}

	db, err := sql.Open("postgres", cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", memory.ErrStorageUnavailable, err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", memory.ErrStorageUnavailable, err)
	}

	if _, err := db.Exec(schemaFor(width)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", memory.ErrStorageUnavailable, err)
	}

	s := &Store{
		db:          db,
		provider:    provider,
		vectorWidth: width,
		search:      normalizeSearch(cfg.Search),
		capacity:    cfg.Cache.Capacity,
	}
	if s.capacity < 1 {
		s.capacity = 10_000
	}
	if cfg.Cache.HotEntries > 0 {
		s.hot, _ = lru.New[string, []float32](cfg.Cache.HotEntries)
	}

	return s, nil
}

func resolveWidth(configured, provided int) (int, error) {
	switch {
	case provided == 0:
		return configured, nil
	case configured == 0:
		return provided, nil
	case configured != provided:
		return 0, fmt.Errorf("%w: configured vector width %d, provider produces %d",
			memory.ErrDimensionMismatch, configured, provided)
	default:
		return configured, nil
	}
}

func normalizeSearch(cfg memory.SearchConfig) memory.SearchConfig {
	if cfg.VectorWeight == 0 && cfg.KeywordWeight == 0 {
		cfg.VectorWeight = 0.7
		cfg.KeywordWeight = 0.3
	}
	if cfg.Overfetch < 1 {
		cfg.Overfetch = 2
	}
	return cfg
}

// Name implements memory.Memory.
func (s *Store) Name() string { return "postgres" }

// Store implements memory.Memory.
func (s *Store) Store(ctx context.Context, key, content string, category memory.Category) (*memory.Record, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: key is required", memory.ErrInvalidInput)
	}
	if !category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", memory.ErrInvalidInput, category)
	}

	emb, err := s.embeddingFor(ctx, content)
	if err != nil {
		return nil, err
	}

	// Timestamps come from the server clock. updated_at uses
	// clock_timestamp(), which is evaluated after the row lock is
	// acquired, so under concurrent same-key writers timestamp order
	// matches commit order and updated_at never moves backwards; now()
	// (statement start) would be captured before blocking on the lock.
	var query string
	args := []interface{}{key, content, string(category)}
	if s.vectorWidth > 0 {
		query = `
			INSERT INTO memories (key, content, category, embedding, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), clock_timestamp())
			ON CONFLICT (key) DO UPDATE SET
				content = EXCLUDED.content,
				category = EXCLUDED.category,
				embedding = EXCLUDED.embedding,
				updated_at = clock_timestamp()
			RETURNING id, key, content, category, created_at, updated_at
		`
		args = append(args, nullableVector(emb))
	} else {
		query = `
			INSERT INTO memories (key, content, category, created_at, updated_at)
			VALUES ($1, $2, $3, now(), clock_timestamp())
			ON CONFLICT (key) DO UPDATE SET
				content = EXCLUDED.content,
				category = EXCLUDED.category,
				updated_at = clock_timestamp()
			RETURNING id, key, content, category, created_at, updated_at
		`
	}

	row := s.db.QueryRowContext(ctx, query, args...)

	rec, err := scanRecord(row)
	if err != nil {
		return nil, wrapCtxErr(fmt.Errorf("postgres: upsert %q: %w", key, mapPQErr(err)))
	}
	rec.Embedding = emb
	return rec, nil
}

// Get implements memory.Memory. A missing key returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*memory.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, content, category, created_at, updated_at
		FROM memories WHERE key = $1
	`, key)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapCtxErr(fmt.Errorf("postgres: get %q: %w", key, err))
	}
	return rec, nil
}

// List implements memory.Memory, ordered by creation time ascending with id
// as the deterministic tiebreak.
func (s *Store) List(ctx context.Context, category memory.Category) ([]memory.Record, error) {
	query := `
		SELECT id, key, content, category, created_at, updated_at
		FROM memories
	`
	var args []interface{}
	if category != memory.CategoryAny {
		if !category.Valid() {
			return nil, fmt.Errorf("%w: unknown category %q", memory.ErrInvalidInput, category)
		}
		query += " WHERE category = $1"
		args = append(args, string(category))
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapCtxErr(fmt.Errorf("postgres: list: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var records []memory.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list scan: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list rows: %w", err)
	}

	return records, nil
}

// Forget implements memory.Memory. It reports whether a record existed.
func (s *Store) Forget(ctx context.Context, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE key = $1", key)
	if err != nil {
		return false, wrapCtxErr(fmt.Errorf("postgres: forget %q: %w", key, err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: forget %q rows affected: %w", key, err)
	}
	return affected > 0, nil
}

// Count implements memory.Memory.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&count); err != nil {
		return 0, wrapCtxErr(fmt.Errorf("postgres: count: %w", err))
	}
	return count, nil
}

// HealthCheck implements memory.Memory.
func (s *Store) HealthCheck(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// Close implements memory.Memory.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Backup implements memory.Maintainer. Physical backups of a PostgreSQL
// server belong to pg_dump and friends, not to a client library.
func (s *Store) Backup(ctx context.Context, dir string) (string, error) {
	return "", fmt.Errorf("%w: postgres backups are managed server-side (pg_dump)", memory.ErrInvalidInput)
}

// scanner abstracts *sql.Row and *sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*memory.Record, error) {
	var rec memory.Record
	var category string

	err := row.Scan(&rec.ID, &rec.Key, &rec.Content, &category, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.Category = memory.Category(category)
	return &rec, nil
}

// nullableVector converts an embedding into a driver value; empty vectors
// store as NULL so keyword-only rows are representable.
func nullableVector(emb []float32) interface{} {
	if len(emb) == 0 {
		return nil
	}
	return pgvector.NewVector(emb)
}

// mapPQErr folds server error classes onto the public sentinels.
func mapPQErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "23514": // unique_violation, check_violation
			return fmt.Errorf("%w: %v", memory.ErrConstraintViolation, err)
		}
	}
	return err
}

// wrapCtxErr maps a deadline expiry onto the public timeout sentinel.
func wrapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", memory.ErrTimeout, err)
	}
	return err
}
