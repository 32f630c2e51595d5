// Package sqlite implements the reference memory backend on a single SQLite
// file: unique-key record table, FTS5 keyword index, embedding blob column,
// and a persistent LRU embedding cache, all kept consistent transactionally.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/engram-memory/engram/memory"
	"github.com/engram-memory/engram/memory/embedder"
)

// Store implements memory.Memory and memory.Maintainer on SQLite.
type Store struct {
	db       *sql.DB
	path     string
	provider embedder.Provider

	// vectorWidth is the fixed embedding dimensionality; zero means the
	// store runs keyword-only.
	vectorWidth int

	search   memory.SearchConfig
	capacity int

	// hot is an in-process front for the persistent embedding cache.
	// Losing it costs a table read, never correctness.
	hot *lru.Cache[string, []float32]
}

var (
	_ memory.Memory     = (*Store)(nil)
	_ memory.Maintainer = (*Store)(nil)
)

// busyRetries bounds how often a write is retried when another connection
// holds the database locked, on top of the busy_timeout PRAGMA.
const busyRetries = 3

// Open opens or creates the database at cfg.Storage.Path and prepares it
// for concurrent access: WAL journaling so readers never block on the
// writer, memory-mapped reads, and a single pooled connection so writes are
// serialized at the source instead of failing with SQLITE_BUSY.
//
// provider may be nil or an embedder.Noop for a keyword-only store. When
// both the provider and cfg.Storage.VectorWidth declare a width they must
// agree.
func Open(cfg memory.Config, provider embedder.Provider) (*Store, error) {
	if provider == nil {
		provider = embedder.Noop{}
	}

	width, err := resolveWidth(cfg.Storage.VectorWidth, provider.Dimensions())
	if err != nil {
		return nil, err
	}

	path := cfg.Storage.Path
	if path == "" {
		return nil, fmt.Errorf("%w: database path is required", memory.ErrInvalidInput)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create data directory: %v", memory.ErrStorageUnavailable, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", memory.ErrStorageUnavailable, path, err)
	}

	// SQLite supports one writer at a time. A single open connection
	// serializes writes and avoids SQLITE_BUSY under concurrent load;
	// WAL mode lets readers proceed without blocking on that writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA mmap_size = 8388608",
		"PRAGMA cache_size = -2000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: %s: %v", memory.ErrStorageUnavailable, pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", memory.ErrStorageUnavailable, err)
	}

	s := &Store{
		db:          db,
		path:        path,
		provider:    provider,
		vectorWidth: width,
		search:      normalizeSearch(cfg.Search),
		capacity:    cfg.Cache.Capacity,
	}
	if s.capacity < 1 {
		s.capacity = 10_000
	}

	if cfg.Cache.HotEntries > 0 {
		// lru.New only fails for sizes < 1, which is excluded here.
		s.hot, _ = lru.New[string, []float32](cfg.Cache.HotEntries)
	}

	return s, nil
}

// resolveWidth reconciles the configured vector width with the provider's.
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
func (s *Store) Name() string { return "sqlite" }

// Store implements memory.Memory. The embedding is resolved through the
// cache before the record transaction begins so no storage lock is held
// while the provider call is in flight; the vector is then attached in the
// short upsert transaction.
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

	var rec *memory.Record

	err = s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: begin upsert: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// The timestamp is captured after BeginTx: the single pooled
		// connection serializes writers, so capture order matches
		// commit order and updated_at never moves backwards under
		// concurrent same-key writes.
		now := time.Now().UTC()

		// The FTS5 triggers keep memories_fts in step inside this
		// same transaction, so keyed index, text index, and vector
		// blob move together.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO memories (key, content, category, embedding, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				content = excluded.content,
				category = excluded.category,
				embedding = excluded.embedding,
				updated_at = excluded.updated_at
		`, key, content, string(category), nullableBlob(encodeEmbedding(emb)), now, now)
		if err != nil {
			return fmt.Errorf("sqlite: upsert %q: %w", key, mapSQLiteErr(err))
		}

		row := tx.QueryRowContext(ctx, `
			SELECT id, key, content, category, embedding, created_at, updated_at
			FROM memories WHERE key = ?
		`, key)

		rec, err = scanRecord(row)
		if err != nil {
			return fmt.Errorf("sqlite: read back %q: %w", key, err)
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, wrapCtxErr(err)
	}

	return rec, nil
}

// Get implements memory.Memory. A missing key returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*memory.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, content, category, embedding, created_at, updated_at
		FROM memories WHERE key = ?
	`, key)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapCtxErr(fmt.Errorf("sqlite: get %q: %w", key, err))
	}
	return rec, nil
}

// List implements memory.Memory. Records come back ordered by creation time
// ascending with id as the deterministic tiebreak.
func (s *Store) List(ctx context.Context, category memory.Category) ([]memory.Record, error) {
	query := `
		SELECT id, key, content, category, embedding, created_at, updated_at
		FROM memories
	`
	var args []interface{}
	if category != memory.CategoryAny {
		if !category.Valid() {
			return nil, fmt.Errorf("%w: unknown category %q", memory.ErrInvalidInput, category)
		}
		query += " WHERE category = ?"
		args = append(args, string(category))
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []memory.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list scan: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list rows: %w", err)
	}

	return records, nil
}

// Forget implements memory.Memory. It reports whether a record existed;
// forgetting an absent key is not an error.
func (s *Store) Forget(ctx context.Context, key string) (bool, error) {
	var affected int64
	err := s.withRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE key = ?", key)
		if err != nil {
			return fmt.Errorf("sqlite: forget %q: %w", key, mapSQLiteErr(err))
		}
		affected, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: forget %q rows affected: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Count implements memory.Memory.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: count: %w", err)
	}
	return count, nil
}

// HealthCheck implements memory.Memory with a trivial read.
func (s *Store) HealthCheck(ctx context.Context) bool {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one) == nil
}

// Close flushes the WAL into the main database file and releases resources.
// The TRUNCATE checkpoint removes the -shm and -wal files so another
// process can open the database without stale WAL state.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// withRetry runs fn, retrying a bounded number of times with backoff when
// the database is locked by a concurrent writer. Context cancellation wins
// over further retries.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return wrapCtxErr(ctx.Err())
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
	}
	return err
}

// scanner abstracts *sql.Row and *sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*memory.Record, error) {
	var rec memory.Record
	var category string
	var blob []byte

	err := row.Scan(&rec.ID, &rec.Key, &rec.Content, &category, &blob, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.Category = memory.Category(category)
	rec.Embedding = decodeEmbedding(blob)
	return &rec, nil
}

func nullableBlob(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

// mapSQLiteErr folds driver error text onto the public sentinels.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "CHECK constraint failed"):
		return fmt.Errorf("%w: %v", memory.ErrConstraintViolation, err)
	default:
		return err
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// wrapCtxErr maps a deadline expiry onto the public timeout sentinel.
func wrapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", memory.ErrTimeout, err)
	}
	return err
}
