// Package postgres implements the memory backend on PostgreSQL with
// pgvector: native vector(N) cosine search, tsvector keyword search, and the
// same persistent embedding cache contract as the SQLite backend.
package postgres

import "fmt"

// schemaFor renders the schema for a given vector width. pgvector columns
// carry a fixed dimensionality, so the width has to be known at setup time;
// a zero width creates a keyword-only schema without vector columns.
func schemaFor(width int) string {
	if width == 0 {
		return schemaCommon + `
CREATE TABLE IF NOT EXISTS memories (
    id BIGSERIAL PRIMARY KEY,
    key TEXT NOT NULL UNIQUE CHECK (key <> ''),
    content TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT 'fact',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', key || ' ' || content)) STORED
);
` + schemaIndexes
	}

	return schemaCommon + fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
    id BIGSERIAL PRIMARY KEY,
    key TEXT NOT NULL UNIQUE CHECK (key <> ''),
    content TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT 'fact',
    embedding vector(%d),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', key || ' ' || content)) STORED
);

CREATE TABLE IF NOT EXISTS embedding_cache (
    text_hash TEXT PRIMARY KEY,
    embedding vector(%d) NOT NULL,
    dimension INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    accessed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_cache_accessed ON embedding_cache(accessed_at);
`, width, width) + schemaIndexes
}

const schemaCommon = `
-- Memories: one row per key, upserted in place.
`

const schemaIndexes = `
CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category);
CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at);
CREATE INDEX IF NOT EXISTS idx_memories_tsv ON memories USING GIN (content_tsv);
`
