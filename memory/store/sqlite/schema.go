package sqlite

// Schema contains the idempotent DDL for the memory store. Three access
// paths share one database file:
//
//   - memories: the record table. INTEGER PRIMARY KEY AUTOINCREMENT makes
//     ids monotonic and never reused; the UNIQUE constraint on key backs
//     upsert-by-key and O(log n) lookups.
//   - memories_fts: an external-content FTS5 table over (key, content),
//     kept in sync by the AFTER INSERT/UPDATE/DELETE triggers below. The
//     triggers fire inside the mutating statement's transaction, so readers
//     never observe a record whose text index disagrees with the row.
//   - embedding_cache: persistent text-hash -> vector cache. accessed_at is
//     indexed for the LRU eviction scan; ties fall back to rowid, i.e.
//     insertion order.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	key         TEXT NOT NULL UNIQUE CHECK (key <> ''),
	content     TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT 'fact',
	embedding   BLOB,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category);
CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	key, content, content=memories, content_rowid=id
);

CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, key, content)
	VALUES (new.id, new.key, new.content);
END;

CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, key, content)
	VALUES ('delete', old.id, old.key, old.content);
END;

CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, key, content)
	VALUES ('delete', old.id, old.key, old.content);
	INSERT INTO memories_fts(rowid, key, content)
	VALUES (new.id, new.key, new.content);
END;

CREATE TABLE IF NOT EXISTS embedding_cache (
	text_hash    TEXT PRIMARY KEY,
	embedding    BLOB NOT NULL,
	dimension    INTEGER NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	accessed_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_accessed ON embedding_cache(accessed_at);
`
