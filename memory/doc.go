// Package memory defines the public surface of the engram knowledge store:
// the Memory capability interface, the Record entity, the closed Category
// enumeration, configuration, and the typed errors every backend reports.
//
// Backends live under memory/store. The SQLite backend is the reference
// implementation; it keeps a unique key index, an FTS5 full-text index, and
// an embedding blob column consistent under concurrent readers and writers,
// and answers Recall queries by fusing BM25 keyword relevance with cosine
// vector similarity. Alternative backends (e.g. memory/store/postgres) are
// swappable behind the same interface without touching the agent loop.
package memory
