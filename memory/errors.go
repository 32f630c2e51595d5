package memory

import "errors"

var (
	// ErrStorageUnavailable indicates the backing database could not be
	// opened or created.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConstraintViolation indicates a uniqueness or integrity
	// constraint was violated. The public API upserts by key, so seeing
	// this error means an internal bug rather than caller misuse.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrDimensionMismatch indicates a vector's width disagrees with the
	// store's configured vector width.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmbeddingProvider indicates the external embedding provider
	// failed (timeout, quota, malformed input).
	ErrEmbeddingProvider = errors.New("embedding provider error")

	// ErrTimeout indicates an operation exceeded its deadline. Partial
	// results are never returned alongside it.
	ErrTimeout = errors.New("operation timed out")

	// ErrNotFound is reserved for cases where absence is exceptional.
	// Plain lookups (Get, Forget) report absence through their return
	// values instead.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput indicates the caller passed arguments the store
	// cannot accept (empty key, unknown category, nil provider).
	ErrInvalidInput = errors.New("invalid input")
)
