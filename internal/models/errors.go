package models

import "errors"

// Error kinds shared across the store, index, gateway, and services.
// Callers classify with errors.Is; producers wrap with fmt.Errorf("...: %w", kind).
var (
	// ErrInvalidArgument is returned for empty queries, non-positive k, and malformed ids.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDimensionMismatch is returned when a vector length differs from the store dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrInvalidVector is returned for empty, zero-norm, or non-finite vectors.
	ErrInvalidVector = errors.New("invalid vector")
	// ErrEmbeddingUnavailable means the embedding gateway cannot produce vectors at all.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	// ErrContentRejected means the gateway could not process one specific input.
	ErrContentRejected = errors.New("content rejected by embedding gateway")
	// ErrStoreUnavailable means the persistence medium cannot be read or written.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned by point lookups that miss.
	ErrNotFound = errors.New("not found")
)
