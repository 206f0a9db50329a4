package models

import (
	"context"
	"errors"
	"os"
	"time"
)

// Candidate is one item offered to ingestion. Load is called only when the id is not
// already stored, so discovery stays cheap for re-runs.
type Candidate struct {
	ID       string
	Metadata map[string]string
	Load     func(ctx context.Context) ([]byte, error)
}

// BytesCandidate returns a candidate whose content is already in memory.
func BytesCandidate(id string, content []byte, metadata map[string]string) Candidate {
	return Candidate{
		ID:       id,
		Metadata: metadata,
		Load: func(context.Context) ([]byte, error) {
			return content, nil
		},
	}
}

// FileCandidate returns a candidate that reads its content from path on demand.
func FileCandidate(id, path string, metadata map[string]string) Candidate {
	return Candidate{
		ID:       id,
		Metadata: metadata,
		Load: func(context.Context) ([]byte, error) {
			return os.ReadFile(path)
		},
	}
}

// FailureKind classifies a per-item failure.
type FailureKind string

const (
	FailureInvalidArgument   FailureKind = "invalid_argument"
	FailureUnreadable        FailureKind = "unreadable"
	FailureEmbedding         FailureKind = "embedding"
	FailureTimeout           FailureKind = "timeout"
	FailureDimensionMismatch FailureKind = "dimension_mismatch"
	FailureInvalidVector     FailureKind = "invalid_vector"
)

// ItemFailure records why one item was not stored.
type ItemFailure struct {
	ID     string      `json:"id"`
	Kind   FailureKind `json:"kind"`
	Reason string      `json:"reason"`
}

// KindOf maps an error to a failure kind.
func KindOf(err error) FailureKind {
	switch {
	case errors.Is(err, ErrDimensionMismatch):
		return FailureDimensionMismatch
	case errors.Is(err, ErrInvalidVector):
		return FailureInvalidVector
	case errors.Is(err, ErrInvalidArgument):
		return FailureInvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, ErrContentRejected):
		return FailureEmbedding
	default:
		return FailureUnreadable
	}
}

// NewItemFailure builds a failure entry from an error.
func NewItemFailure(id string, err error) ItemFailure {
	return ItemFailure{ID: id, Kind: KindOf(err), Reason: err.Error()}
}

// BatchResult is the outcome of a batch upsert. Stored lists ids in input order.
type BatchResult struct {
	Stored []string      `json:"stored"`
	Failed []ItemFailure `json:"failed,omitempty"`
}

// IngestReport summarizes one ingestion run.
type IngestReport struct {
	RunID    string        `json:"run_id"`
	Total    int           `json:"total"`
	Added    int           `json:"added"`
	Skipped  int           `json:"skipped"`
	Failed   []ItemFailure `json:"failed"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	Canceled bool          `json:"canceled,omitempty"`
}

// FailedCount returns the number of failed items.
func (r *IngestReport) FailedCount() int {
	return len(r.Failed)
}
