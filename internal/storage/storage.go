// Package storage defines the durable vector record store.
package storage

import (
	"context"
	"iter"

	"github.com/hyperjump/miru/internal/models"
)

// Store is durable keyed storage of vector records.
type Store interface {
	// Membership and lookup (in-memory, O(1))
	Contains(id string) bool
	Get(id string) (*models.VectorRecord, bool)
	Count() int
	Dimension() int

	// Snapshot iteration; every call yields a fresh consistent view ordered by id.
	All(ctx context.Context) iter.Seq[*models.VectorRecord]

	// Mutations are durable before they return.
	Upsert(ctx context.Context, rec *models.VectorRecord) error
	UpsertBatch(ctx context.Context, recs []*models.VectorRecord) (*models.BatchResult, error)
	Delete(ctx context.Context, ids []string) (int, error)

	Subscribe(o Observer)
	Persist(ctx context.Context) error
	Close() error
}

// Observer receives committed changes. Calls happen after the commit and before the
// mutating store call returns, serialized with other writes. Records are shared and
// must be treated as read-only.
type Observer interface {
	RecordsUpserted(ctx context.Context, records []*models.VectorRecord)
	RecordsDeleted(ctx context.Context, ids []string)
}
