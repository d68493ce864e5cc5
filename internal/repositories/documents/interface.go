// Package documents persists the materialized item state: the
// namespace→collection→item map the rest of the application reads. Deletes
// are soft so tombstones keep their timestamps for LWW ordering.
package documents

import (
	"context"

	"github.com/okatkov/relaysync/internal/models"
)

// Repository is the document store contract.
type Repository interface {
	// Upsert writes the document state, replacing any previous row for the
	// same key (including tombstones).
	Upsert(ctx context.Context, d *models.Document) error

	// Get returns the row for the key, tombstones included, or
	// common.ErrNotFound when no row exists at all.
	Get(ctx context.Context, key models.ItemKey) (*models.Document, error)

	// Scan lists live (non-deleted) documents of one collection.
	Scan(ctx context.Context, namespace, collection string) ([]models.Document, error)

	// All lists every row including tombstones. Used to build snapshots.
	All(ctx context.Context) ([]models.Document, error)
}
