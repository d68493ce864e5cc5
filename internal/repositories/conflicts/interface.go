// Package conflicts persists the append-only LWW audit trail.
package conflicts

import (
	"context"

	"github.com/okatkov/relaysync/internal/models"
)

// Repository is the conflict trail contract.
type Repository interface {
	// Add appends one record.
	Add(ctx context.Context, c *models.ConflictRecord) error

	// List returns all records, oldest first.
	List(ctx context.Context) ([]models.ConflictRecord, error)

	// Purge deletes all records. Explicit and irreversible.
	Purge(ctx context.Context) error
}
