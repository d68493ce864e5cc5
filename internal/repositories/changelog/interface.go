// Package changelog persists the local, append-only, per-device-sequenced
// record of mutations. Sequence numbers start at 1, never skip and are never
// reused; allocation happens inside the caller's transaction so a crash can
// neither leave a gap nor produce a duplicate.
package changelog

import (
	"context"

	"github.com/okatkov/relaysync/internal/models"
)

// Repository is the change log contract used by the store and the push
// engine.
type Repository interface {
	// Append allocates the next sequence number, stamps it and the device id
	// into e, and stores the entry. Callers provide op, namespace,
	// collection, item id, payload and timestamp; Seq is assigned here.
	Append(ctx context.Context, e *models.ChangeEntry) error

	// EntriesSince returns all local entries with Seq > seq in ascending
	// order. Safe to call repeatedly with the same argument.
	EntriesSince(ctx context.Context, seq uint64) ([]models.ChangeEntry, error)

	// Head returns the highest allocated sequence number, 0 when empty.
	Head(ctx context.Context) (uint64, error)
}
