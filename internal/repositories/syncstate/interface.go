// Package syncstate persists the device identity and both sync cursors: the
// push cursor (how far the local change log has been uploaded) and one pull
// cursor per remote device (how far that device's relay history has been
// applied). Cursors are local-only; they never leave the device.
package syncstate

import (
	"context"

	"github.com/okatkov/relaysync/internal/models"
)

// Repository is the sync-state contract.
type Repository interface {
	// Init creates the singleton state row. Fails if one already exists.
	Init(ctx context.Context, deviceID, displayName string) error

	// Get returns the state row, or common.ErrNotFound before Init.
	Get(ctx context.Context) (*models.SyncState, error)

	// SetPushedSeq advances the push cursor. Called once per uploaded entry
	// so a partially completed push resumes where it stopped.
	SetPushedSeq(ctx context.Context, seq uint64) error

	// SetLastPushAt records the wall time of the last completed push, used
	// for rate limiting.
	SetLastPushAt(ctx context.Context, ts int64) error

	// Cursors returns the pull cursor per remote device id.
	Cursors(ctx context.Context) (map[string]uint64, error)

	// SetCursor advances the pull cursor for one remote device.
	SetCursor(ctx context.Context, deviceID string, seq uint64) error

	// Reset zeroes the push cursor and drops all pull cursors. Used after a
	// relay purge, when the uploaded history no longer exists.
	Reset(ctx context.Context) error
}
