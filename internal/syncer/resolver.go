package syncer

import (
	"bytes"

	"github.com/okatkov/relaysync/internal/models"
)

// Resolution is the outcome of resolving one incoming change entry against
// the current local state for its key.
type Resolution struct {
	// Apply reports whether the incoming entry should be materialized.
	Apply bool
	// Conflict is non-nil when two devices wrote the same key and one of
	// them lost. It is recorded regardless of which side won.
	Conflict *models.ConflictRecord
}

// Resolve implements last-write-wins. It is a pure function of its inputs;
// resolvedAt only stamps the audit record.
//
// Rules, in order:
//   - no current state: the incoming entry simply applies.
//   - same device: the entry is that device's own history; apply it when it
//     is not older than current state (replay of an applied entry is a
//     harmless no-op), never record a conflict.
//   - different devices, identical resulting state: no-op apply, no
//     conflict (this keeps re-pulls from duplicating audit records).
//   - different devices: the later timestamp wins; equal timestamps fall
//     back to the lexicographically greater device id. That tie-break is
//     arbitrary but deterministic, which is all convergence needs. Both
//     payloads are preserved in the conflict record.
//
// Tombstones participate like any write: a later delete beats an earlier
// write, an earlier delete loses to a later write.
func Resolve(incoming *models.ChangeEntry, current *models.Document, resolvedAt int64) Resolution {
	if current == nil {
		return Resolution{Apply: true}
	}

	if incoming.DeviceID == current.UpdatedBy {
		return Resolution{Apply: incoming.Timestamp >= current.UpdatedAt}
	}

	if sameState(incoming, current) {
		return Resolution{Apply: true}
	}

	incomingWins := incoming.Timestamp > current.UpdatedAt ||
		(incoming.Timestamp == current.UpdatedAt && incoming.DeviceID > current.UpdatedBy)

	conflict := &models.ConflictRecord{
		Namespace:  incoming.Namespace,
		Collection: incoming.Collection,
		ItemID:     incoming.ItemID,
		ResolvedAt: resolvedAt,
	}

	if incomingWins {
		conflict.WinningDevice = incoming.DeviceID
		conflict.WinningData = incoming.Payload
		conflict.LosingDevice = current.UpdatedBy
		conflict.LosingData = current.Payload
		return Resolution{Apply: true, Conflict: conflict}
	}

	conflict.WinningDevice = current.UpdatedBy
	conflict.WinningData = current.Payload
	conflict.LosingDevice = incoming.DeviceID
	conflict.LosingData = incoming.Payload
	return Resolution{Apply: false, Conflict: conflict}
}

// sameState reports whether applying the incoming entry would leave the
// current state unchanged.
func sameState(incoming *models.ChangeEntry, current *models.Document) bool {
	if incoming.Op == models.OpDelete {
		return current.Deleted
	}
	if current.Deleted {
		return false
	}
	// Updates are patches; only a full write can be compared directly.
	return incoming.Op == models.OpWrite && bytes.Equal(incoming.Payload, current.Payload)
}
