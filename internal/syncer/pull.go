package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/okatkov/relaysync/internal/common"
	"github.com/okatkov/relaysync/internal/cryptox"
	"github.com/okatkov/relaysync/internal/models"
	"github.com/okatkov/relaysync/internal/relay"
	"github.com/okatkov/relaysync/internal/repositories/conflicts"
	"github.com/okatkov/relaysync/internal/repositories/syncstate"
)

// snapshotCursorKey is the reserved relay-cursor key tracking the newest
// snapshot already folded into local state. Device ids are UUIDs, so it can
// never collide with a real device.
const snapshotCursorKey = "snapshot"

// PullResult reports what one pull run achieved.
type PullResult struct {
	// Pulled is the number of change blobs fetched and decrypted.
	Pulled int
	// Applied is the number of entries that won resolution and were
	// materialized (snapshot documents included).
	Applied int
	// Conflicts is the number of audit records written.
	Conflicts int
	// Discarded is the number of blobs rejected as tampered or malformed.
	Discarded int
	// Pending is the number of listed blobs left unfetched after relay
	// failures. The next pull picks them up.
	Pending int
}

// Pull downloads remote change entries past the stored per-device cursors,
// resolves each against local state and materializes the winners. Pass a
// non-negative sinceSeq to ignore the cursors and re-process every device's
// history past that sequence instead; resolution makes the re-apply
// harmless.
func (s *Service) Pull(ctx context.Context, sinceSeq int64) (*PullResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pull(ctx, sinceSeq)
}

func (s *Service) pull(ctx context.Context, sinceSeq int64) (*PullResult, error) {
	if s.keys == nil {
		return nil, common.ErrLocked
	}
	state, err := s.state(ctx)
	if err != nil {
		return nil, err
	}

	states := syncstate.NewSQLiteRepository(s.db)
	result := &PullResult{}

	cursorMode := sinceSeq < 0
	cursors := map[string]uint64{}
	if cursorMode {
		if cursors, err = states.Cursors(ctx); err != nil {
			return nil, err
		}
		// Another device may have compacted history into a snapshot we have
		// not seen yet (key rotation does this); fold it in first so the
		// change entries below resolve against up-to-date state.
		applied, err := s.integrateSnapshot(ctx, states, cursors)
		if err != nil {
			return nil, err
		}
		result.Applied += applied
	}

	names, err := s.listRelay(ctx, relay.ChangesPrefix)
	if err != nil {
		return nil, err
	}

	// Group remote blob names per device, ascending by seq.
	perDevice := map[string][]uint64{}
	for _, name := range names {
		deviceID, seq, err := relay.ParseChangeBlobName(name)
		if err != nil {
			s.logger.Warn(ctx, "ignoring unrecognized relay name", "name", name)
			continue
		}
		if deviceID == state.DeviceID {
			continue
		}
		floor := cursors[deviceID]
		if !cursorMode {
			floor = uint64(sinceSeq)
		}
		if seq <= floor {
			continue
		}
		perDevice[deviceID] = append(perDevice[deviceID], seq)
	}

	var entries []models.ChangeEntry
	fetched := map[string]uint64{} // highest contiguously fetched seq per device
	for deviceID, seqs := range perDevice {
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

		expected := cursors[deviceID] + 1
		if !cursorMode {
			expected = uint64(sinceSeq) + 1
		}
		for i, seq := range seqs {
			if seq != expected {
				// Relay listings may be incomplete mid-upload; note the
				// anomaly and keep going.
				s.logger.Warn(ctx, "sequence anomaly",
					"device", deviceID, "expected", expected, "got", seq,
					"error", common.ErrSequenceGap.Error())
			}
			expected = seq + 1

			e, err := s.fetchEntry(ctx, deviceID, seq)
			if err != nil {
				if errors.Is(err, common.ErrIntegrity) {
					s.logger.Warn(ctx, "discarding tampered blob",
						"device", deviceID, "seq", seq)
					result.Discarded++
					fetched[deviceID] = seq
					continue
				}
				// Transient relay failure: stop this device here, the cursor
				// stays put for the skipped range.
				s.logger.Warn(ctx, "pull interrupted for device",
					"device", deviceID, "seq", seq, "error", err.Error())
				result.Pending += len(seqs) - i
				break
			}
			entries = append(entries, *e)
			fetched[deviceID] = seq
			result.Pulled++
		}
	}

	// Deterministic global order: resolution outcome must not depend on
	// which device's blobs were listed first.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp < entries[j].Timestamp
		}
		if entries[i].DeviceID != entries[j].DeviceID {
			return entries[i].DeviceID < entries[j].DeviceID
		}
		return entries[i].Seq < entries[j].Seq
	})

	conflictRepo := conflicts.NewSQLiteRepository(s.db)
	now := s.now().UnixMilli()
	for i := range entries {
		e := &entries[i]
		current, err := s.store.CurrentState(ctx, e.Key())
		if err != nil {
			return result, err
		}
		res := Resolve(e, current, now)
		if res.Apply {
			if err := s.store.Apply(ctx, e); err != nil {
				return result, err
			}
			result.Applied++
		}
		if res.Conflict != nil {
			if err := conflictRepo.Add(ctx, res.Conflict); err != nil {
				return result, err
			}
			result.Conflicts++
			s.logger.Info(ctx, "conflict resolved",
				"namespace", e.Namespace, "collection", e.Collection, "item", e.ItemID,
				"winner", res.Conflict.WinningDevice, "loser", res.Conflict.LosingDevice)
		}
	}

	if cursorMode {
		for deviceID, seq := range fetched {
			if seq > cursors[deviceID] {
				if err := states.SetCursor(ctx, deviceID, seq); err != nil {
					return result, err
				}
			}
		}
	}

	s.logger.Info(ctx, "pull complete",
		"pulled", result.Pulled, "applied", result.Applied,
		"conflicts", result.Conflicts, "discarded", result.Discarded)
	return result, nil
}

// fetchEntry downloads, verifies and decrypts one change blob. The relay
// name is cross-checked against the blob header so a blob swapped in under
// another name is rejected.
func (s *Service) fetchEntry(ctx context.Context, deviceID string, seq uint64) (*models.ChangeEntry, error) {
	name := relay.ChangeBlobName(deviceID, seq)
	var data []byte
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		data, err = s.relay.Get(ctx, name)
		return err
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
	}

	var blob models.EncryptedBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("%w: malformed blob: %v", common.ErrIntegrity, err)
	}
	if blob.DeviceID != deviceID || blob.Seq != seq {
		return nil, fmt.Errorf("%w: blob header does not match relay name %q", common.ErrIntegrity, name)
	}
	return cryptox.DecryptEntry(&blob, s.keys)
}

// integrateSnapshot folds the newest unseen snapshot into local state.
// Snapshot documents carry their original timestamps and origin, so they go
// through the same last-write ordering as change entries; local state that
// is already newer survives.
func (s *Service) integrateSnapshot(ctx context.Context, states syncstate.Repository, cursors map[string]uint64) (int, error) {
	body, ts, err := s.latestSnapshot(ctx, s.keys)
	if err != nil {
		return 0, err
	}
	if body == nil || uint64(ts) <= cursors[snapshotCursorKey] {
		return 0, nil
	}

	applied, err := s.importDocuments(ctx, body.Documents)
	if err != nil {
		return applied, err
	}
	if err := states.SetCursor(ctx, snapshotCursorKey, uint64(ts)); err != nil {
		return applied, err
	}
	s.logger.Info(ctx, "snapshot integrated",
		"created_at", body.CreatedAt, "origin", body.DeviceID, "applied", applied)
	return applied, nil
}

// importDocuments writes snapshot rows that are newer than local state,
// using the same (timestamp, device) ordering as the resolver.
func (s *Service) importDocuments(ctx context.Context, docs []models.Document) (int, error) {
	applied := 0
	var keep []models.Document
	for i := range docs {
		d := &docs[i]
		current, err := s.store.CurrentState(ctx, models.ItemKey{
			Namespace: d.Namespace, Collection: d.Collection, ItemID: d.ItemID,
		})
		if err != nil {
			return applied, err
		}
		if current != nil {
			if current.UpdatedAt > d.UpdatedAt {
				continue
			}
			if current.UpdatedAt == d.UpdatedAt && current.UpdatedBy >= d.UpdatedBy {
				continue
			}
		}
		keep = append(keep, *d)
		applied++
	}
	if len(keep) == 0 {
		return 0, nil
	}
	return applied, s.store.Import(ctx, keep)
}
