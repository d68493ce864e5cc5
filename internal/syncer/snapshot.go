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
)

// snapshotFile is the relay wire form of a snapshot: a sealed envelope with
// nothing readable outside it.
type snapshotFile struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	MAC        []byte `json:"mac"`
}

// snapshotBody is the compacted full state: every document row, tombstones
// included so ordering against later changes still works after a restore.
type snapshotBody struct {
	Documents []models.Document `json:"documents"`
	CreatedAt int64             `json:"created_at"`
	DeviceID  string            `json:"device_id"`
}

// Snapshot writes the current full document state to the relay as one
// encrypted blob and returns its name. Older snapshots are left in place;
// readers always prefer the newest decryptable one.
func (s *Service) Snapshot(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(ctx, s.keys)
}

func (s *Service) snapshot(ctx context.Context, keys *cryptox.Keys) (string, error) {
	if keys == nil {
		return "", common.ErrLocked
	}
	state, err := s.state(ctx)
	if err != nil {
		return "", err
	}

	docs, err := s.store.Export(ctx)
	if err != nil {
		return "", err
	}

	ts := s.now().UnixMilli()
	plain, err := json.Marshal(snapshotBody{Documents: docs, CreatedAt: ts, DeviceID: state.DeviceID})
	if err != nil {
		return "", err
	}
	nonce, ciphertext, mac, err := cryptox.Seal(plain, keys)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(snapshotFile{Nonce: nonce, Ciphertext: ciphertext, MAC: mac})
	if err != nil {
		return "", err
	}

	name := relay.SnapshotName(ts)
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.relay.Put(ctx, name, data)
	}); err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
	}

	s.logger.Info(ctx, "snapshot written", "name", name, "documents", len(docs))
	return name, nil
}

// latestSnapshot finds and decrypts the newest snapshot the given keys can
// open. Snapshots sealed under older keys (pre-rotation leftovers) are
// skipped with a warning. Returns nil when no usable snapshot exists.
func (s *Service) latestSnapshot(ctx context.Context, keys *cryptox.Keys) (*snapshotBody, int64, error) {
	names, err := s.listRelay(ctx, relay.SnapshotsPrefix)
	if err != nil {
		return nil, 0, err
	}

	type candidate struct {
		name string
		ts   int64
	}
	candidates := make([]candidate, 0, len(names))
	for _, name := range names {
		ts, err := relay.ParseSnapshotName(name)
		if err != nil {
			s.logger.Warn(ctx, "ignoring unrecognized snapshot name", "name", name)
			continue
		}
		candidates = append(candidates, candidate{name: name, ts: ts})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ts > candidates[j].ts })

	for _, c := range candidates {
		var data []byte
		err := s.withRetry(ctx, func(ctx context.Context) error {
			var err error
			data, err = s.relay.Get(ctx, c.name)
			return err
		})
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				continue
			}
			return nil, 0, fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
		}

		body, err := openSnapshot(data, keys)
		if err != nil {
			if errors.Is(err, common.ErrIntegrity) {
				s.logger.Warn(ctx, "skipping undecryptable snapshot", "name", c.name)
				continue
			}
			return nil, 0, err
		}
		return body, c.ts, nil
	}
	return nil, 0, nil
}

func openSnapshot(data []byte, keys *cryptox.Keys) (*snapshotBody, error) {
	var f snapshotFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: malformed snapshot: %v", common.ErrIntegrity, err)
	}
	plain, err := cryptox.Open(f.Nonce, f.Ciphertext, f.MAC, keys)
	if err != nil {
		return nil, err
	}
	var body snapshotBody
	if err := json.Unmarshal(plain, &body); err != nil {
		return nil, fmt.Errorf("%w: malformed snapshot body: %v", common.ErrIntegrity, err)
	}
	return &body, nil
}
