// Package syncer is the synchronization engine: push and pull over the
// relay, last-write-wins resolution, the encrypted manifest and device
// registry, snapshots, key rotation and relay purge.
//
// One Service instance owns a mutex serialising every relay-touching
// operation; the engines themselves are not safe for concurrent use.
package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okatkov/relaysync/internal/common"
	"github.com/okatkov/relaysync/internal/config"
	"github.com/okatkov/relaysync/internal/cryptox"
	"github.com/okatkov/relaysync/internal/logging"
	"github.com/okatkov/relaysync/internal/models"
	"github.com/okatkov/relaysync/internal/relay"
	"github.com/okatkov/relaysync/internal/repositories/changelog"
	"github.com/okatkov/relaysync/internal/repositories/conflicts"
	"github.com/okatkov/relaysync/internal/repositories/syncstate"
	"github.com/okatkov/relaysync/internal/store"
)

// Service wires the local database, the document store and a relay backend
// into the sync surface the CLI talks to.
type Service struct {
	mu     sync.Mutex
	db     *sql.DB
	relay  relay.Relay
	store  *store.Store
	cfg    *config.Config
	logger logging.Logger

	// Session crypto context, nil until Setup/Open/Restore succeeds.
	keys     *cryptox.Keys
	salt     []byte
	manifest *models.Manifest

	now func() time.Time
}

// NewService returns a locked Service; call Setup, Open or Restore before
// syncing.
func NewService(db *sql.DB, rl relay.Relay, st *store.Store, cfg *config.Config, logger logging.Logger) *Service {
	return &Service{
		db:     db,
		relay:  rl,
		store:  st,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the timestamp source. Test helper.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// state loads the device identity row, mapping its absence to
// ErrNotConfigured.
func (s *Service) state(ctx context.Context) (*models.SyncState, error) {
	state, err := syncstate.NewSQLiteRepository(s.db).Get(ctx)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrNotConfigured
		}
		return nil, err
	}
	return state, nil
}

// listRelay lists relay names under prefix with retry.
func (s *Service) listRelay(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		names, err = s.relay.List(ctx, prefix)
		return err
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
	}
	return names, nil
}

// Status is a point-in-time view of this device's sync position.
type Status struct {
	DeviceID    string
	DisplayName string
	// LocalSeq is the head of the local change log; PushedSeq is how much of
	// it the relay has; Pending is the difference.
	LocalSeq   uint64
	PushedSeq  uint64
	Pending    uint64
	LastPushAt int64
	Conflicts  int
	// Unlocked reports whether the passphrase was supplied this session.
	Unlocked bool
	// Devices is the registry from the last manifest read; nil while locked.
	Devices []models.DeviceRecord
}

// Status reports local cursors and, when unlocked, the device registry.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.state(ctx)
	if err != nil {
		return nil, err
	}
	head, err := changelog.NewSQLiteRepository(s.db).Head(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := conflicts.NewSQLiteRepository(s.db).List(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		DeviceID:    state.DeviceID,
		DisplayName: state.DisplayName,
		LocalSeq:    head,
		PushedSeq:   state.PushedSeq,
		Pending:     head - state.PushedSeq,
		LastPushAt:  state.LastPushAt,
		Conflicts:   len(recs),
		Unlocked:    s.keys != nil,
	}
	if s.manifest != nil {
		st.Devices = s.manifest.Devices
	}
	return st, nil
}

// SyncResult pairs the outcomes of one push and one pull.
type SyncResult struct {
	Push *PushResult
	Pull *PullResult
}

// Sync runs one push then one pull under a single lock acquisition.
func (s *Service) Sync(ctx context.Context, force bool) (*SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pushRes, err := s.push(ctx, force)
	if err != nil {
		return nil, err
	}
	pullRes, err := s.pull(ctx, -1)
	if err != nil {
		return &SyncResult{Push: pushRes}, err
	}
	return &SyncResult{Push: pushRes, Pull: pullRes}, nil
}

// RestoreResult reports what a restore materialized.
type RestoreResult struct {
	// SnapshotDocuments is the number of rows imported from the newest
	// decryptable snapshot, 0 when none existed.
	SnapshotDocuments int
	Pull              *PullResult
}

// Restore configures a fresh device from an existing relay: manifest, then
// the newest decryptable snapshot, then a full replay of every device's
// change history through the resolver. A wrong passphrase fails with
// ErrAuthentication before any local state is written.
func (s *Service) Restore(ctx context.Context, passphrase []byte) (*RestoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := syncstate.NewSQLiteRepository(s.db)
	if _, err := states.Get(ctx); err == nil {
		return nil, fmt.Errorf("device already configured")
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	data, err := s.fetchManifest(ctx)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, fmt.Errorf("nothing to restore: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
	}
	salt, iterations, err := decodeManifestHeader(data)
	if err != nil {
		return nil, err
	}
	keys, err := cryptox.DeriveKeys(passphrase, salt, iterations)
	if err != nil {
		return nil, err
	}
	m, err := decodeManifest(data, keys)
	if err != nil {
		return nil, err
	}

	// Passphrase verified; only now does anything touch local state.
	s.keys, s.salt, s.manifest = keys, salt, m

	deviceID := uuid.NewString()
	if err := states.Init(ctx, deviceID, s.cfg.DisplayName); err != nil {
		return nil, err
	}
	m.UpsertDevice(models.DeviceRecord{
		DeviceID:    deviceID,
		DisplayName: s.cfg.DisplayName,
		LastSeen:    s.now().UnixMilli(),
	})
	if err := s.saveManifest(ctx); err != nil {
		return nil, err
	}

	result := &RestoreResult{}
	body, ts, err := s.latestSnapshot(ctx, keys)
	if err != nil {
		return nil, err
	}
	if body != nil {
		n, err := s.importDocuments(ctx, body.Documents)
		if err != nil {
			return nil, err
		}
		result.SnapshotDocuments = n
		if err := states.SetCursor(ctx, snapshotCursorKey, uint64(ts)); err != nil {
			return nil, err
		}
	}

	// Full replay: the resolver orders snapshot state and change entries, so
	// entries the snapshot already covers fall out as no-ops.
	pullRes, err := s.pull(ctx, 0)
	if err != nil {
		return result, err
	}
	result.Pull = pullRes

	// Remember how far the replay reached so the next cursor pull does not
	// start over. Skipped when fetches were left pending; the cursors must
	// not jump past blobs that were never applied.
	if pullRes.Pending == 0 {
		if err := s.recordPullCursors(ctx, states); err != nil {
			return result, err
		}
	}

	s.logger.Info(ctx, "restore complete",
		"device", deviceID, "snapshot_documents", result.SnapshotDocuments,
		"pulled", pullRes.Pulled, "applied", pullRes.Applied)
	return result, nil
}

// recordPullCursors advances the stored pull cursors to each remote
// device's highest listed sequence. Used after a full replay, which
// bypasses cursor bookkeeping.
func (s *Service) recordPullCursors(ctx context.Context, states syncstate.Repository) error {
	names, err := s.listRelay(ctx, relay.ChangesPrefix)
	if err != nil {
		return err
	}
	state, err := s.state(ctx)
	if err != nil {
		return err
	}
	highest := map[string]uint64{}
	for _, name := range names {
		deviceID, seq, err := relay.ParseChangeBlobName(name)
		if err != nil || deviceID == state.DeviceID {
			continue
		}
		if seq > highest[deviceID] {
			highest[deviceID] = seq
		}
	}
	for deviceID, seq := range highest {
		if err := states.SetCursor(ctx, deviceID, seq); err != nil {
			return err
		}
	}
	return nil
}

// RotateKey re-keys the relay under a new passphrase: a fresh salt, a fresh
// snapshot of full local state sealed under the new keys, a re-encrypted
// manifest, and deletion of the old change blobs. Historical blobs are not
// re-encrypted; the snapshot supersedes them. Other devices must re-open
// with the new passphrase and will adopt the snapshot on their next pull.
func (s *Service) RotateKey(ctx context.Context, newPassphrase []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keys == nil || s.manifest == nil {
		return common.ErrLocked
	}
	state, err := s.state(ctx)
	if err != nil {
		return err
	}

	// Rotating with unapplied remote history would bake stale state into
	// the snapshot; fold everything in first.
	if _, err := s.pull(ctx, -1); err != nil {
		return fmt.Errorf("pre-rotation pull: %w", err)
	}

	salt, err := cryptox.NewSalt()
	if err != nil {
		return err
	}
	keys, err := cryptox.DeriveKeys(newPassphrase, salt, s.cfg.KDFIterations)
	if err != nil {
		return err
	}

	// Order matters: the new snapshot must exist before the manifest points
	// at the new salt, otherwise a crash strands other devices with a
	// manifest whose key unlocks nothing.
	if _, err := s.snapshot(ctx, keys); err != nil {
		return err
	}

	oldKeys, oldSalt, oldIterations := s.keys, s.salt, s.manifest.KDFIterations
	s.manifest.Salt = salt
	s.manifest.KDFIterations = s.cfg.KDFIterations
	s.keys, s.salt = keys, salt
	if err := s.saveManifest(ctx); err != nil {
		s.keys, s.salt = oldKeys, oldSalt
		s.manifest.Salt, s.manifest.KDFIterations = oldSalt, oldIterations
		return err
	}

	// Old-key change blobs are unreadable under the new keys and fully
	// covered by the snapshot; remove them. Failures are non-fatal leftovers.
	names, err := s.listRelay(ctx, relay.ChangesPrefix)
	if err != nil {
		s.logger.Warn(ctx, "rotation cleanup listing failed", "error", err.Error())
		names = nil
	}
	for _, name := range names {
		if err := s.relay.Delete(ctx, name); err != nil {
			s.logger.Warn(ctx, "rotation cleanup delete failed", "name", name, "error", err.Error())
		}
	}

	// Everything in the local log is represented by the snapshot now.
	head, err := changelog.NewSQLiteRepository(s.db).Head(ctx)
	if err != nil {
		return err
	}
	states := syncstate.NewSQLiteRepository(s.db)
	if err := states.Reset(ctx); err != nil {
		return err
	}
	if head > 0 {
		if err := states.SetPushedSeq(ctx, head); err != nil {
			return err
		}
	}

	s.logger.Info(ctx, "key rotated", "device", state.DeviceID, "kdf_iterations", s.cfg.KDFIterations)
	return nil
}

// Purge deletes every blob on the relay: manifest, change history and
// snapshots. Local state survives; cursors are reset so the next push
// re-uploads the full local log. Irreversible on the relay side.
func (s *Service) Purge(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.listRelay(ctx, "")
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.withRetry(ctx, func(ctx context.Context) error {
			return s.relay.Delete(ctx, name)
		}); err != nil {
			return fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
		}
	}

	if err := syncstate.NewSQLiteRepository(s.db).Reset(ctx); err != nil {
		return err
	}

	// The manifest is gone; a new one is written on the next Setup-like
	// operation. Keep the session keys so the caller can re-seed.
	s.manifest = nil

	s.logger.Info(ctx, "relay purged", "deleted", len(names))
	return nil
}

// ReseedManifest writes a fresh manifest after a purge, reusing the current
// session keys and salt.
func (s *Service) ReseedManifest(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keys == nil {
		return common.ErrLocked
	}
	state, err := s.state(ctx)
	if err != nil {
		return err
	}

	s.manifest = &models.Manifest{
		Salt:          s.salt,
		KDFIterations: s.cfg.KDFIterations,
		CreatedAt:     s.now().UnixMilli(),
	}
	s.manifest.UpsertDevice(models.DeviceRecord{
		DeviceID:    state.DeviceID,
		DisplayName: state.DisplayName,
		LastSeen:    s.now().UnixMilli(),
	})
	return s.saveManifest(ctx)
}

// ListConflicts returns the audit trail, oldest first.
func (s *Service) ListConflicts(ctx context.Context) ([]models.ConflictRecord, error) {
	return conflicts.NewSQLiteRepository(s.db).List(ctx)
}

// PurgeConflicts deletes the audit trail.
func (s *Service) PurgeConflicts(ctx context.Context) error {
	return conflicts.NewSQLiteRepository(s.db).Purge(ctx)
}
