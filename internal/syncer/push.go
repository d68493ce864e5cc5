package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/okatkov/relaysync/internal/common"
	"github.com/okatkov/relaysync/internal/cryptox"
	"github.com/okatkov/relaysync/internal/models"
	"github.com/okatkov/relaysync/internal/relay"
	"github.com/okatkov/relaysync/internal/repositories/changelog"
	"github.com/okatkov/relaysync/internal/repositories/syncstate"
)

// PushResult reports what one push attempt achieved.
type PushResult struct {
	// Pushed is the number of entries uploaded this run.
	Pushed int
	// Pending is the number of entries still waiting after a partial push.
	Pending int
	// LocalSeq is the head of the local change log.
	LocalSeq uint64
	// RelaySeq is the push cursor after this run: the highest local seq
	// known to be on the relay.
	RelaySeq uint64
	// Skipped is set when the minimum push interval suppressed the run.
	Skipped bool
}

// Push uploads unpushed change log entries, oldest first, one blob per
// entry. The cursor advances after each successful upload, so a failure
// mid-batch yields a partial result and the next push resumes exactly where
// this one stopped. force bypasses the minimum push interval, nothing else.
func (s *Service) Push(ctx context.Context, force bool) (*PushResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push(ctx, force)
}

func (s *Service) push(ctx context.Context, force bool) (*PushResult, error) {
	if s.keys == nil {
		return nil, common.ErrLocked
	}
	state, err := s.state(ctx)
	if err != nil {
		return nil, err
	}

	states := syncstate.NewSQLiteRepository(s.db)
	log := changelog.NewSQLiteRepository(s.db)

	head, err := log.Head(ctx)
	if err != nil {
		return nil, err
	}

	if !force && state.LastPushAt > 0 {
		elapsed := s.now().Sub(time.UnixMilli(state.LastPushAt))
		if elapsed < s.cfg.MinPushInterval {
			s.logger.Debug(ctx, "push skipped by rate limit",
				"elapsed", elapsed.String(), "min_interval", s.cfg.MinPushInterval.String())
			return &PushResult{LocalSeq: head, RelaySeq: state.PushedSeq, Skipped: true}, nil
		}
	}

	entries, err := log.EntriesSince(ctx, state.PushedSeq)
	if err != nil {
		return nil, err
	}

	result := &PushResult{LocalSeq: head, RelaySeq: state.PushedSeq}
	for i := range entries {
		e := &entries[i]
		if err := s.uploadEntry(ctx, e); err != nil {
			result.Pending = len(entries) - result.Pushed
			s.logger.Warn(ctx, "push interrupted",
				"pushed", result.Pushed, "pending", result.Pending, "seq", e.Seq, "error", err.Error())
			return result, nil
		}
		if err := states.SetPushedSeq(ctx, e.Seq); err != nil {
			return result, err
		}
		result.Pushed++
		result.RelaySeq = e.Seq
	}

	now := s.now().UnixMilli()
	if err := states.SetLastPushAt(ctx, now); err != nil {
		return result, err
	}

	// Refresh our own record in the device registry. Losing this update is
	// harmless; the next push writes it again.
	if s.manifest != nil {
		s.manifest.UpsertDevice(models.DeviceRecord{
			DeviceID:      state.DeviceID,
			DisplayName:   state.DisplayName,
			LastSeen:      now,
			LastPushedSeq: result.RelaySeq,
		})
		if err := s.saveManifest(ctx); err != nil {
			s.logger.Warn(ctx, "manifest refresh failed", "error", err.Error())
		}
	}

	s.logger.Info(ctx, "push complete", "pushed", result.Pushed, "cursor", result.RelaySeq)
	return result, nil
}

func (s *Service) uploadEntry(ctx context.Context, e *models.ChangeEntry) error {
	blob, err := cryptox.EncryptEntry(e, s.keys)
	if err != nil {
		return err
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	name := relay.ChangeBlobName(e.DeviceID, e.Seq)
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.relay.Put(ctx, name, data)
	}); err != nil {
		return fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
	}
	return nil
}
