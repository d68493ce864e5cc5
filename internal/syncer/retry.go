package syncer

import (
	"context"
	"errors"

	"github.com/sethvargo/go-retry"

	"github.com/okatkov/relaysync/internal/common"
)

// withRetry runs fn under the configured bounded exponential backoff.
// Relay adapters never retry themselves; this is the single place
// transient-failure policy lives.
//
// ErrNotFound and ErrIntegrity are permanent: a missing blob will not
// appear by waiting, and a tampered one will not heal.
func (s *Service) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(s.cfg.RetryMaxAttempts, retry.NewExponential(s.cfg.RetryBaseDelay))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrIntegrity) {
			return err
		}
		return retry.RetryableError(err)
	})
}
