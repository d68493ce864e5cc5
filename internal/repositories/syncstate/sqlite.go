package syncstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/okatkov/relaysync/internal/common"
	"github.com/okatkov/relaysync/internal/dbx"
	"github.com/okatkov/relaysync/internal/models"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Init creates the singleton row with zeroed cursors.
func (r *SQLiteRepository) Init(ctx context.Context, deviceID, displayName string) error {
	query := `INSERT INTO sync_state (id, device_id, display_name, pushed_seq, last_push_at)
			VALUES (1, ?, ?, 0, 0)`
	if _, err := r.db.ExecContext(ctx, query, deviceID, displayName); err != nil {
		return fmt.Errorf("failed to init sync state: %w", err)
	}
	return nil
}

// Get returns the singleton state row.
func (r *SQLiteRepository) Get(ctx context.Context) (*models.SyncState, error) {
	query := `SELECT device_id, display_name, pushed_seq, last_push_at FROM sync_state WHERE id = 1`
	row := r.db.QueryRowContext(ctx, query)

	s := &models.SyncState{}
	if err := row.Scan(&s.DeviceID, &s.DisplayName, &s.PushedSeq, &s.LastPushAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return s, nil
}

func (r *SQLiteRepository) SetPushedSeq(ctx context.Context, seq uint64) error {
	return r.setField(ctx, `UPDATE sync_state SET pushed_seq = ? WHERE id = 1`, seq)
}

func (r *SQLiteRepository) SetLastPushAt(ctx context.Context, ts int64) error {
	return r.setField(ctx, `UPDATE sync_state SET last_push_at = ? WHERE id = 1`, ts)
}

func (r *SQLiteRepository) setField(ctx context.Context, query string, arg any) error {
	res, err := r.db.ExecContext(ctx, query, arg)
	if err != nil {
		return fmt.Errorf("failed to update sync state: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra != 1 {
		return common.ErrNotConfigured
	}
	return nil
}

// Cursors returns the pull cursor map.
func (r *SQLiteRepository) Cursors(ctx context.Context) (map[string]uint64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT device_id, last_seq FROM relay_cursors`)
	if err != nil {
		return nil, fmt.Errorf("failed to select cursors: %w", err)
	}
	defer rows.Close()

	result := make(map[string]uint64)
	for rows.Next() {
		var deviceID string
		var seq uint64
		if err := rows.Scan(&deviceID, &seq); err != nil {
			return nil, err
		}
		result[deviceID] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Reset zeroes the push cursor and drops all pull cursors.
func (r *SQLiteRepository) Reset(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM relay_cursors`); err != nil {
		return fmt.Errorf("failed to reset cursors: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE sync_state SET pushed_seq = 0, last_push_at = 0 WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to reset push cursor: %w", err)
	}
	return nil
}

// SetCursor upserts the pull cursor for one remote device.
func (r *SQLiteRepository) SetCursor(ctx context.Context, deviceID string, seq uint64) error {
	query := `INSERT INTO relay_cursors (device_id, last_seq) VALUES (?, ?)
			ON CONFLICT(device_id) DO UPDATE SET last_seq = excluded.last_seq`
	if _, err := r.db.ExecContext(ctx, query, deviceID, seq); err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}
