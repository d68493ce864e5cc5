package changelog

import (
	"context"
	"fmt"

	"github.com/okatkov/relaysync/internal/common"
	"github.com/okatkov/relaysync/internal/dbx"
	"github.com/okatkov/relaysync/internal/models"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or
// *sql.Tx). For crash atomicity, Append must run on a transactional handle
// together with the document write it records.
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Append allocates the next seq and inserts the entry. seq is the table's
// primary key, so a duplicate allocation fails loudly instead of silently
// reusing a number.
func (r *SQLiteRepository) Append(ctx context.Context, e *models.ChangeEntry) error {
	row := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM change_log`)
	if err := row.Scan(&e.Seq); err != nil {
		return fmt.Errorf("failed to allocate seq: %w", err)
	}

	query := `INSERT INTO change_log (seq, device_id, op, namespace, collection, item_id, payload, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		e.Seq, e.DeviceID, string(e.Op), e.Namespace, e.Collection, e.ItemID, []byte(e.Payload), e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append change entry: %w", err)
	}
	return nil
}

// EntriesSince lists local entries with seq > since, ascending.
// Unreadable rows are reported as ErrChangeLogCorrupt: the log is the only
// record of local history, so sync must halt rather than skip over it.
func (r *SQLiteRepository) EntriesSince(ctx context.Context, since uint64) ([]models.ChangeEntry, error) {
	query := `SELECT seq, device_id, op, namespace, collection, item_id, payload, ts
			FROM change_log WHERE seq > ? ORDER BY seq ASC`
	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrChangeLogCorrupt, err)
	}
	defer rows.Close()

	var result []models.ChangeEntry
	for rows.Next() {
		var e models.ChangeEntry
		var op string
		var payload []byte
		if err := rows.Scan(&e.Seq, &e.DeviceID, &op, &e.Namespace, &e.Collection, &e.ItemID, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrChangeLogCorrupt, err)
		}
		e.Op = models.Op(op)
		if !e.Op.Valid() {
			return nil, fmt.Errorf("%w: unknown op %q at seq %d", common.ErrChangeLogCorrupt, op, e.Seq)
		}
		if payload != nil {
			e.Payload = payload
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrChangeLogCorrupt, err)
	}
	return result, nil
}

// Head returns the highest allocated seq.
func (r *SQLiteRepository) Head(ctx context.Context) (uint64, error) {
	var head uint64
	row := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM change_log`)
	if err := row.Scan(&head); err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrChangeLogCorrupt, err)
	}
	return head, nil
}
