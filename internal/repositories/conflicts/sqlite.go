package conflicts

import (
	"context"
	"fmt"

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

// Add appends one conflict record.
func (r *SQLiteRepository) Add(ctx context.Context, c *models.ConflictRecord) error {
	query := `INSERT INTO conflicts (namespace, collection, item_id, winning_device, losing_device, winning_data, losing_data, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query,
		c.Namespace, c.Collection, c.ItemID, c.WinningDevice, c.LosingDevice,
		[]byte(c.WinningData), []byte(c.LosingData), c.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		c.ID = id
	}
	return nil
}

// List returns all records, oldest first.
func (r *SQLiteRepository) List(ctx context.Context) ([]models.ConflictRecord, error) {
	query := `SELECT id, namespace, collection, item_id, winning_device, losing_device, winning_data, losing_data, resolved_at
			FROM conflicts ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select conflicts: %w", err)
	}
	defer rows.Close()

	var result []models.ConflictRecord
	for rows.Next() {
		var c models.ConflictRecord
		var winning, losing []byte
		if err := rows.Scan(&c.ID, &c.Namespace, &c.Collection, &c.ItemID,
			&c.WinningDevice, &c.LosingDevice, &winning, &losing, &c.ResolvedAt); err != nil {
			return nil, err
		}
		if winning != nil {
			c.WinningData = winning
		}
		if losing != nil {
			c.LosingData = losing
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Purge deletes the whole trail.
func (r *SQLiteRepository) Purge(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM conflicts`); err != nil {
		return fmt.Errorf("failed to purge conflicts: %w", err)
	}
	return nil
}
