package documents

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

// Upsert writes the document row by key. On conflict all state columns are
// replaced.
func (r *SQLiteRepository) Upsert(ctx context.Context, d *models.Document) error {
	query := `INSERT INTO documents (namespace, collection, item_id, payload, deleted, updated_at, updated_by)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(namespace, collection, item_id) DO UPDATE SET
				payload = excluded.payload,
				deleted = excluded.deleted,
				updated_at = excluded.updated_at,
				updated_by = excluded.updated_by
	`
	_, err := r.db.ExecContext(ctx, query,
		d.Namespace, d.Collection, d.ItemID, []byte(d.Payload), boolToInt(d.Deleted), d.UpdatedAt, d.UpdatedBy)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

// Get returns the row for the key, tombstones included.
func (r *SQLiteRepository) Get(ctx context.Context, key models.ItemKey) (*models.Document, error) {
	query := `SELECT payload, deleted, updated_at, updated_by FROM documents
			WHERE namespace = ? AND collection = ? AND item_id = ?`
	row := r.db.QueryRowContext(ctx, query, key.Namespace, key.Collection, key.ItemID)

	d := &models.Document{Namespace: key.Namespace, Collection: key.Collection, ItemID: key.ItemID}
	var payload []byte
	var deleted int
	if err := row.Scan(&payload, &deleted, &d.UpdatedAt, &d.UpdatedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	if payload != nil {
		d.Payload = payload
	}
	d.Deleted = deleted != 0
	return d, nil
}

// Scan lists live documents of one collection ordered by item id.
func (r *SQLiteRepository) Scan(ctx context.Context, namespace, collection string) ([]models.Document, error) {
	query := `SELECT item_id, payload, updated_at, updated_by FROM documents
			WHERE namespace = ? AND collection = ? AND deleted = 0 ORDER BY item_id`
	rows, err := r.db.QueryContext(ctx, query, namespace, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to scan documents: %w", err)
	}
	defer rows.Close()

	var result []models.Document
	for rows.Next() {
		d := models.Document{Namespace: namespace, Collection: collection}
		var payload []byte
		if err := rows.Scan(&d.ItemID, &payload, &d.UpdatedAt, &d.UpdatedBy); err != nil {
			return nil, err
		}
		if payload != nil {
			d.Payload = payload
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// All lists every row, tombstones included, ordered by key.
func (r *SQLiteRepository) All(ctx context.Context) ([]models.Document, error) {
	query := `SELECT namespace, collection, item_id, payload, deleted, updated_at, updated_by
			FROM documents ORDER BY namespace, collection, item_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var result []models.Document
	for rows.Next() {
		var d models.Document
		var payload []byte
		var deleted int
		if err := rows.Scan(&d.Namespace, &d.Collection, &d.ItemID, &payload, &deleted, &d.UpdatedAt, &d.UpdatedBy); err != nil {
			return nil, err
		}
		if payload != nil {
			d.Payload = payload
		}
		d.Deleted = deleted != 0
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
