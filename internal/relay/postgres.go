package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/okatkov/relaysync/internal/common"
)

// Postgres keeps blobs in a single (name, data) table on a shared Postgres
// instance. The database still sees only ciphertext; it is a dumb byte
// store like every other backend, just one that many households already
// have running.
type Postgres struct {
	db *sql.DB
}

// NewPostgres connects with the pgx stdlib driver and creates the blob
// table if needed.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres relay: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS relay_blobs (
			name TEXT PRIMARY KEY,
			data BYTEA NOT NULL
		)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create relay table: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Put(ctx context.Context, name string, data []byte) error {
	query := `INSERT INTO relay_blobs (name, data) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET data = excluded.data`
	if _, err := p.db.ExecContext(ctx, query, name, data); err != nil {
		return fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	row := p.db.QueryRowContext(ctx, `SELECT data FROM relay_blobs WHERE name = $1`, name)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
	}
	return data, nil
}

func (p *Postgres) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT name FROM relay_blobs WHERE name LIKE $1 || '%'`, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
	}
	return names, nil
}

func (p *Postgres) Delete(ctx context.Context, name string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM relay_blobs WHERE name = $1`, name); err != nil {
		return fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
	}
	return nil
}
