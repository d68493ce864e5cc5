package syncstate

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/okatkov/relaysync/internal/common"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE sync_state (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  device_id TEXT NOT NULL,
  display_name TEXT NOT NULL,
  pushed_seq INTEGER NOT NULL DEFAULT 0,
  last_push_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE relay_cursors (
  device_id TEXT PRIMARY KEY,
  last_seq INTEGER NOT NULL
);
`)
	require.NoError(t, err)
	return db
}

func TestInitAndGet(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	_, err := r.Get(ctx)
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, r.Init(ctx, "dev-a", "laptop"))

	s, err := r.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dev-a", s.DeviceID)
	assert.Equal(t, "laptop", s.DisplayName)
	assert.Zero(t, s.PushedSeq)

	// singleton: a second identity is a bug
	assert.Error(t, r.Init(ctx, "dev-b", "other"))
}

func TestCursorUpdates(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	require.NoError(t, r.Init(ctx, "dev-a", "laptop"))
	require.NoError(t, r.SetPushedSeq(ctx, 5))
	require.NoError(t, r.SetLastPushAt(ctx, 1234))

	s, err := r.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), s.PushedSeq)
	assert.Equal(t, int64(1234), s.LastPushAt)
}

func TestSetField_RequiresInit(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)

	err := r.SetPushedSeq(context.Background(), 1)
	assert.ErrorIs(t, err, common.ErrNotConfigured)
}

func TestRelayCursors(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	got, err := r.Cursors(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, r.SetCursor(ctx, "dev-b", 3))
	require.NoError(t, r.SetCursor(ctx, "dev-c", 10))
	require.NoError(t, r.SetCursor(ctx, "dev-b", 7))

	got, err = r.Cursors(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"dev-b": 7, "dev-c": 10}, got)
}

func TestReset(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	require.NoError(t, r.Init(ctx, "dev-a", "laptop"))
	require.NoError(t, r.SetPushedSeq(ctx, 9))
	require.NoError(t, r.SetCursor(ctx, "dev-b", 3))

	require.NoError(t, r.Reset(ctx))

	s, err := r.Get(ctx)
	require.NoError(t, err)
	assert.Zero(t, s.PushedSeq)

	cursors, err := r.Cursors(ctx)
	require.NoError(t, err)
	assert.Empty(t, cursors)
}
