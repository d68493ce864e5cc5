// Package store is the local document store: a namespace→collection→item
// map with JSON payloads. Local mutations write the document and append to
// the change log in one transaction, which is the hinge the whole sync
// protocol turns on — a mutation either exists in both places or in
// neither.
//
// Remote changes arrive through Apply, which deliberately does NOT touch
// the change log: each device logs only its own history.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/okatkov/relaysync/internal/common"
	"github.com/okatkov/relaysync/internal/dbx"
	"github.com/okatkov/relaysync/internal/logging"
	"github.com/okatkov/relaysync/internal/models"
	"github.com/okatkov/relaysync/internal/repositories/changelog"
	"github.com/okatkov/relaysync/internal/repositories/documents"
	"github.com/okatkov/relaysync/internal/repositories/syncstate"
)

// Store exposes the document map upward and the replay surface
// (Apply/CurrentState) to the pull engine.
type Store struct {
	db     *sql.DB
	logger logging.Logger

	// now is swappable in tests; entries are stamped in epoch ms.
	now func() time.Time
}

// New returns a Store over the local database.
func New(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger, now: time.Now}
}

// WithClock replaces the timestamp source. Test helper.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Get returns the live payload for the key, or common.ErrNotFound for
// missing items and tombstones alike.
func (s *Store) Get(ctx context.Context, namespace, collection, itemID string) (json.RawMessage, error) {
	doc, err := documents.NewSQLiteRepository(s.db).Get(ctx, models.ItemKey{
		Namespace: namespace, Collection: collection, ItemID: itemID,
	})
	if err != nil {
		return nil, err
	}
	if doc.Deleted {
		return nil, common.ErrNotFound
	}
	return doc.Payload, nil
}

// Scan lists live documents of one collection.
func (s *Store) Scan(ctx context.Context, namespace, collection string) ([]models.Document, error) {
	return documents.NewSQLiteRepository(s.db).Scan(ctx, namespace, collection)
}

// Put writes the full document and records an OpWrite change entry.
func (s *Store) Put(ctx context.Context, namespace, collection, itemID string, payload json.RawMessage) (*models.ChangeEntry, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return s.mutate(ctx, models.OpWrite, namespace, collection, itemID, payload, payload)
}

// Update merges a one-level patch into the current document and records an
// OpUpdate change entry carrying the patch itself.
func (s *Store) Update(ctx context.Context, namespace, collection, itemID string, patch json.RawMessage) (*models.ChangeEntry, error) {
	current, err := s.Get(ctx, namespace, collection, itemID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	merged, err := MergePatch(current, patch)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, models.OpUpdate, namespace, collection, itemID, merged, patch)
}

// Delete records a tombstone. Deleting a missing item is still logged; the
// tombstone may be what another device needs to drop its copy.
func (s *Store) Delete(ctx context.Context, namespace, collection, itemID string) (*models.ChangeEntry, error) {
	return s.mutate(ctx, models.OpDelete, namespace, collection, itemID, nil, nil)
}

// mutate writes docPayload into documents and appends a change entry with
// entryPayload, atomically.
func (s *Store) mutate(ctx context.Context, op models.Op, namespace, collection, itemID string, docPayload, entryPayload json.RawMessage) (*models.ChangeEntry, error) {
	ts := s.now().UnixMilli()

	var entry *models.ChangeEntry
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		state, err := syncstate.NewSQLiteRepository(tx).Get(ctx)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return common.ErrNotConfigured
			}
			return err
		}

		doc := &models.Document{
			Namespace:  namespace,
			Collection: collection,
			ItemID:     itemID,
			Payload:    docPayload,
			Deleted:    op == models.OpDelete,
			UpdatedAt:  ts,
			UpdatedBy:  state.DeviceID,
		}
		if err := documents.NewSQLiteRepository(tx).Upsert(ctx, doc); err != nil {
			return err
		}

		entry = &models.ChangeEntry{
			DeviceID:   state.DeviceID,
			Op:         op,
			Namespace:  namespace,
			Collection: collection,
			ItemID:     itemID,
			Payload:    entryPayload,
			Timestamp:  ts,
		}
		return changelog.NewSQLiteRepository(tx).Append(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug(ctx, "local mutation recorded",
		"op", string(op), "namespace", namespace, "collection", collection,
		"item", itemID, "seq", entry.Seq)
	return entry, nil
}

// Apply materializes a resolved remote change entry. It is idempotent:
// re-applying an entry against already-equal state rewrites the same row.
func (s *Store) Apply(ctx context.Context, e *models.ChangeEntry) error {
	repo := documents.NewSQLiteRepository(s.db)

	doc := &models.Document{
		Namespace:  e.Namespace,
		Collection: e.Collection,
		ItemID:     e.ItemID,
		Deleted:    e.Op == models.OpDelete,
		UpdatedAt:  e.Timestamp,
		UpdatedBy:  e.DeviceID,
	}

	switch e.Op {
	case models.OpWrite, models.OpDelete:
		doc.Payload = e.Payload
	case models.OpUpdate:
		var current json.RawMessage
		existing, err := repo.Get(ctx, e.Key())
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
		if err == nil && !existing.Deleted {
			current = existing.Payload
		}
		merged, err := MergePatch(current, e.Payload)
		if err != nil {
			return err
		}
		doc.Payload = merged
	default:
		return fmt.Errorf("apply: unknown op %q", e.Op)
	}

	return repo.Upsert(ctx, doc)
}

// CurrentState returns the stored state for the entry's key, tombstones
// included, or nil when the key has never been written.
func (s *Store) CurrentState(ctx context.Context, key models.ItemKey) (*models.Document, error) {
	doc, err := documents.NewSQLiteRepository(s.db).Get(ctx, key)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return doc, nil
}

// Export returns every document row, tombstones included. Used by the
// snapshot writer.
func (s *Store) Export(ctx context.Context) ([]models.Document, error) {
	return documents.NewSQLiteRepository(s.db).All(ctx)
}

// Import writes document rows verbatim (timestamps and origin preserved).
// Used by snapshot restore.
func (s *Store) Import(ctx context.Context, docs []models.Document) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := documents.NewSQLiteRepository(tx)
		for i := range docs {
			if err := repo.Upsert(ctx, &docs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}
