package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okatkov/relaysync/internal/common"
	"github.com/okatkov/relaysync/internal/config"
	"github.com/okatkov/relaysync/internal/localdb"
	"github.com/okatkov/relaysync/internal/logging"
	"github.com/okatkov/relaysync/internal/models"
	"github.com/okatkov/relaysync/internal/relay"
	"github.com/okatkov/relaysync/internal/store"
)

var passphrase = []byte("correct horse battery staple")

// fakeClock is a shared, manually advanced time source so cross-device
// ordering in tests is exact.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newDevice(t *testing.T, rl relay.Relay, name string, clock *fakeClock) (*Service, *store.Store) {
	t.Helper()
	db, err := localdb.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := logging.NewDiscardLogger()
	st := store.New(db, logger).WithClock(clock.Now)

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.DisplayName = name
	cfg.MinPushInterval = 0
	cfg.RetryMaxAttempts = 2
	cfg.RetryBaseDelay = time.Millisecond

	return NewService(db, rl, st, cfg, logger).WithClock(clock.Now), st
}

func TestSetupAndStatus(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	clock := newFakeClock()
	svc, _ := newDevice(t, rl, "laptop", clock)

	require.NoError(t, svc.Setup(ctx, passphrase))

	st, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, st.DeviceID)
	assert.Equal(t, "laptop", st.DisplayName)
	assert.True(t, st.Unlocked)
	assert.Len(t, st.Devices, 1)

	// manifest landed on the relay
	_, err = rl.Get(ctx, relay.ManifestName)
	require.NoError(t, err)

	assert.Error(t, svc.Setup(ctx, passphrase), "second setup must fail")
}

func TestSetup_JoinRequiresMatchingPassphrase(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	clock := newFakeClock()

	a, _ := newDevice(t, rl, "laptop", clock)
	require.NoError(t, a.Setup(ctx, passphrase))

	b, _ := newDevice(t, rl, "phone", clock)
	err := b.Setup(ctx, []byte("wrong"))
	assert.ErrorIs(t, err, common.ErrAuthentication)

	// nothing local was written; a correct join still works
	_, err = b.Status(ctx)
	assert.ErrorIs(t, err, common.ErrNotConfigured)
	require.NoError(t, b.Setup(ctx, passphrase))

	st, err := b.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Devices, 2)
}

func TestTwoDeviceConvergence(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	clock := newFakeClock()

	a, aStore := newDevice(t, rl, "laptop", clock)
	b, bStore := newDevice(t, rl, "phone", clock)
	require.NoError(t, a.Setup(ctx, passphrase))
	require.NoError(t, b.Setup(ctx, passphrase))

	_, err := aStore.Put(ctx, "example.com", "bookmarks", "t1", json.RawMessage(`{"v":"a"}`))
	require.NoError(t, err)

	pushRes, err := a.Push(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, pushRes.Pushed)
	assert.Equal(t, uint64(1), pushRes.RelaySeq)

	pullRes, err := b.Pull(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, pullRes.Pulled)
	assert.Equal(t, 1, pullRes.Applied)
	assert.Zero(t, pullRes.Conflicts)

	got, err := bStore.Get(ctx, "example.com", "bookmarks", "t1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"a"}`, string(got))

	// B overwrites later; A observes the conflict and converges to B's value
	clock.Advance(10 * time.Millisecond)
	_, err = bStore.Put(ctx, "example.com", "bookmarks", "t1", json.RawMessage(`{"v":"b"}`))
	require.NoError(t, err)

	_, err = b.Push(ctx, true)
	require.NoError(t, err)

	pullRes, err = a.Pull(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, pullRes.Applied)
	assert.Equal(t, 1, pullRes.Conflicts)

	got, err = aStore.Get(ctx, "example.com", "bookmarks", "t1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"b"}`, string(got))

	recs, err := a.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.JSONEq(t, `{"v":"b"}`, string(recs[0].WinningData))
	assert.JSONEq(t, `{"v":"a"}`, string(recs[0].LosingData))

	// both directions are idempotent now
	pullRes, err = a.Pull(ctx, -1)
	require.NoError(t, err)
	assert.Zero(t, pullRes.Pulled)

	pullRes, err = b.Pull(ctx, -1)
	require.NoError(t, err)
	assert.Zero(t, pullRes.Conflicts)
}

func TestDeletePropagation(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	clock := newFakeClock()

	a, aStore := newDevice(t, rl, "laptop", clock)
	b, bStore := newDevice(t, rl, "phone", clock)
	require.NoError(t, a.Setup(ctx, passphrase))
	require.NoError(t, b.Setup(ctx, passphrase))

	_, err := aStore.Put(ctx, "example.com", "bookmarks", "t1", json.RawMessage(`{"v":"a"}`))
	require.NoError(t, err)
	_, err = a.Push(ctx, true)
	require.NoError(t, err)
	_, err = b.Pull(ctx, -1)
	require.NoError(t, err)

	clock.Advance(5 * time.Millisecond)
	_, err = aStore.Delete(ctx, "example.com", "bookmarks", "t1")
	require.NoError(t, err)
	_, err = a.Push(ctx, true)
	require.NoError(t, err)

	pullRes, err := b.Pull(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, pullRes.Applied)
	// B's copy came from A; A deleting its own item is sequential history,
	// not a conflict
	assert.Zero(t, pullRes.Conflicts)

	_, err = bStore.Get(ctx, "example.com", "bookmarks", "t1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestPush_PartialResume(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	clock := newFakeClock()

	a, aStore := newDevice(t, rl, "laptop", clock)
	require.NoError(t, a.Setup(ctx, passphrase))

	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := aStore.Put(ctx, "example.com", "bookmarks", id, json.RawMessage(`{"v":1}`))
		require.NoError(t, err)
	}

	// RetryMaxAttempts=2 means 3 tries per blob; fail all of them for the
	// first entry
	rl.FailNextPuts(3)
	res, err := a.Push(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, res.Pushed)
	assert.Equal(t, 3, res.Pending)
	assert.Zero(t, res.RelaySeq)

	// next push resumes from the untouched cursor
	res, err = a.Push(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pushed)
	assert.Zero(t, res.Pending)
	assert.Equal(t, uint64(3), res.RelaySeq)

	// nothing left
	res, err = a.Push(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, res.Pushed)
}

func TestPush_RateLimit(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	clock := newFakeClock()

	a, aStore := newDevice(t, rl, "laptop", clock)
	a.cfg.MinPushInterval = time.Minute
	require.NoError(t, a.Setup(ctx, passphrase))

	_, err := aStore.Put(ctx, "example.com", "bookmarks", "t1", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	res, err := a.Push(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)

	_, err = aStore.Put(ctx, "example.com", "bookmarks", "t2", json.RawMessage(`{"v":2}`))
	require.NoError(t, err)

	res, err = a.Push(ctx, false)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.Pushed)

	// force ignores the interval
	res, err = a.Push(ctx, true)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Pushed)

	_, err = aStore.Put(ctx, "example.com", "bookmarks", "t3", json.RawMessage(`{"v":3}`))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	res, err = a.Push(ctx, false)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Pushed)
}

func TestPull_DiscardsTamperedBlob(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	clock := newFakeClock()

	a, aStore := newDevice(t, rl, "laptop", clock)
	require.NoError(t, a.Setup(ctx, passphrase))

	_, err := aStore.Put(ctx, "example.com", "bookmarks", "t1", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	_, err = aStore.Put(ctx, "example.com", "bookmarks", "t2", json.RawMessage(`{"v":2}`))
	require.NoError(t, err)
	_, err = a.Push(ctx, true)
	require.NoError(t, err)

	aStatus, err := a.Status(ctx)
	require.NoError(t, err)

	// flip one ciphertext bit in the first blob
	name := relay.ChangeBlobName(aStatus.DeviceID, 1)
	raw, err := rl.Get(ctx, name)
	require.NoError(t, err)
	var blob models.EncryptedBlob
	require.NoError(t, json.Unmarshal(raw, &blob))
	blob.Ciphertext[0] ^= 0x01
	tampered, err := json.Marshal(blob)
	require.NoError(t, err)
	require.NoError(t, rl.Put(ctx, name, tampered))

	b, bStore := newDevice(t, rl, "phone", clock)
	require.NoError(t, b.Setup(ctx, passphrase))

	res, err := b.Pull(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Discarded)
	assert.Equal(t, 1, res.Pulled)
	assert.Equal(t, 1, res.Applied)

	_, err = bStore.Get(ctx, "example.com", "bookmarks", "t1")
	assert.ErrorIs(t, err, common.ErrNotFound)
	got, err := bStore.Get(ctx, "example.com", "bookmarks", "t2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got))

	// the tampered blob is not refetched forever
	res, err = b.Pull(ctx, -1)
	require.NoError(t, err)
	assert.Zero(t, res.Pulled)
	assert.Zero(t, res.Discarded)
}

func TestPull_SequenceGapStillApplies(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	clock := newFakeClock()

	a, aStore := newDevice(t, rl, "laptop", clock)
	require.NoError(t, a.Setup(ctx, passphrase))

	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := aStore.Put(ctx, "example.com", "bookmarks", id, json.RawMessage(`{"id":"`+id+`"}`))
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}
	_, err := a.Push(ctx, true)
	require.NoError(t, err)

	aStatus, err := a.Status(ctx)
	require.NoError(t, err)

	// a hole in the middle of A's history (e.g. blob lost on the relay)
	require.NoError(t, rl.Delete(ctx, relay.ChangeBlobName(aStatus.DeviceID, 2)))

	b, bStore := newDevice(t, rl, "phone", clock)
	require.NoError(t, b.Setup(ctx, passphrase))

	// the surviving entries on both sides of the hole still come through
	res, err := b.Pull(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pulled)
	assert.Equal(t, 2, res.Applied)
	assert.Zero(t, res.Discarded)

	got, err := bStore.Get(ctx, "example.com", "bookmarks", "t1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"t1"}`, string(got))
	got, err = bStore.Get(ctx, "example.com", "bookmarks", "t3")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"t3"}`, string(got))
	_, err = bStore.Get(ctx, "example.com", "bookmarks", "t2")
	assert.ErrorIs(t, err, common.ErrNotFound)

	// the cursor moved past the hole; nothing is refetched
	res, err = b.Pull(ctx, -1)
	require.NoError(t, err)
	assert.Zero(t, res.Pulled)
}

func TestPush_CorruptChangeLogHalts(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	clock := newFakeClock()

	a, aStore := newDevice(t, rl, "laptop", clock)
	require.NoError(t, a.Setup(ctx, passphrase))

	_, err := aStore.Put(ctx, "example.com", "bookmarks", "t1", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)

	// damage the row behind the repository's back
	_, err = a.db.ExecContext(ctx, `UPDATE change_log SET op = 'garbage' WHERE seq = 1`)
	require.NoError(t, err)

	_, err = a.Push(ctx, true)
	assert.ErrorIs(t, err, common.ErrChangeLogCorrupt)

	// nothing reached the relay besides the manifest
	names, err := rl.List(ctx, relay.ChangesPrefix)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	clock := newFakeClock()

	a, aStore := newDevice(t, rl, "laptop", clock)
	require.NoError(t, a.Setup(ctx, passphrase))

	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := aStore.Put(ctx, "example.com", "bookmarks", id, json.RawMessage(`{"id":"`+id+`"}`))
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}
	_, err := aStore.Delete(ctx, "example.com", "bookmarks", "t3")
	require.NoError(t, err)
	_, err = a.Push(ctx, true)
	require.NoError(t, err)
	_, err = a.Snapshot(ctx)
	require.NoError(t, err)

	b, bStore := newDevice(t, rl, "phone", clock)

	// wrong passphrase: fails before any local state exists
	_, err = b.Restore(ctx, []byte("wrong"))
	assert.ErrorIs(t, err, common.ErrAuthentication)
	_, err = b.Status(ctx)
	assert.ErrorIs(t, err, common.ErrNotConfigured)

	res, err := b.Restore(ctx, passphrase)
	require.NoError(t, err)
	assert.Equal(t, 3, res.SnapshotDocuments, "all rows incl. the tombstone")
	require.NotNil(t, res.Pull)
	assert.Equal(t, 4, res.Pull.Pulled)
	assert.Zero(t, res.Pull.Conflicts)

	docs, err := bStore.Scan(ctx, "example.com", "bookmarks")
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	_, err = bStore.Get(ctx, "example.com", "bookmarks", "t3")
	assert.ErrorIs(t, err, common.ErrNotFound)

	// replay already advanced the cursors
	pullRes, err := b.Pull(ctx, -1)
	require.NoError(t, err)
	assert.Zero(t, pullRes.Pulled)
}

func TestRotateKey(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	clock := newFakeClock()
	newPass := []byte("entirely new passphrase")

	a, aStore := newDevice(t, rl, "laptop", clock)
	require.NoError(t, a.Setup(ctx, passphrase))

	_, err := aStore.Put(ctx, "example.com", "bookmarks", "t1", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	_, err = aStore.Put(ctx, "example.com", "bookmarks", "t2", json.RawMessage(`{"v":2}`))
	require.NoError(t, err)
	_, err = a.Push(ctx, true)
	require.NoError(t, err)

	require.NoError(t, a.RotateKey(ctx, newPass))

	// old change blobs are gone, superseded by the rotation snapshot
	names, err := rl.List(ctx, relay.ChangesPrefix)
	require.NoError(t, err)
	assert.Empty(t, names)

	// the old passphrase no longer opens anything
	b, bStore := newDevice(t, rl, "phone", clock)
	_, err = b.Restore(ctx, passphrase)
	assert.ErrorIs(t, err, common.ErrAuthentication)

	res, err := b.Restore(ctx, newPass)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SnapshotDocuments)

	docs, err := bStore.Scan(ctx, "example.com", "bookmarks")
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	// the rotating device can keep mutating and pushing under the new key
	_, err = aStore.Put(ctx, "example.com", "bookmarks", "t3", json.RawMessage(`{"v":3}`))
	require.NoError(t, err)
	pushRes, err := a.Push(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, pushRes.Pushed)

	pullRes, err := b.Pull(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, pullRes.Applied)
}

func TestPurgeAndReseed(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	clock := newFakeClock()

	a, aStore := newDevice(t, rl, "laptop", clock)
	require.NoError(t, a.Setup(ctx, passphrase))

	_, err := aStore.Put(ctx, "example.com", "bookmarks", "t1", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	_, err = a.Push(ctx, true)
	require.NoError(t, err)
	require.Positive(t, rl.Len())

	require.NoError(t, a.Purge(ctx))
	assert.Zero(t, rl.Len())

	// the local log survives and re-uploads in full
	res, err := a.Push(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)

	require.NoError(t, a.ReseedManifest(ctx))
	_, err = rl.Get(ctx, relay.ManifestName)
	require.NoError(t, err)
}

func TestSync_PushThenPull(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	clock := newFakeClock()

	a, aStore := newDevice(t, rl, "laptop", clock)
	b, bStore := newDevice(t, rl, "phone", clock)
	require.NoError(t, a.Setup(ctx, passphrase))
	require.NoError(t, b.Setup(ctx, passphrase))

	_, err := aStore.Put(ctx, "example.com", "bookmarks", "t1", json.RawMessage(`{"v":"a"}`))
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = bStore.Put(ctx, "example.com", "notes", "n1", json.RawMessage(`{"v":"b"}`))
	require.NoError(t, err)

	_, err = a.Sync(ctx, true)
	require.NoError(t, err)
	res, err := b.Sync(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Push.Pushed)
	assert.Equal(t, 1, res.Pull.Applied)

	_, err = a.Sync(ctx, true)
	require.NoError(t, err)

	got, err := aStore.Get(ctx, "example.com", "notes", "n1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"b"}`, string(got))
	got, err = bStore.Get(ctx, "example.com", "bookmarks", "t1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"a"}`, string(got))
}

func TestLockedAndUnconfigured(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	clock := newFakeClock()

	svc, _ := newDevice(t, rl, "laptop", clock)

	_, err := svc.Push(ctx, true)
	assert.ErrorIs(t, err, common.ErrLocked)
	_, err = svc.Pull(ctx, -1)
	assert.ErrorIs(t, err, common.ErrLocked)
	err = svc.Open(ctx, passphrase)
	assert.ErrorIs(t, err, common.ErrNotConfigured)
}

func TestOpen_ExistingDevice(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemory()
	clock := newFakeClock()

	a, aStore := newDevice(t, rl, "laptop", clock)
	require.NoError(t, a.Setup(ctx, passphrase))
	_, err := aStore.Put(ctx, "example.com", "bookmarks", "t1", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	_, err = a.Push(ctx, true)
	require.NoError(t, err)

	// a second session over the same database
	a2 := NewService(a.db, rl, a.store, a.cfg, logging.NewDiscardLogger()).WithClock(clock.Now)

	err = a2.Open(ctx, []byte("wrong"))
	assert.ErrorIs(t, err, common.ErrAuthentication)

	require.NoError(t, a2.Open(ctx, passphrase))
	st, err := a2.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Unlocked)
	assert.Equal(t, uint64(1), st.PushedSeq)
}
