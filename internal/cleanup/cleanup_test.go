package cleanup

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/onetimeshare/internal/blob"
	"github.com/italolelis/onetimeshare/internal/storage"
	"github.com/italolelis/onetimeshare/internal/storage/sqlite"
)

const (
	retention = 30 * 24 * time.Hour
	grace     = 7 * 24 * time.Hour
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	sweeper *Sweeper
	records storage.CustodyRepository
	blobs   *blob.FileSystem
	clock   *clock
}

func newFixture(t *testing.T, wrap func(storage.CustodyRepository) storage.CustodyRepository) *fixture {
	t.Helper()

	db, err := sqlite.InitDB(context.Background(), filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var records storage.CustodyRepository = sqlite.NewRepository(db)
	if wrap != nil {
		records = wrap(records)
	}

	blobs := blob.NewFileSystemFromFs(afero.NewMemMapFs())
	clk := &clock{now: time.Now().UTC()}

	s := NewSweeper(records, blobs, Config{Interval: time.Hour, Retention: retention, Grace: grace},
		WithClock(clk.Now))

	return &fixture{sweeper: s, records: records, blobs: blobs, clock: clk}
}

func (f *fixture) store(t *testing.T) *storage.CustodyRecord {
	t.Helper()

	ctx := context.Background()

	location, size, err := f.blobs.Save(ctx, strings.NewReader("0123456789"), ".txt")
	require.NoError(t, err)

	now := f.clock.Now()
	expires := now.Add(retention)
	id := uuid.NewString()

	rec := &storage.CustodyRecord{
		ID:              id,
		OwnerID:         "alice",
		OriginalName:    "notes.txt",
		ContentType:     "text/plain",
		SizeBytes:       size,
		StorageLocation: location,
		UploadedAt:      now,
		ExpiresAt:       &expires,
		TokenHash:       "hash-" + id,
		TokenSalt:       "salt",
		TokenIssuedAt:   now,
		Version:         uuid.NewString(),
	}
	require.NoError(t, f.records.InsertRecord(ctx, rec))

	return rec
}

func (f *fixture) blobExists(t *testing.T, location string) bool {
	t.Helper()

	exists, err := f.blobs.Exists(context.Background(), location)
	require.NoError(t, err)
	return exists
}

func TestRunOnce_ExpiresRecords(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	expired := f.store(t)
	f.clock.Advance(retention / 2)
	live := f.store(t)
	f.clock.Advance(retention/2 + time.Minute)

	res := f.sweeper.RunOnce(ctx)
	assert.Equal(t, 1, res.Expired)
	assert.Zero(t, res.Errors)

	got, err := f.records.GetRecord(ctx, expired.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)
	assert.Nil(t, got.TokenConsumedAt)
	assert.False(t, f.blobExists(t, expired.StorageLocation))

	got, err = f.records.GetRecord(ctx, live.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DeletedAt)
	assert.True(t, f.blobExists(t, live.StorageLocation))
}

func TestRunOnce_ReapsOrphanedBlobs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec := f.store(t)
	require.NoError(t, f.records.MarkConsumed(ctx, rec.ID, rec.Version, uuid.NewString(), f.clock.Now()))

	res := f.sweeper.RunOnce(ctx)
	assert.Equal(t, 1, res.Reaped)
	assert.False(t, f.blobExists(t, rec.StorageLocation))

	res = f.sweeper.RunOnce(ctx)
	assert.Zero(t, res.Reaped)
	assert.Zero(t, res.Errors)
}

func TestRunOnce_PurgesAfterRetentionAndGrace(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec := f.store(t)
	require.NoError(t, f.records.MarkConsumed(ctx, rec.ID, rec.Version, uuid.NewString(), f.clock.Now()))

	f.clock.Advance(retention + grace - time.Hour)
	res := f.sweeper.RunOnce(ctx)
	assert.Zero(t, res.Purged)
	assert.Equal(t, 1, res.Reaped)

	f.clock.Advance(2 * time.Hour)
	res = f.sweeper.RunOnce(ctx)
	assert.Equal(t, 1, res.Purged)

	_, err := f.records.GetRecord(ctx, rec.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	for range 3 {
		f.clock.Advance(24 * time.Hour)
		res = f.sweeper.RunOnce(ctx)
		assert.Zero(t, res.Purged+res.Reaped+res.Expired)

		_, err = f.records.GetRecord(ctx, rec.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func TestRunOnce_PurgeRemovesLingeringBlobFirst(t *testing.T) {
	f := newFixture(t, func(r storage.CustodyRepository) storage.CustodyRepository {
		return &noTombstones{CustodyRepository: r}
	})
	ctx := context.Background()

	rec := f.store(t)
	require.NoError(t, f.records.MarkConsumed(ctx, rec.ID, rec.Version, uuid.NewString(), f.clock.Now()))

	f.clock.Advance(retention + grace + time.Hour)

	res := f.sweeper.RunOnce(ctx)
	assert.Equal(t, 1, res.Purged)
	assert.False(t, f.blobExists(t, rec.StorageLocation))
}

// noTombstones hides tombstones from the reap phase so purge sees the blob.
type noTombstones struct {
	storage.CustodyRepository
}

func (noTombstones) ListTombstoned(context.Context) ([]storage.CustodyRecord, error) {
	return nil, nil
}

func TestRunOnce_RemovesStrayBlobs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	known := f.store(t)

	stray, _, err := f.blobs.Save(ctx, strings.NewReader("no record"), ".bin")
	require.NoError(t, err)

	res := f.sweeper.RunOnce(ctx)
	assert.Zero(t, res.Strays, "young blobs are left alone")

	f.clock.Advance(grace + time.Hour)

	res = f.sweeper.RunOnce(ctx)
	assert.Equal(t, 1, res.Strays)
	assert.False(t, f.blobExists(t, stray))
	assert.True(t, f.blobExists(t, known.StorageLocation))
}

func TestRunOnce_SkipsWhenAlreadyRunning(t *testing.T) {
	f := newFixture(t, nil)

	f.sweeper.running.Lock()
	res := f.sweeper.RunOnce(context.Background())
	f.sweeper.running.Unlock()

	assert.True(t, res.Skipped)

	res = f.sweeper.RunOnce(context.Background())
	assert.False(t, res.Skipped)
}

type panickingExpire struct {
	storage.CustodyRepository
}

func (panickingExpire) ListExpired(context.Context, time.Time) ([]storage.CustodyRecord, error) {
	panic("corrupt row")
}

func TestRunOnce_PhasesAreIsolated(t *testing.T) {
	f := newFixture(t, func(r storage.CustodyRepository) storage.CustodyRepository {
		return panickingExpire{CustodyRepository: r}
	})
	ctx := context.Background()

	rec := f.store(t)
	require.NoError(t, f.records.MarkConsumed(ctx, rec.ID, rec.Version, uuid.NewString(), f.clock.Now()))
	f.clock.Advance(2 * time.Hour)

	res := f.sweeper.RunOnce(ctx)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Reaped)
}

type racingConsume struct {
	storage.CustodyRepository
}

func (racingConsume) MarkExpired(context.Context, string, string, string, time.Time) error {
	return storage.ErrVersionConflict
}

func TestRunOnce_LosingVersionRaceIsNotAnError(t *testing.T) {
	f := newFixture(t, func(r storage.CustodyRepository) storage.CustodyRepository {
		return racingConsume{CustodyRepository: r}
	})

	rec := f.store(t)
	f.clock.Advance(retention + time.Minute)

	res := f.sweeper.RunOnce(context.Background())
	assert.Zero(t, res.Expired)
	assert.Zero(t, res.Errors)
	assert.True(t, f.blobExists(t, rec.StorageLocation))
}

func TestRun_SweepsAtStartupAndStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.store(t)
	f.clock.Advance(retention + time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sweeper.Run(ctx) }()

	assert.Eventually(t, func() bool {
		got, err := f.records.GetRecord(context.Background(), rec.ID)
		return err == nil && got.DeletedAt != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
