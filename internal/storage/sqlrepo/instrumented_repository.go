package sqlrepo

import (
	"context"
	"time"

	"github.com/italolelis/onetimeshare/internal/storage"
	"github.com/italolelis/onetimeshare/internal/telemetry"
)

// InstrumentedRepository wraps a CustodyRepository with telemetry.
type InstrumentedRepository struct {
	repo      storage.CustodyRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedRepository(repo storage.CustodyRepository, tel *telemetry.Telemetry) *InstrumentedRepository {
	return &InstrumentedRepository{
		repo:      repo,
		telemetry: tel,
	}
}

func (r *InstrumentedRepository) InsertRecord(ctx context.Context, rec *storage.CustodyRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "insert_record", func(ctx context.Context) error {
		return r.repo.InsertRecord(ctx, rec)
	})
}

func (r *InstrumentedRepository) GetRecord(ctx context.Context, id string) (*storage.CustodyRecord, error) {
	var rec *storage.CustodyRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_record", func(ctx context.Context) error {
		var err error
		rec, err = r.repo.GetRecord(ctx, id)
		return err
	})

	return rec, err
}

func (r *InstrumentedRepository) MarkConsumed(ctx context.Context, id, version, newVersion string, at time.Time) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_consumed", func(ctx context.Context) error {
		return r.repo.MarkConsumed(ctx, id, version, newVersion, at)
	})
}

func (r *InstrumentedRepository) MarkExpired(ctx context.Context, id, version, newVersion string, at time.Time) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_expired", func(ctx context.Context) error {
		return r.repo.MarkExpired(ctx, id, version, newVersion, at)
	})
}

func (r *InstrumentedRepository) PurgeRecord(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "purge_record", func(ctx context.Context) error {
		return r.repo.PurgeRecord(ctx, id)
	})
}

func (r *InstrumentedRepository) ListExpired(ctx context.Context, now time.Time) ([]storage.CustodyRecord, error) {
	return r.instrumentList(ctx, "list_expired", func(ctx context.Context) ([]storage.CustodyRecord, error) {
		return r.repo.ListExpired(ctx, now)
	})
}

func (r *InstrumentedRepository) ListTombstoned(ctx context.Context) ([]storage.CustodyRecord, error) {
	return r.instrumentList(ctx, "list_tombstoned", r.repo.ListTombstoned)
}

func (r *InstrumentedRepository) ListPurgeable(ctx context.Context, cutoff time.Time) ([]storage.CustodyRecord, error) {
	return r.instrumentList(ctx, "list_purgeable", func(ctx context.Context) ([]storage.CustodyRecord, error) {
		return r.repo.ListPurgeable(ctx, cutoff)
	})
}

func (r *InstrumentedRepository) instrumentList(
	ctx context.Context,
	op string,
	fn func(context.Context) ([]storage.CustodyRecord, error),
) ([]storage.CustodyRecord, error) {
	var records []storage.CustodyRecord

	err := r.telemetry.InstrumentDBOperation(ctx, op, func(ctx context.Context) error {
		var err error
		records, err = fn(ctx)
		return err
	})

	return records, err
}

func (r *InstrumentedRepository) LocationExists(ctx context.Context, location string) (bool, error) {
	var exists bool

	err := r.telemetry.InstrumentDBOperation(ctx, "location_exists", func(ctx context.Context) error {
		var err error
		exists, err = r.repo.LocationExists(ctx, location)
		return err
	})

	return exists, err
}

func (r *InstrumentedRepository) Stats(ctx context.Context, now time.Time) (storage.Stats, error) {
	var stats storage.Stats

	err := r.telemetry.InstrumentDBOperation(ctx, "stats", func(ctx context.Context) error {
		var err error
		stats, err = r.repo.Stats(ctx, now)
		return err
	})

	return stats, err
}

func (r *InstrumentedRepository) Ping(ctx context.Context) error {
	return r.telemetry.InstrumentDBOperation(ctx, "ping", r.repo.Ping)
}
