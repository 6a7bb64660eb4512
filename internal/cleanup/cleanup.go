// Package cleanup reclaims storage for expired, consumed and orphaned shares.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/italolelis/onetimeshare/internal/blob"
	"github.com/italolelis/onetimeshare/internal/logctx"
	"github.com/italolelis/onetimeshare/internal/notifier"
	"github.com/italolelis/onetimeshare/internal/storage"
	"github.com/italolelis/onetimeshare/internal/telemetry"
)

// settleAge keeps the stray phase away from uploads whose record is still
// being written.
const settleAge = time.Hour

// Result summarises one sweeper pass.
type Result struct {
	Expired  int
	Reaped   int
	Purged   int
	Strays   int
	Errors   int
	Duration time.Duration
	Skipped  bool
}

type Config struct {
	Interval  time.Duration
	Retention time.Duration
	Grace     time.Duration
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func WithNotifier(n notifier.Notifier) Option {
	return func(s *Sweeper) { s.notifier = n }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Sweeper) { s.telemetry = t }
}

// Sweeper runs the retention passes. Passes never overlap.
type Sweeper struct {
	records   storage.CustodyRepository
	blobs     blob.Backend
	cfg       Config
	now       func() time.Time
	notifier  notifier.Notifier
	telemetry *telemetry.Telemetry

	running sync.Mutex
}

func NewSweeper(records storage.CustodyRepository, blobs blob.Backend, cfg Config, opts ...Option) *Sweeper {
	s := &Sweeper{
		records:  records,
		blobs:    blobs,
		cfg:      cfg,
		now:      time.Now,
		notifier: notifier.Noop{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run sweeps once immediately and then on every tick until ctx is done. A
// pass that has started always finishes.
func (s *Sweeper) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("component", "sweeper")
	ctx = logctx.WithLogger(ctx, logger)

	logger.InfoContext(ctx, "retention sweeper started",
		"interval", s.cfg.Interval,
		"retention", s.cfg.Retention,
		"grace", s.cfg.Grace,
	)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "retention sweeper stopped")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass. If another pass is in progress it returns
// immediately with Skipped set.
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	logger := logctx.LoggerFromContext(ctx)

	if !s.running.TryLock() {
		logger.WarnContext(ctx, "sweep already in progress, skipping")
		s.telemetry.RecordSweepRun("skipped", 0)

		return Result{Skipped: true}
	}
	defer s.running.Unlock()

	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	now := s.now().UTC()

	var res Result

	res.Expired = s.phase(ctx, "expire", &res, func(ctx context.Context) (int, int) {
		return s.expire(ctx, now)
	})
	res.Reaped = s.phase(ctx, "reap", &res, func(ctx context.Context) (int, int) {
		return s.reap(ctx)
	})
	res.Purged = s.phase(ctx, "purge", &res, func(ctx context.Context) (int, int) {
		return s.purge(ctx, now.Add(-(s.cfg.Retention + s.cfg.Grace)))
	})
	res.Strays = s.phase(ctx, "strays", &res, func(ctx context.Context) (int, int) {
		return s.strays(ctx, now.Add(-max(s.cfg.Grace, settleAge)))
	})

	res.Duration = time.Since(start)

	status := "success"
	if res.Errors > 0 {
		status = "partial"
	}
	s.telemetry.RecordSweepRun(status, res.Duration)

	logger.InfoContext(ctx, "sweep completed",
		"expired", res.Expired,
		"reaped", res.Reaped,
		"purged", res.Purged,
		"strays", res.Strays,
		"errors", res.Errors,
		"duration", res.Duration,
	)

	if res.Errors > 0 {
		msg := fmt.Sprintf("retention sweep finished with %d errors (expired %d, reaped %d, purged %d, strays %d)",
			res.Errors, res.Expired, res.Reaped, res.Purged, res.Strays)
		if err := s.notifier.Notify(ctx, msg); err != nil {
			logger.WarnContext(ctx, "failed to send sweep notification", "err", err)
		}
	}

	return res
}

// phase runs fn with panic isolation and folds its failures into res.
func (s *Sweeper) phase(ctx context.Context, name string, res *Result, fn func(context.Context) (int, int)) (done int) {
	logger := logctx.LoggerFromContext(ctx).With("phase", name)
	ctx = logctx.WithLogger(ctx, logger)

	failed := 0

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "panic in sweep phase",
				"panic", r,
				"stack", string(debug.Stack()))
			s.telemetry.RecordSystemError("sweeper", "panic")
			failed++
		}

		res.Errors += failed
		s.telemetry.RecordSweepRecords(name, "success", done)
		s.telemetry.RecordSweepRecords(name, "error", failed)
	}()

	done, failed = fn(ctx)

	return done
}

func (s *Sweeper) expire(ctx context.Context, now time.Time) (expired, failed int) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := s.records.ListExpired(ctx, now)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list expired records", "err", err)
		return 0, 1
	}

	for _, rec := range records {
		err := s.records.MarkExpired(ctx, rec.ID, rec.Version, uuid.NewString(), now)
		if errors.Is(err, storage.ErrVersionConflict) {
			logger.DebugContext(ctx, "record changed during sweep, skipping", "record_id", rec.ID)
			continue
		}
		if err != nil {
			logger.ErrorContext(ctx, "failed to expire record", "record_id", rec.ID, "err", err)
			failed++
			continue
		}

		expired++

		if err := s.blobs.Delete(ctx, rec.StorageLocation); err != nil {
			logger.WarnContext(ctx, "failed to delete expired blob, will reap later",
				"record_id", rec.ID, "location", rec.StorageLocation, "err", err)
			failed++
		}
	}

	return expired, failed
}

// reap deletes blobs still present for tombstoned records.
func (s *Sweeper) reap(ctx context.Context) (reaped, failed int) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := s.records.ListTombstoned(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list tombstoned records", "err", err)
		return 0, 1
	}

	for _, rec := range records {
		removed, err := s.removeIfPresent(ctx, logger, rec)
		if err != nil {
			failed++
			continue
		}

		if removed {
			logger.InfoContext(ctx, "reaped orphaned blob", "record_id", rec.ID)
			reaped++
		}
	}

	return reaped, failed
}

func (s *Sweeper) purge(ctx context.Context, cutoff time.Time) (purged, failed int) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := s.records.ListPurgeable(ctx, cutoff)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list purgeable records", "err", err)
		return 0, 1
	}

	for _, rec := range records {
		if _, err := s.removeIfPresent(ctx, logger, rec); err != nil {
			failed++
			continue
		}

		err := s.records.PurgeRecord(ctx, rec.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			logger.ErrorContext(ctx, "failed to purge record", "record_id", rec.ID, "err", err)
			failed++
			continue
		}

		purged++
	}

	return purged, failed
}

func (s *Sweeper) removeIfPresent(ctx context.Context, logger *slog.Logger, rec storage.CustodyRecord) (bool, error) {
	exists, err := s.blobs.Exists(ctx, rec.StorageLocation)
	if err != nil {
		logger.ErrorContext(ctx, "failed to check blob", "record_id", rec.ID, "err", err)
		return false, err
	}

	if !exists {
		return false, nil
	}

	if err := s.blobs.Delete(ctx, rec.StorageLocation); err != nil {
		logger.ErrorContext(ctx, "failed to delete blob", "record_id", rec.ID, "err", err)
		return false, err
	}

	return true, nil
}

// strays deletes blobs older than cutoff that no record references: uploads
// whose record insert never happened, and temporary files from interrupted saves.
func (s *Sweeper) strays(ctx context.Context, cutoff time.Time) (removed, failed int) {
	logger := logctx.LoggerFromContext(ctx)

	var candidates []string

	err := s.blobs.Walk(ctx, func(location string, modTime time.Time) error {
		if modTime.Before(cutoff) {
			candidates = append(candidates, location)
		}
		return nil
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to walk blob storage", "err", err)
		return 0, 1
	}

	for _, location := range candidates {
		if !blob.IsTemporary(location) {
			known, err := s.records.LocationExists(ctx, location)
			if err != nil {
				logger.ErrorContext(ctx, "failed to look up blob owner", "location", location, "err", err)
				failed++
				continue
			}

			if known {
				continue
			}
		}

		if err := s.blobs.Delete(ctx, location); err != nil {
			logger.ErrorContext(ctx, "failed to delete stray blob", "location", location, "err", err)
			failed++
			continue
		}

		logger.WarnContext(ctx, "deleted stray blob", "location", location)
		removed++
	}

	return removed, failed
}
