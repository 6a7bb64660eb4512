package custody

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/onetimeshare/internal/blob"
	"github.com/italolelis/onetimeshare/internal/logctx"
	"github.com/italolelis/onetimeshare/internal/telemetry"
)

// DeleteQueue removes consumed blobs in the background. It is bounded: when
// full, jobs are dropped and left for the sweeper's reap phase.
type DeleteQueue struct {
	blobs     blob.Backend
	jobs      chan string
	workers   int
	telemetry *telemetry.Telemetry
}

func NewDeleteQueue(blobs blob.Backend, size, workers int, tel *telemetry.Telemetry) *DeleteQueue {
	return &DeleteQueue{
		blobs:     blobs,
		jobs:      make(chan string, size),
		workers:   max(workers, 1),
		telemetry: tel,
	}
}

// Submit enqueues location without blocking. It reports whether the job was accepted.
func (q *DeleteQueue) Submit(ctx context.Context, location string) bool {
	select {
	case q.jobs <- location:
		return true
	default:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "delete queue full, leaving blob for the sweeper",
			"location", location)
		q.telemetry.RecordDeleteJob("dropped")

		return false
	}
}

// Run processes jobs until ctx is done. Jobs still queued at that point are
// abandoned; their records are tombstoned, so the sweeper reaps the blobs.
func (q *DeleteQueue) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("component", "delete_queue")
	logger.InfoContext(ctx, "delete queue started", "workers", q.workers, "capacity", cap(q.jobs))

	g, ctx := errgroup.WithContext(ctx)

	for range q.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case location := <-q.jobs:
					q.delete(ctx, logger, location)
				}
			}
		})
	}

	err := g.Wait()

	logger.InfoContext(ctx, "delete queue stopped", "pending", len(q.jobs))

	return err
}

func (q *DeleteQueue) delete(ctx context.Context, logger *slog.Logger, location string) {
	if err := q.blobs.Delete(ctx, location); err != nil {
		logger.ErrorContext(ctx, "failed to delete consumed blob", "location", location, "err", err)
		q.telemetry.RecordDeleteJob("error")

		return
	}

	logger.DebugContext(ctx, "deleted consumed blob", "location", location)
	q.telemetry.RecordDeleteJob("success")
}
