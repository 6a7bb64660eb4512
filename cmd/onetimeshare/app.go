package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/italolelis/onetimeshare/internal/blob"
	"github.com/italolelis/onetimeshare/internal/cleanup"
	"github.com/italolelis/onetimeshare/internal/config"
	"github.com/italolelis/onetimeshare/internal/custody"
	"github.com/italolelis/onetimeshare/internal/logctx"
	"github.com/italolelis/onetimeshare/internal/notifier"
	"github.com/italolelis/onetimeshare/internal/storage"
	"github.com/italolelis/onetimeshare/internal/storage/postgres"
	"github.com/italolelis/onetimeshare/internal/storage/sqlite"
	"github.com/italolelis/onetimeshare/internal/storage/sqlrepo"
	"github.com/italolelis/onetimeshare/internal/telemetry"
	"github.com/italolelis/onetimeshare/internal/token"
)

// app holds every long-lived dependency shared by the commands.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	telemetry   *telemetry.Telemetry
	db          *sql.DB
	records     storage.CustodyRepository
	blobs       blob.Backend
	deletes     *custody.DeleteQueue
	coordinator *custody.Coordinator
	sweeper     *cleanup.Sweeper
}

func newApp(ctx context.Context) (context.Context, *app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return ctx, nil, fmt.Errorf("config error: %w", err)
	}

	instanceID := telemetry.GenerateInstanceID()

	logger := logctx.NewLogger(os.Stdout, cfg.SlogLevel()).With("instance_id", instanceID)
	slog.SetDefault(logger)

	ctx = logctx.WithLogger(ctx, logger)

	a := &app{cfg: cfg, logger: logger}

	// =========================================================================
	// Start Telemetry
	a.telemetry, err = telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		InstanceID:     instanceID,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// =========================================================================
	// Start Database
	db, repo, err := openDatabase(ctx, cfg)
	if err != nil {
		a.close(ctx)
		return ctx, nil, err
	}

	a.db = db
	a.records = sqlrepo.NewInstrumentedRepository(repo, a.telemetry)

	// =========================================================================
	// Start Blob Storage
	backend, err := openBlobStore(ctx, cfg)
	if err != nil {
		a.close(ctx)
		return ctx, nil, err
	}

	a.blobs = blob.NewInstrumentedBackend(backend, cfg.StorageBackend, a.telemetry)

	// =========================================================================
	// Start Custody
	notif := notifier.New(cfg.DiscordWebhookURL)

	a.deletes = custody.NewDeleteQueue(a.blobs, cfg.DeleteQueueSize, cfg.DeleteWorkers, a.telemetry)
	a.coordinator = custody.NewCoordinator(
		a.records,
		a.blobs,
		token.NewManager(),
		a.deletes,
		cfg.RetentionPeriod(),
		custody.WithNotifier(notif),
		custody.WithTelemetry(a.telemetry),
	)

	a.sweeper = cleanup.NewSweeper(a.records, a.blobs,
		cleanup.Config{
			Interval:  cfg.CleanupInterval(),
			Retention: cfg.RetentionPeriod(),
			Grace:     cfg.GracePeriod(),
		},
		cleanup.WithNotifier(notif),
		cleanup.WithTelemetry(a.telemetry),
	)

	return ctx, a, nil
}

// close releases the database and flushes telemetry. It ignores ctx
// cancellation so it can run during shutdown.
func (a *app) close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.ErrorContext(ctx, "failed to close database", "err", err)
		}
	}

	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.ErrorContext(ctx, "failed to shutdown telemetry", "err", err)
	}
}

// openDatabase is an abstract factory for the record store.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, *sqlrepo.Repository, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		db, err := sqlite.InitDB(ctx, cfg.DBDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}

		return db, sqlite.NewRepository(db), nil
	case config.DriverPostgres:
		db, err := postgres.InitDB(ctx, cfg.DBDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}

		return db, postgres.NewRepository(db), nil
	}

	return nil, nil, fmt.Errorf("invalid database driver: %s", cfg.DBDriver)
}

// openBlobStore is an abstract factory for the blob backend.
func openBlobStore(ctx context.Context, cfg *config.Config) (blob.Backend, error) {
	switch cfg.StorageBackend {
	case config.BackendFS:
		b, err := blob.NewFileSystem(cfg.StorageRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage root: %w", err)
		}

		return b, nil
	case config.BackendS3:
		b, err := blob.NewS3(ctx, blob.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}

		return b, nil
	}

	return nil, errors.New("invalid storage backend: " + cfg.StorageBackend)
}
