package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/onetimeshare/internal/blob"
	"github.com/italolelis/onetimeshare/internal/custody"
	"github.com/italolelis/onetimeshare/internal/http/rest"
	"github.com/italolelis/onetimeshare/internal/logctx"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "onetimeshare",
		Short:         "Share files through links that work exactly once",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server, the delete queue and the retention sweeper",
			Args:  cobra.NoArgs,
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Run a single retention sweep and exit",
			Args:  cobra.NoArgs,
			RunE:  runSweep,
		},
		newIssueCmd(),
	)

	return root
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	logger := logctx.LoggerFromContext(ctx)
	logger.InfoContext(ctx, "onetimeshare starting...",
		"version", version,
		"log_level", a.cfg.LogLevel,
		"db_driver", a.cfg.DBDriver,
		"storage_backend", a.cfg.StorageBackend,
		"retention", a.cfg.RetentionPeriod().String(),
		"upload_enabled", a.cfg.UploadEnabled(),
	)

	g, gctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Delete Queue

	// The queue outlives the server so downloads finishing during shutdown
	// can still hand over their blobs.
	queueCtx, stopQueue := context.WithCancel(context.WithoutCancel(gctx))
	defer stopQueue()

	g.Go(func() error {
		return a.deletes.Run(queueCtx)
	})

	// =========================================================================
	// Start Retention Sweeper
	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(gctx, a)

	go func() {
		logger.InfoContext(ctx, "Initializing API support", "host", a.cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	g.Go(func() error {
		defer stopQueue()

		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case <-gctx.Done():
			logger.InfoContext(ctx, "start shutdown")

			// Give outstanding requests a deadline for completion.
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Web.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.ErrorContext(ctx, "failed to gracefully shutdown the server", "err", err)

				if err = server.Close(); err != nil {
					return fmt.Errorf("could not stop server gracefully: %w", err)
				}
			}

			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.InfoContext(ctx, "shutdown complete")

	return nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, a *app) *http.Server {
	var upload *rest.UploadHandler
	if a.cfg.UploadEnabled() {
		upload = rest.NewUploadHandler(
			a.coordinator,
			a.cfg.Upload.Username,
			a.cfg.Upload.Password,
			a.cfg.MaxUploadBytes,
			a.cfg.AppBaseURL,
		)
	}

	router := rest.NewRouter(rest.RouterConfig{
		Download:  rest.NewDownloadHandler(a.coordinator),
		Health:    rest.NewHealthHandler(a.records, a.coordinator),
		Upload:    upload,
		Telemetry: a.telemetry,
	})

	handler := otelhttp.NewHandler(router, a.cfg.Telemetry.ServiceName,
		otelhttp.WithTracerProvider(a.telemetry.TracerProvider()),
	)

	return &http.Server{
		Addr:         a.cfg.Web.BindAddress,
		ReadTimeout:  a.cfg.Web.ReadTimeout,
		WriteTimeout: a.cfg.Web.WriteTimeout,
		IdleTimeout:  a.cfg.Web.IdleTimeout,
		Handler:      handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx, a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close(ctx)

	res := a.sweeper.RunOnce(ctx)

	a.logger.InfoContext(ctx, "sweep finished",
		"expired", res.Expired,
		"reaped", res.Reaped,
		"purged", res.Purged,
		"strays", res.Strays,
		"errors", res.Errors,
		"duration", res.Duration.String(),
	)

	if res.Errors > 0 {
		return fmt.Errorf("sweep finished with %d errors", res.Errors)
	}

	return nil
}

func newIssueCmd() *cobra.Command {
	var (
		owner       string
		name        string
		contentType string
	)

	cmd := &cobra.Command{
		Use:   "issue FILE",
		Short: "Store FILE and print its single-use download link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(ctx)

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()

			if name == "" {
				name = filepath.Base(args[0])
			}

			req := custody.IssueRequest{OwnerID: owner, Name: name, ContentType: contentType, Body: f}
			if req.ContentType == "" {
				req.ContentType, req.Body = blob.SniffContentType(f)
			}

			rec, tok, err := a.coordinator.Issue(ctx, req)
			if err != nil {
				return fmt.Errorf("failed to issue share: %w", err)
			}

			link := rest.DownloadURL(a.cfg.AppBaseURL, rec.ID, tok)

			a.logger.InfoContext(ctx, "share issued", "record_id", rec.ID, "expires_at", rec.ExpiresAt)
			fmt.Fprintln(cmd.OutOrStdout(), link)

			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner identity recorded with the share (required)")
	cmd.Flags().StringVar(&name, "name", "", "file name presented to the recipient (defaults to the base name of FILE)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "media type of FILE (detected when empty)")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}
