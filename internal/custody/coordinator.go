// Package custody issues single-use download links and arbitrates their
// consumption. The conditional update in the record store decides which
// request wins; nothing in this package holds a lock across requests.
package custody

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/italolelis/onetimeshare/internal/blob"
	"github.com/italolelis/onetimeshare/internal/logctx"
	"github.com/italolelis/onetimeshare/internal/notifier"
	"github.com/italolelis/onetimeshare/internal/storage"
	"github.com/italolelis/onetimeshare/internal/telemetry"
	"github.com/italolelis/onetimeshare/internal/token"
)

const defaultContentType = "application/octet-stream"

// TokenManager generates and verifies download tokens.
type TokenManager interface {
	Generate() (token.Token, error)
	Verify(candidate, hash, salt string) bool
}

// IssueRequest describes an upload from an authenticated owner.
type IssueRequest struct {
	OwnerID     string
	Name        string
	ContentType string
	Body        io.Reader
}

type Coordinator struct {
	records   storage.CustodyRepository
	blobs     blob.Backend
	tokens    TokenManager
	deletes   *DeleteQueue
	retention time.Duration
	now       func() time.Time
	notifier  notifier.Notifier
	telemetry *telemetry.Telemetry
}

type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithNotifier(n notifier.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *Coordinator) { c.telemetry = t }
}

func NewCoordinator(
	records storage.CustodyRepository,
	blobs blob.Backend,
	tokens TokenManager,
	deletes *DeleteQueue,
	retention time.Duration,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		records:   records,
		blobs:     blobs,
		tokens:    tokens,
		deletes:   deletes,
		retention: retention,
		now:       time.Now,
		notifier:  notifier.Noop{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Issue stores req.Body and creates a custody record for it. It returns the
// record and the plaintext token, which is never persisted. If the record
// cannot be written the blob is removed, even when ctx is cancelled.
func (c *Coordinator) Issue(ctx context.Context, req IssueRequest) (*storage.CustodyRecord, string, error) {
	name, err := validateIssue(req)
	if err != nil {
		c.telemetry.RecordIssue("invalid", 0)
		return nil, "", err
	}

	logger := logctx.LoggerFromContext(ctx).With("owner_id", req.OwnerID)

	tok, err := c.tokens.Generate()
	if err != nil {
		c.telemetry.RecordIssue("error", 0)
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}

	location, size, err := c.blobs.Save(ctx, req.Body, path.Ext(name))
	if err != nil {
		c.telemetry.RecordIssue("error", 0)
		return nil, "", fmt.Errorf("failed to store upload: %w", err)
	}

	now := c.now().UTC()
	expiresAt := now.Add(c.retention)

	contentType := req.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	rec := &storage.CustodyRecord{
		ID:              uuid.NewString(),
		OwnerID:         req.OwnerID,
		OriginalName:    name,
		ContentType:     contentType,
		SizeBytes:       size,
		StorageLocation: location,
		UploadedAt:      now,
		ExpiresAt:       &expiresAt,
		TokenHash:       tok.Hash,
		TokenSalt:       tok.Salt,
		TokenIssuedAt:   now,
		Version:         uuid.NewString(),
	}

	if err := c.records.InsertRecord(ctx, rec); err != nil {
		cleanupCtx := context.WithoutCancel(ctx)

		if c.committedDespite(cleanupCtx, err, rec.ID) {
			logger.WarnContext(cleanupCtx, "record insert reported cancellation after commit, keeping blob",
				"record_id", rec.ID, "err", err)
			c.telemetry.RecordIssue("error", 0)

			return nil, "", fmt.Errorf("failed to save custody record: %w", err)
		}

		if delErr := c.blobs.Delete(cleanupCtx, location); delErr != nil {
			logger.ErrorContext(cleanupCtx, "failed to remove blob after record insert failed",
				"location", location, "err", delErr)
		}

		c.telemetry.RecordIssue("error", 0)

		return nil, "", fmt.Errorf("failed to save custody record: %w", err)
	}

	logger.InfoContext(ctx, "issued share",
		"record_id", rec.ID,
		"size_bytes", size,
		"expires_at", expiresAt,
	)
	c.telemetry.RecordIssue("success", size)

	return rec, tok.Plaintext, nil
}

// committedDespite reports whether a cancelled insert reached the store anyway.
func (c *Coordinator) committedDespite(ctx context.Context, err error, id string) bool {
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	_, getErr := c.records.GetRecord(ctx, id)

	return getErr == nil
}

func validateIssue(req IssueRequest) (string, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return "", ErrMissingOwner
	}

	if req.Body == nil {
		return "", ErrMissingBody
	}

	name := strings.TrimSpace(path.Base(strings.ReplaceAll(req.Name, `\`, "/")))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", ErrInvalidName
	}

	return name, nil
}

// Consume redeems a token. Exactly one caller per record ever gets
// OutcomeSuccess. A forged id and a forged token both yield OutcomeNotFound.
func (c *Coordinator) Consume(ctx context.Context, id, candidate string) (*Outcome, error) {
	outcome, err := c.consume(ctx, id, candidate)
	if err != nil {
		c.telemetry.RecordConsume("error")
		return nil, err
	}

	c.telemetry.RecordConsume(outcome.Kind.String())

	return outcome, nil
}

func (c *Coordinator) consume(ctx context.Context, id, candidate string) (*Outcome, error) {
	if candidate == "" {
		return &Outcome{Kind: OutcomeNotFound}, nil
	}

	if _, err := uuid.Parse(id); err != nil {
		return &Outcome{Kind: OutcomeNotFound}, nil
	}

	logger := logctx.LoggerFromContext(ctx).With("record_id", id)

	rec, err := c.records.GetRecord(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return &Outcome{Kind: OutcomeNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load custody record: %w", err)
	}

	now := c.now().UTC()

	switch {
	case rec.IsExpired(now):
		return &Outcome{Kind: OutcomeExpired}, nil
	case rec.TokenConsumedAt != nil:
		return &Outcome{Kind: OutcomeAlreadyUsed}, nil
	case rec.DeletedAt != nil:
		return &Outcome{Kind: OutcomeExpired}, nil
	}

	if !c.tokens.Verify(candidate, rec.TokenHash, rec.TokenSalt) {
		logger.WarnContext(ctx, "token verification failed")
		return &Outcome{Kind: OutcomeNotFound}, nil
	}

	err = c.records.MarkConsumed(ctx, rec.ID, rec.Version, uuid.NewString(), now)
	if errors.Is(err, storage.ErrVersionConflict) {
		logger.InfoContext(ctx, "lost consume race")
		return &Outcome{Kind: OutcomeAlreadyUsed}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark record consumed: %w", err)
	}

	// The record is consumed from here on; a client that hangs up must not
	// leave us without the stream, so the open ignores cancellation.
	openCtx := context.WithoutCancel(ctx)

	body, err := c.blobs.Open(openCtx, rec.StorageLocation)
	if errors.Is(err, blob.ErrNotFound) {
		c.reportIntegrity(openCtx, &IntegrityError{RecordID: rec.ID, Location: rec.StorageLocation, Err: err})
		return &Outcome{Kind: OutcomeNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open consumed blob: %w", err)
	}

	logger.InfoContext(ctx, "share consumed", "size_bytes", rec.SizeBytes)

	location := rec.StorageLocation
	releaseCtx := logctx.WithLogger(openCtx, logger)

	return &Outcome{
		Kind: OutcomeSuccess,
		Download: &Download{
			Body: &releasingBody{
				ReadCloser: body,
				release:    func() { c.deletes.Submit(releaseCtx, location) },
			},
			Name:        rec.OriginalName,
			ContentType: rec.ContentType,
			Size:        rec.SizeBytes,
		},
	}, nil
}

func (c *Coordinator) reportIntegrity(ctx context.Context, ierr *IntegrityError) {
	logctx.LoggerFromContext(ctx).ErrorContext(ctx, "custody integrity anomaly",
		"record_id", ierr.RecordID,
		"location", ierr.Location,
		"err", ierr,
	)
	c.telemetry.RecordIntegrityFailure()

	if err := c.notifier.Notify(ctx, ierr.Error()); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to send integrity notification", "err", err)
	}
}

// Stats summarises the record store as of now.
func (c *Coordinator) Stats(ctx context.Context) (storage.Stats, error) {
	return c.records.Stats(ctx, c.now().UTC())
}
