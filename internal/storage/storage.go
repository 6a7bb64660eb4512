// Package storage defines custody records and the repository contract that
// the SQL implementations satisfy.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means no record exists for the id (never inserted or already purged).
	ErrNotFound = errors.New("custody record not found")
	// ErrVersionConflict means a conditional update matched no row: the record
	// changed since it was read, or is no longer in the required state.
	ErrVersionConflict = errors.New("custody record version conflict")
	// ErrDuplicate means an insert collided on a unique column.
	ErrDuplicate = errors.New("custody record already exists")
)

// State is derived from the record's timestamps.
type State string

const (
	StateActive   State = "active"
	StateConsumed State = "consumed"
	StateExpired  State = "expired"
)

// CustodyRecord tracks one uploaded file and its single-use token. Only the
// salted hash of the token is stored.
type CustodyRecord struct {
	ID              string
	OwnerID         string
	OriginalName    string
	ContentType     string
	SizeBytes       int64
	StorageLocation string
	UploadedAt      time.Time
	ExpiresAt       *time.Time
	TokenHash       string
	TokenSalt       string
	TokenIssuedAt   time.Time
	TokenConsumedAt *time.Time
	DeletedAt       *time.Time
	Version         string
}

// IsExpired reports whether the retention deadline lies before now.
func (r *CustodyRecord) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// IsTombstoned reports whether the record has left the active state.
func (r *CustodyRecord) IsTombstoned() bool {
	return r.DeletedAt != nil
}

func (r *CustodyRecord) State(now time.Time) State {
	switch {
	case r.TokenConsumedAt != nil:
		return StateConsumed
	case r.DeletedAt != nil, r.IsExpired(now):
		return StateExpired
	default:
		return StateActive
	}
}

// Stats summarises the record table.
type Stats struct {
	Total int64 `json:"total"`
	// Active records are live and downloadable.
	Active int64 `json:"active"`
	// Overdue records are past expiry but not yet swept.
	Overdue  int64 `json:"overdue"`
	Consumed int64 `json:"consumed"`
	// Expired records were tombstoned by the sweeper without being downloaded.
	Expired     int64 `json:"expired"`
	ActiveBytes int64 `json:"active_bytes"`
}

type CustodyReadRepository interface {
	// GetRecord returns tombstoned records too; only purged records are ErrNotFound.
	GetRecord(ctx context.Context, id string) (*CustodyRecord, error)
	ListExpired(ctx context.Context, now time.Time) ([]CustodyRecord, error)
	ListTombstoned(ctx context.Context) ([]CustodyRecord, error)
	ListPurgeable(ctx context.Context, cutoff time.Time) ([]CustodyRecord, error)
	LocationExists(ctx context.Context, location string) (bool, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
	Ping(ctx context.Context) error
}

type CustodyWriteRepository interface {
	InsertRecord(ctx context.Context, rec *CustodyRecord) error
	// MarkConsumed sets token_consumed_at and deleted_at if the record is still
	// live at version. It returns ErrVersionConflict otherwise.
	MarkConsumed(ctx context.Context, id, version, newVersion string, at time.Time) error
	// MarkExpired tombstones a live record at version without consuming it.
	MarkExpired(ctx context.Context, id, version, newVersion string, at time.Time) error
	// PurgeRecord hard-deletes a tombstoned record.
	PurgeRecord(ctx context.Context, id string) error
}

type CustodyRepository interface {
	CustodyReadRepository
	CustodyWriteRepository
}
