// Package sqlrepo implements storage.CustodyRepository on database/sql for
// every supported dialect.
package sqlrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/onetimeshare/internal/storage"
)

const recordColumns = `id, owner_id, original_name, content_type, size_bytes, storage_location,
	uploaded_at, expires_at, token_hash, token_salt, token_issued_at, token_consumed_at,
	deleted_at, version`

// Repository stores custody records. Timestamps are persisted as Unix
// milliseconds so ordering comparisons behave the same on every engine.
type Repository struct {
	db      *sql.DB
	dialect Dialect
}

func New(db *sql.DB, dialect Dialect) *Repository {
	return &Repository{db: db, dialect: dialect}
}

func (r *Repository) InsertRecord(ctx context.Context, rec *storage.CustodyRecord) error {
	_, err := r.db.ExecContext(ctx, r.dialect.rebind(`INSERT INTO custody_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.OwnerID, rec.OriginalName, rec.ContentType, rec.SizeBytes, rec.StorageLocation,
		toMillis(rec.UploadedAt), toNullMillis(rec.ExpiresAt), rec.TokenHash, rec.TokenSalt,
		toMillis(rec.TokenIssuedAt), toNullMillis(rec.TokenConsumedAt), toNullMillis(rec.DeletedAt),
		rec.Version,
	)
	if err != nil {
		if r.dialect.IsUniqueViolation != nil && r.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("insert record %s: %w: %w", rec.ID, storage.ErrDuplicate, err)
		}
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}

	return nil
}

func (r *Repository) GetRecord(ctx context.Context, id string) (*storage.CustodyRecord, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.rebind(`SELECT `+recordColumns+` FROM custody_records WHERE id = ?`), id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}

	return rec, nil
}

// MarkConsumed is the single arbiter of which download wins.
func (r *Repository) MarkConsumed(ctx context.Context, id, version, newVersion string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.dialect.rebind(`UPDATE custody_records
		SET token_consumed_at = ?, deleted_at = ?, version = ?
		WHERE id = ? AND token_consumed_at IS NULL AND deleted_at IS NULL AND version = ?`),
		toMillis(at), toMillis(at), newVersion, id, version,
	)
	if err != nil {
		return fmt.Errorf("mark record %s consumed: %w", id, err)
	}

	return expectOneRow(res, id)
}

func (r *Repository) MarkExpired(ctx context.Context, id, version, newVersion string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.dialect.rebind(`UPDATE custody_records
		SET deleted_at = ?, version = ?
		WHERE id = ? AND token_consumed_at IS NULL AND deleted_at IS NULL AND version = ?`),
		toMillis(at), newVersion, id, version,
	)
	if err != nil {
		return fmt.Errorf("mark record %s expired: %w", id, err)
	}

	return expectOneRow(res, id)
}

func (r *Repository) PurgeRecord(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.dialect.rebind(
		`DELETE FROM custody_records WHERE id = ? AND deleted_at IS NOT NULL`), id)
	if err != nil {
		return fmt.Errorf("purge record %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("purge record %s: %w", id, err)
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *Repository) ListExpired(ctx context.Context, now time.Time) ([]storage.CustodyRecord, error) {
	return r.list(ctx, `WHERE deleted_at IS NULL AND token_consumed_at IS NULL
		AND expires_at IS NOT NULL AND expires_at < ? ORDER BY expires_at`, toMillis(now))
}

func (r *Repository) ListTombstoned(ctx context.Context) ([]storage.CustodyRecord, error) {
	return r.list(ctx, `WHERE deleted_at IS NOT NULL ORDER BY deleted_at`)
}

func (r *Repository) ListPurgeable(ctx context.Context, cutoff time.Time) ([]storage.CustodyRecord, error) {
	return r.list(ctx, `WHERE deleted_at IS NOT NULL AND deleted_at < ? ORDER BY deleted_at`, toMillis(cutoff))
}

// list drains the rows before returning so callers can issue writes on a
// single-connection pool while iterating.
func (r *Repository) list(ctx context.Context, where string, args ...any) ([]storage.CustodyRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(`SELECT `+recordColumns+` FROM custody_records `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []storage.CustodyRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}

		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	return records, nil
}

func (r *Repository) LocationExists(ctx context.Context, location string) (bool, error) {
	var one int

	err := r.db.QueryRowContext(ctx, r.dialect.rebind(
		`SELECT 1 FROM custody_records WHERE storage_location = ? LIMIT 1`), location).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup location: %w", err)
	}

	return true, nil
}

func (r *Repository) Stats(ctx context.Context, now time.Time) (storage.Stats, error) {
	var s storage.Stats

	nowMillis := toMillis(now)

	err := r.db.QueryRowContext(ctx, r.dialect.rebind(`SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN deleted_at IS NULL AND (expires_at IS NULL OR expires_at >= ?) THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN deleted_at IS NULL AND expires_at < ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN token_consumed_at IS NOT NULL THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN deleted_at IS NOT NULL AND token_consumed_at IS NULL THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN deleted_at IS NULL AND (expires_at IS NULL OR expires_at >= ?) THEN size_bytes ELSE 0 END), 0)
		FROM custody_records`), nowMillis, nowMillis, nowMillis,
	).Scan(&s.Total, &s.Active, &s.Overdue, &s.Consumed, &s.Expired, &s.ActiveBytes)
	if err != nil {
		return storage.Stats{}, fmt.Errorf("record stats: %w", err)
	}

	return s, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*storage.CustodyRecord, error) {
	var (
		rec                              storage.CustodyRecord
		uploadedAt, issuedAt             int64
		expiresAt, consumedAt, deletedAt sql.NullInt64
	)

	err := s.Scan(
		&rec.ID, &rec.OwnerID, &rec.OriginalName, &rec.ContentType, &rec.SizeBytes, &rec.StorageLocation,
		&uploadedAt, &expiresAt, &rec.TokenHash, &rec.TokenSalt, &issuedAt, &consumedAt,
		&deletedAt, &rec.Version,
	)
	if err != nil {
		return nil, err
	}

	rec.UploadedAt = time.UnixMilli(uploadedAt).UTC()
	rec.TokenIssuedAt = time.UnixMilli(issuedAt).UTC()
	rec.ExpiresAt = fromNullMillis(expiresAt)
	rec.TokenConsumedAt = fromNullMillis(consumedAt)
	rec.DeletedAt = fromNullMillis(deletedAt)

	return &rec, nil
}

func expectOneRow(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record %s: %w", id, err)
	}

	if affected == 0 {
		return storage.ErrVersionConflict
	}

	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
