package sqlrepo

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/onetimeshare/internal/storage"
)

var numbered = Dialect{Name: "postgres", NumberedPlaceholders: true}

func newMock(t *testing.T, dialect Dialect) (*Repository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})

	return New(db, dialect), mock
}

func TestDialect_Rebind(t *testing.T) {
	assert.Equal(t, "SELECT 1 WHERE a = ? AND b = ?", Dialect{}.rebind("SELECT 1 WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", numbered.rebind("SELECT 1 WHERE a = ? AND b = ?"))
}

func TestMarkConsumed_ConditionalUpdate(t *testing.T) {
	repo, mock := newMock(t, numbered)
	at := time.UnixMilli(1_700_000_000_000)

	mock.ExpectExec(`UPDATE custody_records\s+SET token_consumed_at = \$1, deleted_at = \$2, version = \$3\s+WHERE id = \$4 AND token_consumed_at IS NULL AND deleted_at IS NULL AND version = \$5`).
		WithArgs(at.UnixMilli(), at.UnixMilli(), "v2", "rec-1", "v1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkConsumed(context.Background(), "rec-1", "v1", "v2", at))
}

func TestMarkConsumed_NoRowsIsConflict(t *testing.T) {
	repo, mock := newMock(t, Dialect{})

	mock.ExpectExec(`UPDATE custody_records`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkConsumed(context.Background(), "rec-1", "v1", "v2", time.Now())
	assert.ErrorIs(t, err, storage.ErrVersionConflict)
}

func TestMarkExpired_ExecError(t *testing.T) {
	repo, mock := newMock(t, Dialect{})
	dbErr := errors.New("database is locked")

	mock.ExpectExec(`UPDATE custody_records`).WillReturnError(dbErr)

	err := repo.MarkExpired(context.Background(), "rec-1", "v1", "v2", time.Now())
	assert.ErrorIs(t, err, dbErr)
	assert.NotErrorIs(t, err, storage.ErrVersionConflict)
}

func TestGetRecord_NoRows(t *testing.T) {
	repo, mock := newMock(t, Dialect{})

	mock.ExpectQuery(`SELECT .+ FROM custody_records WHERE id = \?`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertRecord_UniqueViolation(t *testing.T) {
	violation := errors.New("duplicate key value violates unique constraint")
	dialect := Dialect{IsUniqueViolation: func(err error) bool { return errors.Is(err, violation) }}
	repo, mock := newMock(t, dialect)

	mock.ExpectExec(`INSERT INTO custody_records`).WillReturnError(violation)

	err := repo.InsertRecord(context.Background(), &storage.CustodyRecord{ID: "rec-1"})
	assert.ErrorIs(t, err, storage.ErrDuplicate)
	assert.ErrorIs(t, err, violation)
}

func TestListExpired_ScanError(t *testing.T) {
	repo, mock := newMock(t, Dialect{})

	mock.ExpectQuery(`SELECT .+ FROM custody_records WHERE deleted_at IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rec-1"))

	_, err := repo.ListExpired(context.Background(), time.Now())
	assert.Error(t, err)
}

func TestPurgeRecord_NotTombstoned(t *testing.T) {
	repo, mock := newMock(t, Dialect{})

	mock.ExpectExec(`DELETE FROM custody_records WHERE id = \? AND deleted_at IS NOT NULL`).
		WithArgs("rec-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.PurgeRecord(context.Background(), "rec-1"), storage.ErrNotFound)
}

func TestInstrumentedRepository_PassesThrough(t *testing.T) {
	repo, mock := newMock(t, Dialect{})
	instrumented := NewInstrumentedRepository(repo, nil)

	mock.ExpectQuery(`SELECT 1 FROM custody_records WHERE storage_location = \?`).
		WithArgs("files/ab/x.bin").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	exists, err := instrumented.LocationExists(context.Background(), "files/ab/x.bin")
	require.NoError(t, err)
	assert.True(t, exists)
}
