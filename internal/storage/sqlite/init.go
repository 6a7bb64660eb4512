package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/italolelis/onetimeshare/internal/storage/sqlrepo"
)

//go:embed migrations/*.sql
var migrations embed.FS

const connParams = "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"

// Dialect is the sqlrepo dialect for SQLite.
var Dialect = sqlrepo.Dialect{
	Name:              "sqlite",
	IsUniqueViolation: isUniqueViolation,
}

// InitDB opens the SQLite database at path and applies pending migrations.
// The pool is limited to one connection: SQLite serialises writers anyway and
// a single connection rules out SQLITE_BUSY between our own statements.
func InitDB(ctx context.Context, path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?" + connParams
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := sqlrepo.Migrate(ctx, db, goose.DialectSQLite3, fsys); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// NewRepository returns a custody repository over db.
func NewRepository(db *sql.DB) *sqlrepo.Repository {
	return sqlrepo.New(db, Dialect)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
