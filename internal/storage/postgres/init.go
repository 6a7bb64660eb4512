package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pressly/goose/v3"

	"github.com/italolelis/onetimeshare/internal/storage/sqlrepo"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// Dialect is the sqlrepo dialect for PostgreSQL.
var Dialect = sqlrepo.Dialect{
	Name:                 "postgres",
	NumberedPlaceholders: true,
	IsUniqueViolation:    isUniqueViolation,
}

// InitDB connects to dsn and applies pending migrations.
func InitDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres database: %w", err)
	}

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := sqlrepo.Migrate(ctx, db, goose.DialectPostgres, fsys); err != nil {
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
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
