package sqlrepo

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/pressly/goose/v3"

	"github.com/italolelis/onetimeshare/internal/logctx"
)

// Dialect captures what differs between the supported SQL engines.
type Dialect struct {
	Name string
	// NumberedPlaceholders rewrites ? to $1, $2, ... before execution.
	NumberedPlaceholders bool
	IsUniqueViolation    func(error) bool
}

func (d Dialect) rebind(query string) string {
	if !d.NumberedPlaceholders {
		return query
	}

	var (
		b strings.Builder
		n int
	)

	b.Grow(len(query) + 8)

	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}

// Migrate applies every pending goose migration found at the root of fsys.
func Migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, fsys fs.FS) error {
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	logger := logctx.LoggerFromContext(ctx)
	for _, res := range results {
		logger.InfoContext(ctx, "applied migration",
			"version", res.Source.Version,
			"duration", res.Duration,
		)
	}

	return nil
}
