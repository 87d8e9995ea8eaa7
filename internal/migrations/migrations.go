// Package migrations embeds the goose migrations of the SQL backends and
// applies them with a goose provider, so several stores in one process never
// share goose global state.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/dmitrijs2005/gophstore/internal/common"
)

//go:embed sqlite/*.sql postgres/*.sql
var files embed.FS

// FS returns the migration directory of dialect.
func FS(dialect goose.Dialect) (fs.FS, error) {
	switch dialect {
	case goose.DialectSQLite3:
		return fs.Sub(files, "sqlite")
	case goose.DialectPostgres:
		return fs.Sub(files, "postgres")
	default:
		return nil, fmt.Errorf("no migrations for dialect %q", dialect)
	}
}

// gooseUp is a seam for testing the provider call.
var gooseUp = func(ctx context.Context, p *goose.Provider) error {
	_, err := p.Up(ctx)
	return err
}

// Up applies all pending migrations of dialect to db.
func Up(ctx context.Context, db *sql.DB, dialect goose.Dialect) error {
	fsys, err := FS(dialect)
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if err := gooseUp(ctx, p); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

var initializedQuery = map[goose.Dialect]string{
	goose.DialectSQLite3:  `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'metadata'`,
	goose.DialectPostgres: `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = 'metadata'`,
}

// Initialized reports whether db already holds a store schema.
func Initialized(ctx context.Context, db *sql.DB, dialect goose.Dialect) (bool, error) {
	q, ok := initializedQuery[dialect]
	if !ok {
		return false, fmt.Errorf("no migrations for dialect %q", dialect)
	}
	var n int
	if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return false, fmt.Errorf("schema check: %w", err)
	}
	return n > 0, nil
}

// Apply migrates db. When create is false an empty database is left
// untouched and common.ErrProvision is returned. Every error wraps
// common.ErrProvision.
func Apply(ctx context.Context, db *sql.DB, dialect goose.Dialect, create bool) error {
	if !create {
		ok, err := Initialized(ctx, db, dialect)
		if err != nil {
			return fmt.Errorf("%w: %w", common.ErrProvision, err)
		}
		if !ok {
			return fmt.Errorf("%w: store is not initialized", common.ErrProvision)
		}
	}
	if err := Up(ctx, db, dialect); err != nil {
		return fmt.Errorf("%w: %w", common.ErrProvision, err)
	}
	return nil
}
