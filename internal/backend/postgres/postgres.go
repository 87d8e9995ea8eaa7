// Package postgres is the client/server backend. It uses the pgx stdlib
// driver. Keys are made exclusive with transaction-scoped advisory locks,
// which also cover keys that have no row yet, followed by SELECT ... FOR
// UPDATE on the row when it exists. Lock waits are bounded by lock_timeout.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dmitrijs2005/gophstore/internal/backend"
	"github.com/dmitrijs2005/gophstore/internal/backend/sqlbackend"
	"github.com/dmitrijs2005/gophstore/internal/common"
	"github.com/dmitrijs2005/gophstore/internal/dbx"
	"github.com/dmitrijs2005/gophstore/internal/migrations"
	"github.com/dmitrijs2005/gophstore/internal/models"
	"github.com/dmitrijs2005/gophstore/internal/repositories/items"
	"github.com/dmitrijs2005/gophstore/internal/repositories/metadata"
)

// SQLSTATE codes treated as contention.
const (
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// NewDialect returns the PostgreSQL flavour of sqlbackend with lock waits
// bounded by lockTimeout.
func NewDialect(lockTimeout time.Duration) sqlbackend.Dialect {
	return sqlbackend.Dialect{
		Name:       "postgres",
		Items:      func(db dbx.DBTX) items.Repository { return items.NewPostgresRepository(db) },
		Meta:       func(db dbx.DBTX) metadata.Repository { return metadata.NewPostgresRepository(db) },
		ReadOnlyTx: true,
		Setup: func(ctx context.Context, tx *sql.Tx) error {
			// SET does not take bind parameters.
			_, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockTimeout.Milliseconds()))
			return err
		},
		Lock:        lockKeys,
		IsBusy:      IsBusy,
		IsDuplicate: IsDuplicate,
	}
}

// LockID maps a key onto the 64-bit advisory lock space.
func LockID(k models.EntryKey) int64 {
	return int64(xxhash.Sum64String(k.Category + "\x00" + k.Name))
}

func lockKeys(ctx context.Context, tx *sql.Tx, repo items.Repository, keys []models.EntryKey) error {
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, LockID(k)); err != nil {
			return fmt.Errorf("advisory lock %s: %w", k, err)
		}
		if _, err := repo.LockRow(ctx, k.Category, k.Name); err != nil {
			return err
		}
	}
	return nil
}

// New wraps an already opened pool. Migrations are not applied.
func New(db *sql.DB, opts backend.Options) *sqlbackend.Backend {
	opts = opts.WithDefaults()
	return sqlbackend.New(db, nil, NewDialect(opts.LockTimeout), opts)
}

// Open connects to dsn, waits for the server to answer and applies
// migrations. Without CreateIfMissing a database lacking the store schema
// is rejected before anything is created.
func Open(ctx context.Context, dsn string, opts backend.Options) (*sqlbackend.Backend, error) {
	opts = opts.WithDefaults()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrProvision, err)
	}

	err = dbx.Retry(ctx, opts.MaxConnRetries, func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %w", common.ErrProvision, err)
	}

	if err := migrations.Apply(ctx, db, goose.DialectPostgres, opts.CreateIfMissing); err != nil {
		_ = db.Close()
		return nil, err
	}

	opts.Logger.Debug(ctx, "postgres database opened")
	return New(db, opts), nil
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsBusy reports lock timeouts, serialization failures and deadlocks.
func IsBusy(err error) bool {
	switch sqlState(err) {
	case codeLockNotAvailable, codeSerializationFailure, codeDeadlockDetected:
		return true
	}
	return false
}

// IsDuplicate reports unique violations.
func IsDuplicate(err error) bool {
	return sqlState(err) == codeUniqueViolation
}
