// Package sqlite is the embedded-file backend. It runs on modernc.org/sqlite
// with two pools: writers begin with BEGIN IMMEDIATE, which makes every
// writable transaction exclusive for the whole file, and readers use
// deferred transactions that see the last committed WAL snapshot.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dmitrijs2005/gophstore/internal/backend"
	"github.com/dmitrijs2005/gophstore/internal/backend/sqlbackend"
	"github.com/dmitrijs2005/gophstore/internal/common"
	"github.com/dmitrijs2005/gophstore/internal/filex"
	"github.com/dmitrijs2005/gophstore/internal/dbx"
	"github.com/dmitrijs2005/gophstore/internal/migrations"
	"github.com/dmitrijs2005/gophstore/internal/repositories/items"
	"github.com/dmitrijs2005/gophstore/internal/repositories/metadata"
)

// Dialect is the SQLite flavour of sqlbackend.
var Dialect = sqlbackend.Dialect{
	Name:        "sqlite",
	Items:       func(db dbx.DBTX) items.Repository { return items.NewSQLiteRepository(db) },
	Meta:        func(db dbx.DBTX) metadata.Repository { return metadata.NewSQLiteRepository(db) },
	IsBusy:      IsBusy,
	IsDuplicate: IsDuplicate,
}

// DSN builds a modernc.org/sqlite data source name for path.
func DSN(path string, writer bool, lockTimeout time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout("+strconv.FormatInt(lockTimeout.Milliseconds(), 10)+")")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	if writer {
		q.Set("_txlock", "immediate")
	}
	return "file:" + path + "?" + q.Encode()
}

// Open opens or creates the database file at path and applies migrations.
func Open(ctx context.Context, path string, opts backend.Options) (*sqlbackend.Backend, error) {
	opts = opts.WithDefaults()

	if err := filex.PrepareFile(path, opts.CreateIfMissing); err != nil {
		return nil, err
	}

	writer, err := sql.Open("sqlite", DSN(path, true, opts.LockTimeout))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrProvision, err)
	}
	reader, err := sql.Open("sqlite", DSN(path, false, opts.LockTimeout))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("%w: %w", common.ErrProvision, err)
	}

	if err := migrations.Apply(ctx, writer, goose.DialectSQLite3, opts.CreateIfMissing); err != nil {
		_ = reader.Close()
		_ = writer.Close()
		return nil, err
	}

	opts.Logger.Debug(ctx, "sqlite database opened", "path", path)
	return sqlbackend.New(writer, reader, Dialect, opts), nil
}

func code(err error) (int, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.Code(), true
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, including
// their extended codes.
func IsBusy(err error) bool {
	c, ok := code(err)
	if !ok {
		return false
	}
	primary := c & 0xff
	return primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED
}

// IsDuplicate reports whether err is a unique or primary key violation.
func IsDuplicate(err error) bool {
	c, ok := code(err)
	return ok && (c == sqlite3.SQLITE_CONSTRAINT_UNIQUE || c == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY)
}
