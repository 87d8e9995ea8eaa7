// Package sqlbackend implements backend.Backend over database/sql. The SQLite
// and PostgreSQL backends supply a Dialect with their lock strategy and
// error classification; everything else is shared.
package sqlbackend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dmitrijs2005/gophstore/internal/backend"
	"github.com/dmitrijs2005/gophstore/internal/common"
	"github.com/dmitrijs2005/gophstore/internal/dbx"
	"github.com/dmitrijs2005/gophstore/internal/logging"
	"github.com/dmitrijs2005/gophstore/internal/models"
	"github.com/dmitrijs2005/gophstore/internal/repositories/items"
	"github.com/dmitrijs2005/gophstore/internal/repositories/metadata"
	"github.com/dmitrijs2005/gophstore/internal/tagindex"
	"go.uber.org/multierr"
)

// Dialect holds the engine-specific parts of a SQL backend.
type Dialect struct {
	Name string

	Items func(db dbx.DBTX) items.Repository
	Meta  func(db dbx.DBTX) metadata.Repository

	// ReadOnlyTx passes sql.TxOptions.ReadOnly to the driver.
	ReadOnlyTx bool

	// Setup runs at the start of every writable transaction.
	Setup func(ctx context.Context, tx *sql.Tx) error

	// Lock makes keys exclusive for the rest of tx. Keys arrive sorted.
	// A nil Lock means writable transactions are already exclusive.
	Lock func(ctx context.Context, tx *sql.Tx, repo items.Repository, keys []models.EntryKey) error

	IsBusy      func(err error) bool
	IsDuplicate func(err error) bool
}

// Backend is a database/sql backend. Reads may use a separate pool.
type Backend struct {
	writer *sql.DB
	reader *sql.DB
	d      Dialect
	opts   backend.Options
	log    logging.Logger
}

// New returns a backend over writer and reader. reader may be nil, in which
// case reads go through writer. The backend owns both pools.
func New(writer, reader *sql.DB, d Dialect, opts backend.Options) *Backend {
	opts = opts.WithDefaults()
	if reader == nil {
		reader = writer
	}
	return &Backend{
		writer: writer,
		reader: reader,
		d:      d,
		opts:   opts,
		log:    opts.Logger.With("backend", d.Name),
	}
}

// Begin opens a transaction bound to ctx: database/sql rolls it back when ctx
// is done before Commit.
func (b *Backend) Begin(ctx context.Context, o backend.TxOptions) (backend.Txn, error) {
	db := b.writer
	var so sql.TxOptions
	if o.ReadOnly {
		db = b.reader
		so.ReadOnly = b.d.ReadOnlyTx
	}

	var tx *sql.Tx
	err := dbx.Retry(ctx, b.opts.MaxConnRetries, func(ctx context.Context) error {
		var err error
		tx, err = db.BeginTx(ctx, &so)
		return err
	})
	if err != nil {
		return nil, b.Classify(fmt.Errorf("begin: %w", err))
	}

	t := &txn{
		b:        b,
		tx:       tx,
		items:    b.d.Items(tx),
		meta:     b.d.Meta(tx),
		readOnly: o.ReadOnly,
	}

	if !o.ReadOnly && b.d.Setup != nil {
		if err := b.d.Setup(ctx, tx); err != nil {
			return nil, multierr.Append(b.Classify(err), t.Rollback(ctx))
		}
	}
	if len(o.Exclusive) > 0 {
		if err := t.Lock(ctx, o.Exclusive...); err != nil {
			return nil, multierr.Append(err, t.Rollback(ctx))
		}
	}
	return t, nil
}

// Close closes both pools.
func (b *Backend) Close() error {
	err := b.writer.Close()
	if b.reader != b.writer {
		err = multierr.Append(err, b.reader.Close())
	}
	return err
}

// Classify maps a driver error onto the common error kinds. Errors that
// already carry a kind and context errors pass through.
func (b *Backend) Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, common.ErrDuplicate), errors.Is(err, common.ErrNotFound),
		errors.Is(err, common.ErrBusy), errors.Is(err, common.ErrBackend),
		errors.Is(err, common.ErrSessionClosed), errors.Is(err, common.ErrValidation):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case b.d.IsBusy != nil && b.d.IsBusy(err):
		return fmt.Errorf("%w: %w", common.ErrBusy, err)
	case b.d.IsDuplicate != nil && b.d.IsDuplicate(err):
		return fmt.Errorf("%w: %w", common.ErrDuplicate, err)
	default:
		return fmt.Errorf("%w: %w", common.ErrBackend, err)
	}
}

type txn struct {
	b        *Backend
	tx       *sql.Tx
	items    items.Repository
	meta     metadata.Repository
	readOnly bool
	closed   atomic.Bool
}

func (t *txn) check(write bool) error {
	if t.closed.Load() {
		return common.ErrSessionClosed
	}
	if write && t.readOnly {
		return fmt.Errorf("%w: write in a read-only transaction", common.ErrValidation)
	}
	return nil
}

func (t *txn) Lock(ctx context.Context, keys ...models.EntryKey) error {
	if err := t.check(true); err != nil {
		return err
	}
	if t.b.d.Lock == nil || len(keys) == 0 {
		return nil
	}
	sorted := backend.SortKeys(keys)
	t.b.log.Debug(ctx, "locking keys", "count", len(sorted))
	return t.b.Classify(t.b.d.Lock(ctx, t.tx, t.items, sorted))
}

func (t *txn) Upsert(ctx context.Context, row *models.Row, op models.Operation) error {
	if err := t.check(true); err != nil {
		return err
	}
	var err error
	switch op {
	case models.OpInsert:
		_, err = t.items.Insert(ctx, row)
	case models.OpReplace:
		_, err = t.items.Replace(ctx, row)
	case models.OpRemove:
		err = t.items.Delete(ctx, row.Category, row.Name)
	default:
		err = fmt.Errorf("%w: unknown operation %s", common.ErrValidation, op)
	}
	return t.b.Classify(err)
}

func (t *txn) Get(ctx context.Context, category, name string) (*models.Row, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	row, err := t.items.Get(ctx, category, name)
	return row, t.b.Classify(err)
}

func (t *txn) Count(ctx context.Context, category string, pred tagindex.Predicate) (int64, error) {
	if err := t.check(false); err != nil {
		return 0, err
	}
	n, err := t.items.Count(ctx, category, pred)
	return n, t.b.Classify(err)
}

func (t *txn) Scan(ctx context.Context, category string, pred tagindex.Predicate, pageSize int) (backend.Cursor, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = backend.DefaultPageSize
	}
	return &cursor{t: t, category: category, pred: pred, pageSize: pageSize}, nil
}

func (t *txn) Meta(ctx context.Context) (map[string][]byte, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	m, err := t.meta.List(ctx)
	return m, t.b.Classify(err)
}

func (t *txn) SetMeta(ctx context.Context, key string, value []byte) error {
	if err := t.check(true); err != nil {
		return err
	}
	return t.b.Classify(t.meta.Set(ctx, key, value))
}

func (t *txn) Commit(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return common.ErrSessionClosed
	}
	return t.b.Classify(t.tx.Commit())
}

// Rollback is a no-op on a transaction database/sql already rolled back
// because its context ended.
func (t *txn) Rollback(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return common.ErrSessionClosed
	}
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return t.b.Classify(err)
}

// cursor pages by id, so rows inserted behind it are not revisited.
type cursor struct {
	t        *txn
	category string
	pred     tagindex.Predicate
	pageSize int
	after    int64
	done     bool
}

func (c *cursor) Next(ctx context.Context) ([]*models.Row, bool, error) {
	if c.done {
		return nil, true, nil
	}
	if err := c.t.check(false); err != nil {
		return nil, false, err
	}
	rows, err := c.t.items.Page(ctx, c.category, c.pred, c.after, c.pageSize)
	if err != nil {
		return nil, false, c.t.b.Classify(err)
	}
	if len(rows) > 0 {
		c.after = rows[len(rows)-1].ID
	}
	c.done = len(rows) < c.pageSize
	return rows, c.done, nil
}
