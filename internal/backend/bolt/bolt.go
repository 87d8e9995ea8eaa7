// Package bolt is the embedded key/value backend on bbolt. bbolt allows one
// writable transaction at a time, so every writable transaction is exclusive
// for the whole file; waiting for it is bounded by the lock timeout.
//
// Layout: the meta bucket holds store metadata; the items bucket holds one
// nested bucket per category mapping entry name to a JSON-encoded record.
//
// A commit that grows the file waits until open bbolt read transactions
// finish. Read-only transactions therefore hold no bbolt transaction between
// calls: each read, and each scan page, runs in its own short View and sees
// the writes committed before it.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dmitrijs2005/gophstore/internal/backend"
	"github.com/dmitrijs2005/gophstore/internal/common"
	"github.com/dmitrijs2005/gophstore/internal/filex"
	"github.com/dmitrijs2005/gophstore/internal/logging"
	"github.com/dmitrijs2005/gophstore/internal/models"
	"github.com/dmitrijs2005/gophstore/internal/tagindex"
)

// Bucket names
var (
	MetaBucket  = []byte("meta")
	ItemsBucket = []byte("items")
)

// record is the stored form of a row. Category and name are the bucket and key.
type record struct {
	ID    int64           `json:"id"`
	Value []byte          `json:"value"`
	Tags  []models.RowTag `json:"tags,omitempty"`
}

// Backend stores rows in a bbolt file.
type Backend struct {
	db          *bolt.DB
	lockTimeout time.Duration
	log         logging.Logger
}

// Open opens or creates the database file at path.
func Open(ctx context.Context, path string, opts backend.Options) (*Backend, error) {
	opts = opts.WithDefaults()

	if err := filex.PrepareFile(path, opts.CreateIfMissing); err != nil {
		return nil, err
	}

	// Timeout bounds waiting for the file lock held by another process.
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: opts.LockTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", common.ErrProvision, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{MetaBucket, ItemsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", common.ErrProvision, err)
	}

	opts.Logger.Debug(ctx, "bolt database opened", "path", path)
	return &Backend{db: db, lockTimeout: opts.LockTimeout, log: opts.Logger.With("backend", "bolt")}, nil
}

// Close closes the database file.
func (b *Backend) Close() error {
	return b.db.Close()
}

// beginWrite waits for the single writer slot. When the wait is abandoned
// the transaction that eventually arrives is rolled back.
func (b *Backend) beginWrite(ctx context.Context) (*bolt.Tx, error) {
	type result struct {
		tx  *bolt.Tx
		err error
	}
	ch := make(chan result, 1)
	go func() {
		tx, err := b.db.Begin(true)
		ch <- result{tx, err}
	}()

	timer := time.NewTimer(b.lockTimeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			if r := <-ch; r.tx != nil {
				_ = r.tx.Rollback()
			}
		}()
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: begin: %w", common.ErrBackend, r.err)
		}
		return r.tx, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("%w: writer lock not acquired in %s", common.ErrBusy, b.lockTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// Begin opens a transaction. It is rolled back when ctx is done before
// Commit.
func (b *Backend) Begin(ctx context.Context, o backend.TxOptions) (backend.Txn, error) {
	if o.ReadOnly && len(o.Exclusive) > 0 {
		return nil, fmt.Errorf("%w: exclusive keys in a read-only transaction", common.ErrValidation)
	}
	var tx *bolt.Tx
	if !o.ReadOnly {
		var err error
		if tx, err = b.beginWrite(ctx); err != nil {
			return nil, err
		}
	}

	t := &txn{b: b, ctx: ctx, tx: tx, readOnly: o.ReadOnly}
	t.stop = context.AfterFunc(ctx, func() {
		if err := t.rollback(); err == nil {
			b.log.Debug(context.Background(), "transaction rolled back on context end")
		}
	})
	// Exclusive keys need nothing more: the writer slot already covers them.
	return t, nil
}

// txn holds no bolt.Tx when read-only.
type txn struct {
	b        *Backend
	ctx      context.Context
	readOnly bool
	stop     func() bool

	mu     sync.Mutex
	tx     *bolt.Tx
	closed bool
}

// read runs fn in the write transaction, or in a fresh View.
func (t *txn) read(fn func(tx *bolt.Tx) error) error {
	if t.tx != nil {
		return fn(t.tx)
	}
	return t.b.db.View(fn)
}

func (t *txn) check(write bool) error {
	if t.closed {
		return common.ErrSessionClosed
	}
	if write && t.readOnly {
		return fmt.Errorf("%w: write in a read-only transaction", common.ErrValidation)
	}
	return nil
}

func (t *txn) Lock(ctx context.Context, keys ...models.EntryKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.check(true)
}

func decode(category string, name, data []byte) (*models.Row, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: corrupt record %s/%s: %w", common.ErrBackend, category, name, err)
	}
	return &models.Row{ID: rec.ID, Category: category, Name: string(name), Value: rec.Value, Tags: rec.Tags}, nil
}

func category(tx *bolt.Tx, name string) *bolt.Bucket {
	return tx.Bucket(ItemsBucket).Bucket([]byte(name))
}

func (t *txn) Upsert(ctx context.Context, row *models.Row, op models.Operation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(true); err != nil {
		return err
	}

	key := []byte(row.Name)
	existing := category(t.tx, row.Category)
	var current []byte
	if existing != nil {
		current = existing.Get(key)
	}

	if op == models.OpRemove {
		if current == nil {
			return fmt.Errorf("%w: %s", common.ErrNotFound, row.Key())
		}
		if err := existing.Delete(key); err != nil {
			return fmt.Errorf("%w: failed to delete %s: %w", common.ErrBackend, row.Key(), err)
		}
		return nil
	}

	switch op {
	case models.OpInsert:
		if current != nil {
			return fmt.Errorf("%w: %s", common.ErrDuplicate, row.Key())
		}
	case models.OpReplace:
	default:
		return fmt.Errorf("%w: unknown operation %s", common.ErrValidation, op)
	}

	items := t.tx.Bucket(ItemsBucket)
	bucket, err := items.CreateBucketIfNotExists([]byte(row.Category))
	if err != nil {
		return fmt.Errorf("%w: failed to create bucket %s: %w", common.ErrBackend, row.Category, err)
	}

	if current != nil {
		prev, err := decode(row.Category, key, current)
		if err != nil {
			return err
		}
		row.ID = prev.ID
	} else {
		seq, err := items.NextSequence()
		if err != nil {
			return fmt.Errorf("%w: %w", common.ErrBackend, err)
		}
		row.ID = int64(seq)
	}

	data, err := json.Marshal(record{ID: row.ID, Value: row.Value, Tags: row.Tags})
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrBackend, err)
	}
	if err := bucket.Put(key, data); err != nil {
		return fmt.Errorf("%w: failed to put %s: %w", common.ErrBackend, row.Key(), err)
	}
	return nil
}

func (t *txn) Get(ctx context.Context, cat, name string) (*models.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(false); err != nil {
		return nil, err
	}
	var row *models.Row
	err := t.read(func(tx *bolt.Tx) error {
		bucket := category(tx, cat)
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(name))
		if data == nil {
			return nil
		}
		var err error
		row, err = decode(cat, []byte(name), data)
		return err
	})
	return row, err
}

func (t *txn) Count(ctx context.Context, cat string, pred tagindex.Predicate) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(false); err != nil {
		return 0, err
	}
	var n int64
	err := t.read(func(tx *bolt.Tx) error {
		bucket := category(tx, cat)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			row, err := decode(cat, k, v)
			if err != nil {
				return err
			}
			if pred.Matches(row.Tags) {
				n++
			}
			return nil
		})
	})
	return n, err
}

func (t *txn) Scan(ctx context.Context, category string, pred tagindex.Predicate, pageSize int) (backend.Cursor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(false); err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = backend.DefaultPageSize
	}
	return &cursor{t: t, category: category, pred: pred, pageSize: pageSize}, nil
}

func (t *txn) Meta(ctx context.Context) (map[string][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(false); err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	err := t.read(func(tx *bolt.Tx) error {
		// the slices are only valid during the transaction
		return tx.Bucket(MetaBucket).ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read metadata: %w", common.ErrBackend, err)
	}
	return out, nil
}

func (t *txn) SetMeta(ctx context.Context, key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(true); err != nil {
		return err
	}
	if err := t.tx.Bucket(MetaBucket).Put([]byte(key), value); err != nil {
		return fmt.Errorf("%w: failed to set metadata[%s]: %w", common.ErrBackend, key, err)
	}
	return nil
}

func (t *txn) Commit(ctx context.Context) error {
	t.stop()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return common.ErrSessionClosed
	}
	t.closed = true
	if err := t.ctx.Err(); err != nil {
		if t.tx != nil {
			_ = t.tx.Rollback()
		}
		return fmt.Errorf("%w: %w", common.ErrSessionClosed, err)
	}
	if t.tx == nil {
		return nil
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", common.ErrBackend, err)
	}
	return nil
}

func (t *txn) Rollback(ctx context.Context) error {
	t.stop()
	return t.rollback()
}

func (t *txn) rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return common.ErrSessionClosed
	}
	t.closed = true
	if t.tx == nil {
		return nil
	}
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("%w: rollback: %w", common.ErrBackend, err)
	}
	return nil
}

// cursor walks a category bucket in key order and resumes after the last
// name it visited. Rows are decoded into fresh memory, so a page outlives
// the View it was read in.
type cursor struct {
	t        *txn
	category string
	pred     tagindex.Predicate
	pageSize int
	last     []byte
	done     bool
}

func (c *cursor) Next(ctx context.Context) ([]*models.Row, bool, error) {
	if c.done {
		return nil, true, nil
	}
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if err := c.t.check(false); err != nil {
		return nil, false, err
	}

	var page []*models.Row
	err := c.t.read(func(tx *bolt.Tx) error {
		bucket := category(tx, c.category)
		if bucket == nil {
			c.done = true
			return nil
		}

		bc := bucket.Cursor()
		var k, v []byte
		if c.last == nil {
			k, v = bc.First()
		} else {
			k, v = bc.Seek(c.last)
			if k != nil && bytes.Equal(k, c.last) {
				k, v = bc.Next()
			}
		}

		for ; k != nil; k, v = bc.Next() {
			if v == nil {
				continue
			}
			row, err := decode(c.category, k, v)
			if err != nil {
				return err
			}
			c.last = append(c.last[:0], k...)
			if !c.pred.Matches(row.Tags) {
				continue
			}
			page = append(page, row)
			if len(page) == c.pageSize {
				break
			}
		}
		c.done = k == nil
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return page, c.done, nil
}
