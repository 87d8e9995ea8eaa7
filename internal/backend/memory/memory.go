// Package memory is the ephemeral backend behind memory:// and
// sqlite://:memory: URIs. Committed rows live in a map guarded by a RWMutex.
// A transaction buffers its writes and publishes them at commit; every key it
// locks or writes is held through a per-key semaphore until it finishes, so
// writers to the same key are serialized and readers only see committed
// data. A key's semaphore exists only while some transaction holds or waits
// for it.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dmitrijs2005/gophstore/internal/backend"
	"github.com/dmitrijs2005/gophstore/internal/common"
	"github.com/dmitrijs2005/gophstore/internal/logging"
	"github.com/dmitrijs2005/gophstore/internal/models"
	"github.com/dmitrijs2005/gophstore/internal/tagindex"
)

// Backend is an in-process backend. The zero value is not usable; call New.
type Backend struct {
	mu   sync.RWMutex
	rows map[models.EntryKey]*models.Row
	meta map[string][]byte

	locksMu sync.Mutex
	locks   map[models.EntryKey]*keyLock

	nextID      atomic.Int64
	closed      atomic.Bool
	lockTimeout time.Duration
	log         logging.Logger
}

// New returns an empty backend.
func New(opts backend.Options) *Backend {
	opts = opts.WithDefaults()
	return &Backend{
		rows:        make(map[models.EntryKey]*models.Row),
		meta:        make(map[string][]byte),
		locks:       make(map[models.EntryKey]*keyLock),
		lockTimeout: opts.LockTimeout,
		log:         opts.Logger.With("backend", "memory"),
	}
}

// Begin opens a transaction. It is rolled back when ctx is done before
// Commit.
func (b *Backend) Begin(ctx context.Context, o backend.TxOptions) (backend.Txn, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("%w: memory backend closed", common.ErrBackend)
	}
	t := &txn{
		b:        b,
		ctx:      ctx,
		readOnly: o.ReadOnly,
		held:     make(map[models.EntryKey]*keyLock),
		writes:   make(map[models.EntryKey]*pending),
		meta:     make(map[string][]byte),
	}
	t.stop = context.AfterFunc(ctx, func() {
		if t.rollback() {
			b.log.Debug(context.Background(), "transaction rolled back on context end")
		}
	})
	if len(o.Exclusive) > 0 {
		if err := t.Lock(ctx, o.Exclusive...); err != nil {
			_ = t.Rollback(ctx)
			return nil, err
		}
	}
	return t, nil
}

// Close drops all data. Open transactions fail on commit.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	b.rows = make(map[models.EntryKey]*models.Row)
	b.meta = make(map[string][]byte)
	b.mu.Unlock()
	return nil
}

// keyLock is the semaphore of one key and the number of transactions
// holding or waiting for it.
type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

func (b *Backend) ref(k models.EntryKey) *keyLock {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	l, ok := b.locks[k]
	if !ok {
		l = &keyLock{sem: semaphore.NewWeighted(1)}
		b.locks[k] = l
	}
	l.refs++
	return l
}

func (b *Backend) unref(k models.EntryKey, l *keyLock) {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	if l.refs--; l.refs == 0 {
		delete(b.locks, k)
	}
}

func cloneRow(r *models.Row) *models.Row {
	if r == nil {
		return nil
	}
	c := *r
	c.Value = append([]byte(nil), r.Value...)
	if r.Tags != nil {
		c.Tags = make([]models.RowTag, len(r.Tags))
		for i, t := range r.Tags {
			c.Tags[i] = models.RowTag{
				Name:      append([]byte(nil), t.Name...),
				Value:     append([]byte(nil), t.Value...),
				Plaintext: t.Plaintext,
			}
		}
	}
	return &c
}

type pending struct {
	row     *models.Row
	deleted bool
}

type txn struct {
	b        *Backend
	ctx      context.Context
	readOnly bool
	stop     func() bool

	mu     sync.Mutex
	closed bool
	held   map[models.EntryKey]*keyLock
	writes map[models.EntryKey]*pending
	meta   map[string][]byte
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

// acquire takes the semaphore of k unless this transaction already holds it.
// t.mu must not be held.
func (t *txn) acquire(ctx context.Context, k models.EntryKey) error {
	t.mu.Lock()
	if err := t.check(true); err != nil {
		t.mu.Unlock()
		return err
	}
	_, ok := t.held[k]
	t.mu.Unlock()
	if ok {
		return nil
	}

	l := t.b.ref(k)
	wctx, cancel := context.WithTimeout(ctx, t.b.lockTimeout)
	defer cancel()
	if err := l.sem.Acquire(wctx, 1); err != nil {
		t.b.unref(k, l)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: key %s locked for %s", common.ErrBusy, k, t.b.lockTimeout)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		l.sem.Release(1)
		t.b.unref(k, l)
		return common.ErrSessionClosed
	}
	t.held[k] = l
	return nil
}

func (t *txn) Lock(ctx context.Context, keys ...models.EntryKey) error {
	for _, k := range backend.SortKeys(keys) {
		if err := t.acquire(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// lookup returns the row visible to t under k. t.mu must be held.
func (t *txn) lookup(k models.EntryKey) *models.Row {
	if p, ok := t.writes[k]; ok {
		if p.deleted {
			return nil
		}
		return p.row
	}
	t.b.mu.RLock()
	defer t.b.mu.RUnlock()
	return t.b.rows[k]
}

func (t *txn) Upsert(ctx context.Context, row *models.Row, op models.Operation) error {
	k := row.Key()
	if err := t.acquire(ctx, k); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(true); err != nil {
		return err
	}

	existing := t.lookup(k)
	switch op {
	case models.OpInsert:
		if existing != nil {
			return fmt.Errorf("%w: %s", common.ErrDuplicate, k)
		}
		row.ID = t.b.nextID.Add(1)
	case models.OpReplace:
		if existing != nil {
			row.ID = existing.ID
		} else {
			row.ID = t.b.nextID.Add(1)
		}
	case models.OpRemove:
		if existing == nil {
			return fmt.Errorf("%w: %s", common.ErrNotFound, k)
		}
		t.writes[k] = &pending{deleted: true}
		return nil
	default:
		return fmt.Errorf("%w: unknown operation %s", common.ErrValidation, op)
	}
	t.writes[k] = &pending{row: cloneRow(row)}
	return nil
}

func (t *txn) Get(ctx context.Context, category, name string) (*models.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(false); err != nil {
		return nil, err
	}
	return cloneRow(t.lookup(models.EntryKey{Category: category, Name: name})), nil
}

// view returns the rows of category visible to t that match pred, in id
// order. t.mu must be held.
func (t *txn) view(category string, pred tagindex.Predicate) []*models.Row {
	var out []*models.Row
	t.b.mu.RLock()
	for k, r := range t.b.rows {
		if k.Category != category {
			continue
		}
		if _, ok := t.writes[k]; ok {
			continue
		}
		if pred.Matches(r.Tags) {
			out = append(out, cloneRow(r))
		}
	}
	t.b.mu.RUnlock()

	for k, p := range t.writes {
		if k.Category != category || p.deleted {
			continue
		}
		if pred.Matches(p.row.Tags) {
			out = append(out, cloneRow(p.row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *txn) Count(ctx context.Context, category string, pred tagindex.Predicate) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(false); err != nil {
		return 0, err
	}
	return int64(len(t.view(category, pred))), nil
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
	return &cursor{t: t, rows: t.view(category, pred), pageSize: pageSize}, nil
}

func (t *txn) Meta(ctx context.Context) (map[string][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(false); err != nil {
		return nil, err
	}
	t.b.mu.RLock()
	out := make(map[string][]byte, len(t.b.meta)+len(t.meta))
	for k, v := range t.b.meta {
		out[k] = append([]byte(nil), v...)
	}
	t.b.mu.RUnlock()
	for k, v := range t.meta {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (t *txn) SetMeta(ctx context.Context, key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(true); err != nil {
		return err
	}
	t.meta[key] = append([]byte(nil), value...)
	return nil
}

func (t *txn) Commit(ctx context.Context) error {
	t.stop()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return common.ErrSessionClosed
	}
	defer t.finish()

	if err := t.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", common.ErrSessionClosed, err)
	}
	if t.b.closed.Load() {
		return fmt.Errorf("%w: memory backend closed", common.ErrBackend)
	}

	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	for k, p := range t.writes {
		if p.deleted {
			delete(t.b.rows, k)
			continue
		}
		t.b.rows[k] = p.row
	}
	for k, v := range t.meta {
		t.b.meta[k] = v
	}
	return nil
}

func (t *txn) Rollback(ctx context.Context) error {
	t.stop()
	if !t.rollback() {
		return common.ErrSessionClosed
	}
	return nil
}

// rollback finishes t unless it is already closed and reports whether it did.
func (t *txn) rollback() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.finish()
	return true
}

// finish releases held keys and marks t closed. t.mu must be held.
func (t *txn) finish() {
	t.closed = true
	for k, l := range t.held {
		l.sem.Release(1)
		t.b.unref(k, l)
	}
	t.held = nil
	t.writes = nil
	t.meta = nil
}

type cursor struct {
	t        *txn
	rows     []*models.Row
	pageSize int
}

func (c *cursor) Next(ctx context.Context) ([]*models.Row, bool, error) {
	if len(c.rows) == 0 {
		return nil, true, nil
	}
	c.t.mu.Lock()
	closed := c.t.closed
	c.t.mu.Unlock()
	if closed {
		return nil, false, common.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	n := min(c.pageSize, len(c.rows))
	page := c.rows[:n]
	c.rows = c.rows[n:]
	return page, len(c.rows) == 0, nil
}

var _ backend.Backend = (*Backend)(nil)
