// Package backend defines the transactional storage surface the store drives.
//
// A Backend hands out transactions over a normalized (category, name, value,
// tags) relation plus a small metadata table. Implementations differ in how
// they make keys exclusive (row locks, advisory locks, a single writer, key
// semaphores) but present the same semantics: at most one open exclusive
// transaction per key, and committed writes are durable and visible to later
// transactions.
//
// Values and tags reaching a backend are already encrypted; backends never
// see key material.
package backend

import (
	"context"
	"sort"
	"time"

	"github.com/dmitrijs2005/gophstore/internal/logging"
	"github.com/dmitrijs2005/gophstore/internal/models"
	"github.com/dmitrijs2005/gophstore/internal/tagindex"
)

// Options are shared by every backend constructor.
type Options struct {
	// LockTimeout bounds waiting for an exclusive key or the writer lock.
	LockTimeout time.Duration
	// CreateIfMissing allows creating the database file or schema.
	CreateIfMissing bool
	// MaxConnRetries is the number of attempts made to open a connection
	// or begin a transaction when the failure looks transient.
	MaxConnRetries int
	Logger         logging.Logger
}

// DefaultLockTimeout is used when Options.LockTimeout is not positive.
const DefaultLockTimeout = 5 * time.Second

// WithDefaults fills zero fields of o.
func (o Options) WithDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.MaxConnRetries <= 0 {
		o.MaxConnRetries = 3
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// TxOptions configures a transaction.
type TxOptions struct {
	// ReadOnly transactions may not write. Backends can serve them from a
	// separate pool or snapshot.
	ReadOnly bool
	// Exclusive keys are locked as part of Begin. Waiting is bounded by the
	// backend lock timeout, after which Begin fails with common.ErrBusy.
	Exclusive []models.EntryKey
}

// Backend opens transactions against one concrete engine.
type Backend interface {
	// Begin opens a transaction. The transaction is rolled back when ctx is
	// done before Commit.
	Begin(ctx context.Context, opts TxOptions) (Txn, error)
	// Close releases connections and file handles.
	Close() error
}

// Txn is an open transaction. Commit and Rollback are terminal; any later
// call fails with common.ErrSessionClosed.
type Txn interface {
	// Lock acquires exclusive locks on keys inside a writable transaction.
	Lock(ctx context.Context, keys ...models.EntryKey) error

	// Upsert applies row according to op. OpInsert fails with
	// common.ErrDuplicate on an existing key, OpRemove with
	// common.ErrNotFound on an absent one.
	Upsert(ctx context.Context, row *models.Row, op models.Operation) error

	// Get returns the row stored under (category, name), or nil if absent.
	Get(ctx context.Context, category, name string) (*models.Row, error)

	// Count returns the number of rows in category matching pred.
	Count(ctx context.Context, category string, pred tagindex.Predicate) (int64, error)

	// Scan returns a cursor over rows in category matching pred, pageSize rows
	// per advance.
	Scan(ctx context.Context, category string, pred tagindex.Predicate, pageSize int) (Cursor, error)

	// Meta returns every metadata value, including those set earlier in this
	// transaction.
	Meta(ctx context.Context) (map[string][]byte, error)
	// SetMeta stores a metadata value.
	SetMeta(ctx context.Context, key string, value []byte) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Cursor pages through scan results in backend-native order. Each row is
// returned exactly once per full scan.
type Cursor interface {
	// Next returns up to the page size of rows and whether the cursor is
	// exhausted. An exhausted cursor returns no further rows.
	Next(ctx context.Context) (rows []*models.Row, done bool, err error)
}

// Metadata keys written at provisioning.
const (
	MetaKeyScheme = "key_scheme"
	MetaKeySalt   = "key_salt"
	MetaKeyCheck  = "key_check"
	MetaVersion   = "version"
)

// DefaultPageSize is used when a scan is requested with a non-positive page size.
const DefaultPageSize = 32

// SortKeys returns the distinct keys in a stable order. Backends lock keys
// in this order so that two transactions never wait on each other in a cycle.
func SortKeys(keys []models.EntryKey) []models.EntryKey {
	out := make([]models.EntryKey, 0, len(keys))
	seen := make(map[models.EntryKey]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}
