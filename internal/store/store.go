// Package store is the entry point of the record store. Provision opens or
// creates a store behind a URI; the returned Store encrypts values and tags
// on the way in, decrypts them on the way out, and hands out sessions and
// locks over the selected backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/dmitrijs2005/gophstore/internal/backend"
	"github.com/dmitrijs2005/gophstore/internal/backend/bolt"
	"github.com/dmitrijs2005/gophstore/internal/backend/memory"
	"github.com/dmitrijs2005/gophstore/internal/backend/postgres"
	"github.com/dmitrijs2005/gophstore/internal/backend/sqlite"
	"github.com/dmitrijs2005/gophstore/internal/common"
	"github.com/dmitrijs2005/gophstore/internal/cryptox"
	"github.com/dmitrijs2005/gophstore/internal/logging"
	"github.com/dmitrijs2005/gophstore/internal/models"
	"github.com/dmitrijs2005/gophstore/internal/session"
	"github.com/dmitrijs2005/gophstore/internal/tagindex"
)

// Version is the library version.
const Version = "0.1.0"

// SchemaVersion is written to the metadata of new stores.
const SchemaVersion = "1"

// Store is an open record store. It is safe for concurrent use.
type Store struct {
	target  Target
	uri     string
	backend backend.Backend
	keys    *cryptox.KeyManager
	cfg     *session.Config
	log     logging.Logger
	closed  atomic.Bool
}

// Provision opens the store at uri, creating it when it does not exist and
// creation is allowed. For the raw scheme key is an encoded raw key (see
// cryptox.GenerateRawKey); for kdf:* schemes it is a passphrase.
//
// An existing store opened with another scheme or key fails with
// common.ErrKeyMismatch, wrapped in common.ErrProvision.
func Provision(ctx context.Context, uri, scheme, key string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	target, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	be, err := openBackend(ctx, target, o.backend())
	if err != nil {
		return nil, err
	}

	keys, created, err := initKeys(ctx, be, scheme, key, o.createIfMissing)
	if err != nil {
		if errors.Is(err, common.ErrKeyMismatch) {
			err = fmt.Errorf("%w: %w", common.ErrProvision, err)
		}
		return nil, multierr.Append(err, be.Close())
	}

	s := &Store{
		target:  target,
		uri:     redact(uri),
		backend: be,
		keys:    keys,
		log:     o.logger.With("store", string(target.Kind)),
		cfg: &session.Config{
			Backend:    be,
			Key:        keys.StoreKey(),
			PageSize:   o.pageSize,
			RemoveMode: o.removeMode,
			Logger:     o.logger,
			Sessions:   &session.Tracker{},
		},
	}
	s.log.Info(ctx, "store provisioned", "uri", s.uri, "scheme", scheme, "created", created)
	return s, nil
}

func openBackend(ctx context.Context, t Target, o backend.Options) (backend.Backend, error) {
	switch t.Kind {
	case KindMemory:
		return memory.New(o), nil
	case KindSQLite:
		return sqlite.Open(ctx, t.Path, o)
	case KindPostgres:
		return postgres.Open(ctx, t.Path, o)
	case KindBolt:
		return bolt.Open(ctx, t.Path, o)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", common.ErrProvision, t.Kind)
	}
}

// initKeys verifies the key against the stored check value, or writes the
// key metadata of a new store.
func initKeys(ctx context.Context, be backend.Backend, scheme, key string, create bool) (km *cryptox.KeyManager, created bool, err error) {
	txn, err := be.Begin(ctx, backend.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if err != nil {
			_ = txn.Rollback(ctx)
			if km != nil {
				km.Close()
				km = nil
			}
		}
	}()

	meta, err := txn.Meta(ctx)
	if err != nil {
		return nil, false, err
	}

	if check := meta[backend.MetaKeyCheck]; check != nil {
		stored := meta[backend.MetaKeyScheme]
		if string(stored) != scheme {
			return nil, false, fmt.Errorf("%w: store uses key scheme %q, not %q", common.ErrKeyMismatch, stored, scheme)
		}
		km, err = cryptox.NewKeyManager(scheme, key, meta[backend.MetaKeySalt])
		if err != nil {
			return nil, false, err
		}
		if err = km.Verify(check); err != nil {
			return km, false, err
		}
		return km, false, txn.Rollback(ctx)
	}

	if !create {
		return nil, false, fmt.Errorf("%w: store is not initialized", common.ErrProvision)
	}

	var salt []byte
	if cryptox.IsKDFScheme(scheme) {
		salt = common.GenerateRandByteArray(cryptox.SaltSize)
	}
	km, err = cryptox.NewKeyManager(scheme, key, salt)
	if err != nil {
		return nil, false, err
	}

	writes := []struct {
		key   string
		value []byte
	}{
		{backend.MetaKeyScheme, []byte(scheme)},
		{backend.MetaKeySalt, km.Salt()},
		{backend.MetaKeyCheck, km.CheckValue()},
		{backend.MetaVersion, []byte(SchemaVersion)},
	}
	for _, m := range writes {
		if m.value == nil {
			continue
		}
		if err = txn.SetMeta(ctx, m.key, m.value); err != nil {
			return km, false, err
		}
	}
	if err = txn.Commit(ctx); err != nil {
		return km, false, err
	}
	return km, true, nil
}

func (s *Store) check() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: store closed", common.ErrSessionClosed)
	}
	return nil
}

// Scheme returns the key scheme of the store.
func (s *Store) Scheme() string { return s.keys.Scheme() }

// Kind returns the backend kind selected by the provisioning URI.
func (s *Store) Kind() Kind { return s.target.Kind }

func (s *Store) String() string {
	return fmt.Sprintf("Store(%s, %s)", s.uri, s.keys.Scheme())
}

// Session opens an explicit read-write session bound to ctx. The caller
// must Commit, Rollback or Close it.
func (s *Store) Session(ctx context.Context) (*session.Session, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return session.New(ctx, s.cfg, false), nil
}

// WithSession runs fn in a session that is committed when fn returns nil and
// rolled back when it returns an error or panics. Panics are rethrown.
func (s *Store) WithSession(ctx context.Context, fn func(ctx context.Context, sess *session.Session) error) (err error) {
	sess, err := s.Session(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sess.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := sess.Rollback(ctx); !errors.Is(rbErr, common.ErrSessionClosed) {
				err = multierr.Append(err, rbErr)
			}
			return
		}
		err = sess.Close(ctx)
	}()
	return fn(ctx, sess)
}

// Update applies entries in order in one transaction. If any entry fails
// none of them is applied.
func (s *Store) Update(ctx context.Context, entries ...models.UpdateEntry) error {
	return s.WithSession(ctx, func(ctx context.Context, sess *session.Session) error {
		return sess.Update(ctx, entries...)
	})
}

// read runs fn in a short-lived read-only session.
func (s *Store) read(ctx context.Context, fn func(sess *session.Session) error) error {
	if err := s.check(); err != nil {
		return err
	}
	sess := session.New(ctx, s.cfg, true)
	defer func() { _ = sess.Rollback(ctx) }()
	return fn(sess)
}

// Fetch returns the entry under (category, name) or common.ErrNotFound.
func (s *Store) Fetch(ctx context.Context, category, name string) (*models.Entry, error) {
	var e *models.Entry
	err := s.read(ctx, func(sess *session.Session) error {
		var err error
		e, err = sess.Fetch(ctx, category, name)
		return err
	})
	return e, err
}

// Count returns the number of entries in category matching filter. The
// zero Filter matches every entry.
func (s *Store) Count(ctx context.Context, category string, filter tagindex.Filter) (int64, error) {
	var n int64
	err := s.read(ctx, func(sess *session.Session) error {
		var err error
		n, err = sess.Count(ctx, category, filter)
		return err
	})
	return n, err
}

// Scan returns an iterator over entries in category matching filter. The
// iterator owns a read session; Close it, or drain it with All or Collect.
func (s *Store) Scan(ctx context.Context, category string, filter tagindex.Filter) (*session.Scan, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	sess := session.New(ctx, s.cfg, true)
	it, err := sess.Scan(ctx, category, filter)
	if err != nil {
		_ = sess.Rollback(ctx)
		return nil, err
	}
	return session.NewOwnedScan(it, sess.Rollback), nil
}

// CreateLock locks the key of entry in a new session, inserting entry when
// no entry exists under that key. The lock is held until the returned
// Lock commits or rolls back, or ctx ends.
func (s *Store) CreateLock(ctx context.Context, entry models.Entry) (*session.Lock, error) {
	sess, err := s.Session(ctx)
	if err != nil {
		return nil, err
	}
	l, err := sess.Lock(ctx, entry)
	if err != nil {
		_ = sess.Rollback(ctx)
		return nil, err
	}
	return l, nil
}

// WithLock runs fn while holding a lock on the key of entry. The lock
// session is committed when fn returns nil and rolled back otherwise.
func (s *Store) WithLock(ctx context.Context, entry models.Entry, fn func(ctx context.Context, l *session.Lock) error) error {
	return s.WithSession(ctx, func(ctx context.Context, sess *session.Session) error {
		l, err := sess.Lock(ctx, entry)
		if err != nil {
			return err
		}
		return fn(ctx, l)
	})
}

// Close rolls back the sessions and locks still open, wipes the key
// material and releases the backend. Those sessions report
// common.ErrSessionClosed afterwards.
func (s *Store) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	live := s.cfg.Sessions.Len()
	rbErr := s.cfg.Sessions.Close(ctx)
	if rbErr != nil {
		s.log.Warn(ctx, "rollback of open sessions failed", "error", rbErr)
	}
	s.keys.Close()
	if err := s.backend.Close(); err != nil {
		s.log.Error(ctx, "backend close failed", "error", err)
		return multierr.Append(rbErr, fmt.Errorf("%w: close: %w", common.ErrBackend, err))
	}
	s.log.Info(ctx, "store closed", "rolled_back", live)
	return rbErr
}
