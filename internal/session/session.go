// Package session implements transactional sessions and exclusive locks over
// a backend, with values and tags crossing the encryption layer on the way
// in and out.
//
// A Session begins its backend transaction lazily on first use and is bound
// to the context it was created with: if that context ends before Commit,
// the transaction is rolled back and the session reports ErrSessionClosed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/dmitrijs2005/gophstore/internal/backend"
	"github.com/dmitrijs2005/gophstore/internal/common"
	"github.com/dmitrijs2005/gophstore/internal/cryptox"
	"github.com/dmitrijs2005/gophstore/internal/logging"
	"github.com/dmitrijs2005/gophstore/internal/models"
	"github.com/dmitrijs2005/gophstore/internal/tagindex"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateOpen State = iota
	StateLocked
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateLocked:
		return "locked"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Closed reports whether s is terminal.
func (s State) Closed() bool {
	return s == StateCommitted || s == StateRolledBack
}

// Config is shared by every session of a store.
type Config struct {
	Backend    backend.Backend
	Key        *cryptox.StoreKey
	PageSize   int
	RemoveMode models.RemoveMode
	Logger     logging.Logger
	// Sessions, when set, is closed by the store before its key is wiped.
	// Sessions created after that are born rolled back.
	Sessions *Tracker
}

// Session is a transactional scope over the backend. It is not meant to be
// shared between goroutines, but its methods are serialized so that doing so
// is not a data race.
type Session struct {
	cfg      *Config
	ctx      context.Context
	readOnly bool
	id       string
	log      logging.Logger

	mu     sync.Mutex
	txn    backend.Txn
	state  State
	locked []models.EntryKey
}

// New returns an open session. ctx bounds the lifetime of the underlying
// transaction.
func New(ctx context.Context, cfg *Config, readOnly bool) *Session {
	id := uuid.NewString()
	s := &Session{
		cfg:      cfg,
		ctx:      ctx,
		readOnly: readOnly,
		id:       id,
		log:      logging.OrNop(cfg.Logger).With("session_id", id),
	}
	if !cfg.Sessions.add(s) {
		s.state = StateRolledBack
	}
	return s
}

// end moves s to a terminal state. s.mu must be held.
func (s *Session) end(st State) {
	s.state = st
	s.cfg.Sessions.remove(s)
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Locked returns the keys this session holds exclusively.
func (s *Session) Locked() []models.EntryKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.EntryKey(nil), s.locked...)
}

// ensure returns the open transaction, beginning it if needed. exclusive keys
// are locked as part of Begin. s.mu must be held.
func (s *Session) ensure(ctx context.Context, exclusive ...models.EntryKey) (backend.Txn, error) {
	if s.state.Closed() {
		return nil, common.ErrSessionClosed
	}
	if err := s.ctx.Err(); err != nil {
		s.end(StateRolledBack)
		return nil, fmt.Errorf("%w: %w", common.ErrSessionClosed, err)
	}
	if s.txn != nil {
		if len(exclusive) > 0 {
			if err := s.txn.Lock(ctx, exclusive...); err != nil {
				return nil, err
			}
		}
		return s.txn, nil
	}

	txn, err := s.cfg.Backend.Begin(s.ctx, backend.TxOptions{ReadOnly: s.readOnly, Exclusive: exclusive})
	if err != nil {
		return nil, err
	}
	s.txn = txn
	s.log.Debug(ctx, "session transaction started", "read_only", s.readOnly)
	return txn, nil
}

// fail rolls back after an error inside the session. s.mu must be held.
func (s *Session) fail(ctx context.Context, cause error) error {
	if s.state.Closed() {
		return cause
	}
	s.end(StateRolledBack)
	if s.txn == nil {
		return cause
	}
	s.log.Warn(ctx, "session rolled back after error", "error", cause)
	rbErr := s.txn.Rollback(ctx)
	if errors.Is(rbErr, common.ErrSessionClosed) {
		rbErr = nil
	}
	return multierr.Append(cause, rbErr)
}

// Fetch returns the entry stored under (category, name) or common.ErrNotFound.
func (s *Session) Fetch(ctx context.Context, category, name string) (*models.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}
	row, err := txn.Get(ctx, category, name)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s/%s", common.ErrNotFound, category, name)
	}
	return s.cfg.Key.DecryptEntry(row)
}

// Count returns the number of entries in category matching filter.
func (s *Session) Count(ctx context.Context, category string, filter tagindex.Filter) (int64, error) {
	pred, err := filter.Encode(s.cfg.Key)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, err := s.ensure(ctx)
	if err != nil {
		return 0, err
	}
	return txn.Count(ctx, category, pred)
}

// Scan returns an iterator over entries in category matching filter. The
// iterator is valid while the session is open.
func (s *Session) Scan(ctx context.Context, category string, filter tagindex.Filter) (*Scan, error) {
	pred, err := filter.Encode(s.cfg.Key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := txn.Scan(ctx, category, pred, s.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	return &Scan{key: s.cfg.Key, cur: cur}, nil
}

// Update applies entries in order. Any failure rolls back the whole session,
// including writes made by earlier calls.
func (s *Session) Update(ctx context.Context, entries ...models.UpdateEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Closed() {
		return common.ErrSessionClosed
	}
	if s.readOnly {
		return fmt.Errorf("%w: update in a read-only session", common.ErrValidation)
	}
	if err := s.update(ctx, entries); err != nil {
		return s.fail(ctx, err)
	}
	return nil
}

func (s *Session) update(ctx context.Context, entries []models.UpdateEntry) error {
	// encrypt everything before touching the backend
	rows := make([]*models.Row, len(entries))
	for i := range entries {
		e := &entries[i]
		if e.Op == models.OpRemove {
			if e.Category == "" || e.Name == "" {
				return fmt.Errorf("%w: remove needs a category and a name", common.ErrValidation)
			}
			rows[i] = &models.Row{Category: e.Category, Name: e.Name}
			continue
		}
		if err := e.Validate(); err != nil {
			return err
		}
		row, err := s.cfg.Key.EncryptEntry(&e.Entry)
		if err != nil {
			return err
		}
		rows[i] = row
	}

	txn, err := s.ensure(ctx)
	if err != nil {
		return err
	}
	// lock the whole batch up front, in key order
	keys := make([]models.EntryKey, len(rows))
	for i, row := range rows {
		keys[i] = row.Key()
	}
	if err := txn.Lock(ctx, keys...); err != nil {
		return err
	}
	for i, row := range rows {
		err := txn.Upsert(ctx, row, entries[i].Op)
		if entries[i].Op == models.OpRemove && s.cfg.RemoveMode == models.RemoveIdempotent && errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", entries[i].Op, row.Key(), err)
		}
	}
	s.log.Debug(ctx, "entries updated", "count", len(entries))
	return nil
}

// Lock acquires an exclusive lock on the key of placeholder. If no entry
// exists under that key, placeholder is inserted so the lock guards a
// concrete row; Lock.Created reports this. The lock lasts until the session
// commits or rolls back.
func (s *Session) Lock(ctx context.Context, placeholder models.Entry) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Closed() {
		return nil, common.ErrSessionClosed
	}
	if s.readOnly {
		return nil, fmt.Errorf("%w: lock in a read-only session", common.ErrValidation)
	}
	if err := placeholder.Validate(); err != nil {
		return nil, err
	}

	key := placeholder.Key()
	txn, err := s.ensure(ctx, key)
	if err != nil {
		return nil, err
	}
	s.log.Debug(ctx, "lock acquired", "key", key.String())

	l, err := s.claim(ctx, txn, placeholder)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	s.state = StateLocked
	s.locked = append(s.locked, key)
	return l, nil
}

func (s *Session) claim(ctx context.Context, txn backend.Txn, placeholder models.Entry) (*Lock, error) {
	row, err := txn.Get(ctx, placeholder.Category, placeholder.Name)
	if err != nil {
		return nil, err
	}
	if row != nil {
		entry, err := s.cfg.Key.DecryptEntry(row)
		if err != nil {
			return nil, err
		}
		return &Lock{s: s, entry: entry}, nil
	}

	row, err = s.cfg.Key.EncryptEntry(&placeholder)
	if err != nil {
		return nil, err
	}
	if err := txn.Upsert(ctx, row, models.OpInsert); err != nil {
		return nil, err
	}
	entry := placeholder
	return &Lock{s: s, entry: &entry, created: true}, nil
}

// Commit makes all writes durable and releases locks.
func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Closed() {
		return common.ErrSessionClosed
	}
	if s.txn == nil {
		s.end(StateCommitted)
		return nil
	}
	if err := s.ctx.Err(); err != nil {
		return s.fail(ctx, fmt.Errorf("%w: %w", common.ErrSessionClosed, err))
	}
	if err := s.txn.Commit(ctx); err != nil {
		s.end(StateRolledBack)
		if errors.Is(err, common.ErrSessionClosed) && s.ctx.Err() != nil {
			return fmt.Errorf("%w: %w", common.ErrSessionClosed, s.ctx.Err())
		}
		return err
	}
	s.end(StateCommitted)
	s.log.Debug(ctx, "session committed", "locks", len(s.locked))
	return nil
}

// Rollback discards all writes and releases locks.
func (s *Session) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Closed() {
		return common.ErrSessionClosed
	}
	return s.rollback(ctx)
}

// abandon rolls s back unless it already ended.
func (s *Session) abandon(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Closed() {
		return nil
	}
	s.log.Warn(ctx, "rolling back session left open at store close", "state", s.state.String())
	return s.rollback(ctx)
}

// rollback ends s and rolls back its transaction. s.mu must be held.
func (s *Session) rollback(ctx context.Context) error {
	s.end(StateRolledBack)
	if s.txn == nil {
		return nil
	}
	err := s.txn.Rollback(ctx)
	if errors.Is(err, common.ErrSessionClosed) {
		// already rolled back because the session context ended
		err = nil
	}
	s.log.Debug(ctx, "session rolled back")
	return err
}

// Close commits pending writes. Closing a closed session is a no-op.
func (s *Session) Close(ctx context.Context) error {
	if s.State().Closed() {
		return nil
	}
	return s.Commit(ctx)
}
