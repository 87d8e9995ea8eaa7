package session

import (
	"context"

	"github.com/dmitrijs2005/gophstore/internal/models"
	"github.com/dmitrijs2005/gophstore/internal/tagindex"
)

// Lock is an exclusive claim on one entry key, bound to a Session. Writes
// made through it share the session transaction.
type Lock struct {
	s       *Session
	entry   *models.Entry
	created bool
}

// Entry returns the locked entry as it was when the lock was taken.
func (l *Lock) Entry() *models.Entry { return l.entry }

// Key returns the locked key.
func (l *Lock) Key() models.EntryKey { return l.entry.Key() }

// Created reports whether the lock inserted the entry.
func (l *Lock) Created() bool { return l.created }

// Session returns the session holding the lock.
func (l *Lock) Session() *Session { return l.s }

// Update applies entries in the lock's session.
func (l *Lock) Update(ctx context.Context, entries ...models.UpdateEntry) error {
	return l.s.Update(ctx, entries...)
}

// Fetch reads an entry, seeing the session's own writes.
func (l *Lock) Fetch(ctx context.Context, category, name string) (*models.Entry, error) {
	return l.s.Fetch(ctx, category, name)
}

// Count counts matching entries in the lock's session.
func (l *Lock) Count(ctx context.Context, category string, filter tagindex.Filter) (int64, error) {
	return l.s.Count(ctx, category, filter)
}

// Commit commits the session and releases the lock.
func (l *Lock) Commit(ctx context.Context) error {
	return l.s.Commit(ctx)
}

// Rollback discards the session writes and releases the lock.
func (l *Lock) Rollback(ctx context.Context) error {
	return l.s.Rollback(ctx)
}
