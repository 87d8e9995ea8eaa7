package session

import (
	"context"
	"iter"

	"github.com/dmitrijs2005/gophstore/internal/backend"
	"github.com/dmitrijs2005/gophstore/internal/cryptox"
	"github.com/dmitrijs2005/gophstore/internal/models"
)

// Scan is a lazy, finite iterator over decrypted entries. It fetches one page
// from the backend cursor at a time and stops at the first error, which Err
// then reports.
//
//	it, err := s.Scan(ctx, "category", filter)
//	...
//	defer it.Close(ctx)
//	for it.Next(ctx) {
//	    e := it.Entry()
//	}
//	if err := it.Err(); err != nil { ... }
type Scan struct {
	key     *cryptox.StoreKey
	cur     backend.Cursor
	buf     []*models.Row
	entry   *models.Entry
	err     error
	done    bool
	closed  bool
	onClose func(ctx context.Context) error
}

// NewOwnedScan returns it with onClose run on Close, used when the iterator
// owns a short-lived session.
func NewOwnedScan(it *Scan, onClose func(ctx context.Context) error) *Scan {
	it.onClose = onClose
	return it
}

// Next advances to the next entry.
func (it *Scan) Next(ctx context.Context) bool {
	if it.err != nil || it.closed {
		return false
	}
	for len(it.buf) == 0 {
		if it.done {
			return false
		}
		rows, done, err := it.cur.Next(ctx)
		if err != nil {
			it.err = err
			return false
		}
		it.buf, it.done = rows, done
	}

	row := it.buf[0]
	it.buf = it.buf[1:]
	e, err := it.key.DecryptEntry(row)
	if err != nil {
		it.err = err
		return false
	}
	it.entry = e
	return true
}

// Entry returns the current entry.
func (it *Scan) Entry() *models.Entry { return it.entry }

// Err returns the error that stopped iteration, if any.
func (it *Scan) Err() error { return it.err }

// Close stops the iteration. It is safe to call more than once.
func (it *Scan) Close(ctx context.Context) error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.buf = nil
	if it.onClose != nil {
		return it.onClose(ctx)
	}
	return nil
}

// All returns the remaining entries as a range-over-func sequence. A failure
// is yielded once as the final element. The iterator is closed when the
// sequence ends or the loop breaks.
func (it *Scan) All(ctx context.Context) iter.Seq2[*models.Entry, error] {
	return func(yield func(*models.Entry, error) bool) {
		defer func() { _ = it.Close(ctx) }()
		for it.Next(ctx) {
			if !yield(it.entry, nil) {
				return
			}
		}
		if it.err != nil {
			yield(nil, it.err)
		}
	}
}

// Collect drains the iterator and closes it.
func (it *Scan) Collect(ctx context.Context) ([]*models.Entry, error) {
	var out []*models.Entry
	for e, err := range it.All(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
