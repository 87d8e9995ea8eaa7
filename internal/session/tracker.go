package session

import (
	"context"
	"sync"

	"go.uber.org/multierr"
)

// Tracker records the live sessions of a store so that closing the store can
// roll them back before the key material is wiped. The zero value is ready
// to use; a nil Tracker tracks nothing.
type Tracker struct {
	mu       sync.Mutex
	closed   bool
	sessions map[*Session]struct{}
}

// add registers s. It reports false once the tracker is closed.
func (t *Tracker) add(s *Session) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if t.sessions == nil {
		t.sessions = make(map[*Session]struct{})
	}
	t.sessions[s] = struct{}{}
	return true
}

func (t *Tracker) remove(s *Session) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.sessions, s)
	t.mu.Unlock()
}

// Len returns the number of live sessions.
func (t *Tracker) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Close refuses new sessions and rolls back every live one. It waits for
// in-flight session calls to return.
func (t *Tracker) Close(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	t.closed = true
	live := make([]*Session, 0, len(t.sessions))
	for s := range t.sessions {
		live = append(live, s)
	}
	t.mu.Unlock()

	var err error
	for _, s := range live {
		err = multierr.Append(err, s.abandon(ctx))
	}
	return err
}
