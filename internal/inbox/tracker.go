package inbox

import (
	"context"
	"sync"
	"time"
)

// MarkStore persists last-seen marks outside the session.
type MarkStore interface {
	GetMark(ctx context.Context, scope, contactID string) (time.Time, bool, error)
	SetMark(ctx context.Context, scope, contactID string, at time.Time) error
	ClearMark(ctx context.Context, scope, contactID string) error
}

// Tracker records, per contact, the creation time of the newest message the
// viewer has acknowledged. Marks are scoped to one viewer and cached after
// the first read.
type Tracker struct {
	scope string
	store MarkStore

	mu    sync.Mutex
	cache map[string]mark
}

type mark struct {
	at  time.Time
	set bool
}

// NewTracker creates a tracker for one viewer scope.
func NewTracker(scope string, s MarkStore) *Tracker {
	return &Tracker{scope: scope, store: s, cache: make(map[string]mark)}
}

// Get returns the mark for contactID and whether one exists.
func (t *Tracker) Get(ctx context.Context, contactID string) (time.Time, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, err := t.load(ctx, contactID)
	return m.at, m.set, err
}

// Set advances the mark for contactID to at. A nil at clears the mark.
// A value that is not after the stored mark is ignored.
func (t *Tracker) Set(ctx context.Context, contactID string, at *time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if at == nil {
		if err := t.store.ClearMark(ctx, t.scope, contactID); err != nil {
			return err
		}
		t.cache[contactID] = mark{}
		return nil
	}

	cur, err := t.load(ctx, contactID)
	if err != nil {
		return err
	}
	if cur.set && !at.After(cur.at) {
		return nil
	}
	if err := t.store.SetMark(ctx, t.scope, contactID, *at); err != nil {
		return err
	}
	t.cache[contactID] = mark{at: *at, set: true}
	return nil
}

func (t *Tracker) load(ctx context.Context, contactID string) (mark, error) {
	if m, ok := t.cache[contactID]; ok {
		return m, nil
	}
	at, ok, err := t.store.GetMark(ctx, t.scope, contactID)
	if err != nil {
		return mark{}, err
	}
	m := mark{at: at, set: ok}
	t.cache[contactID] = m
	return m, nil
}
