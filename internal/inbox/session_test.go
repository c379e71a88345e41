package inbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TDXCORE/EmailApp/internal/bus"
	"github.com/TDXCORE/EmailApp/internal/store"
)

const business = "1234567890"

func testDB(t *testing.T, b *bus.Bus) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db.WithFeed(b)
}

func insertText(t *testing.T, db *store.DB, id, from, to string, at int64) {
	t.Helper()
	if _, err := db.InsertWAMessage(&store.WAMessage{
		MessageID: id, FromNumber: from, ToNumber: to, Type: "text",
		Content: `{"text":{"body":"` + id + `"}}`, Status: store.WAStatusReceived, CreatedAt: at,
	}); err != nil {
		t.Fatal(err)
	}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSessionLiveUpdates(t *testing.T) {
	b := bus.New()
	db := testDB(t, b)
	if err := db.UpsertWAContact(&store.WAContact{WaID: "alice", Name: "Alice"}); err != nil {
		t.Fatal(err)
	}
	insertText(t, db, "m1", "alice", business, 1000)

	s := NewSession("op1", b, NewStoreSource(db, Addresses{business}, nil), newMemMarks(), Addresses{business}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	snap := s.Snapshot()
	if len(snap.Conversations) != 1 || snap.Conversations[0].UnreadCount != 1 || snap.Conversations[0].DisplayName != "Alice" {
		t.Fatalf("initial snapshot = %+v", snap)
	}

	insertText(t, db, "m2", "bob", business, 2000)
	waitFor(t, "bob conversation", func() bool {
		c := find(s.Snapshot().Conversations, "bob")
		return c != nil && c.UnreadCount == 1
	})
	if first := s.Snapshot().Conversations[0].ContactID; first != "bob" {
		t.Errorf("first = %s, want bob", first)
	}
}

func TestSessionOpenSwitchesThreadSubscription(t *testing.T) {
	b := bus.New()
	db := testDB(t, b)
	insertText(t, db, "a1", "alice", business, 1000)
	insertText(t, db, "b1", "bob", business, 1500)

	s := NewSession("op1", b, NewStoreSource(db, Addresses{business}, nil), newMemMarks(), Addresses{business}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	base := b.Subscribers()

	msgs, err := s.Open(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "a1" {
		t.Fatalf("alice history = %+v", msgs)
	}
	if a := find(s.Snapshot().Conversations, "alice"); a.UnreadCount != 0 {
		t.Errorf("alice unread = %d after open", a.UnreadCount)
	}

	if _, err := s.Open(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	if got := b.Subscribers(); got != base+1 {
		t.Errorf("subscribers = %d, want %d (prior thread unsubscribed)", got, base+1)
	}

	// A message for the old conversation must not reach the new thread.
	insertText(t, db, "a2", "alice", business, 3000)
	insertText(t, db, "b2", "bob", business, 3000)
	waitFor(t, "b2 in thread", func() bool {
		_, msgs := s.Thread()
		return len(msgs) == 2
	})
	id, msgs := s.Thread()
	if id != "bob" {
		t.Fatalf("thread = %s, want bob", id)
	}
	for _, m := range msgs {
		if m.ConversationID != "bob" {
			t.Errorf("foreign message %s in bob thread", m.ID)
		}
	}
	assertOrdered(t, msgs)

	waitFor(t, "alice unread", func() bool {
		a := find(s.Snapshot().Conversations, "alice")
		return a != nil && a.UnreadCount == 1
	})

	s.Close()
	if got := b.Subscribers(); got != base {
		t.Errorf("subscribers after close = %d, want %d", got, base)
	}
	if id, _ := s.Thread(); id != "" {
		t.Errorf("thread still open: %s", id)
	}
}

func TestManagerReusesSessions(t *testing.T) {
	b := bus.New()
	db := testDB(t, b)
	m := NewManager(b, NewStoreSource(db, Addresses{business}, nil), newMemMarks(), Addresses{business}, nil)
	defer m.Stop()

	s1, err := m.Session("op1")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Session("op1")
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Error("expected the same session for one scope")
	}
	if _, err := m.Session("op2"); err != nil {
		t.Fatal(err)
	}
	if m.Sessions() != 2 {
		t.Errorf("sessions = %d, want 2", m.Sessions())
	}
}

// gatedSource holds the first ContactIDs call until release is closed.
type gatedSource struct {
	fakeSource
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) ContactIDs(ctx context.Context) ([]string, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.fakeSource.ContactIDs(ctx)
}

func TestManagerStartsScopesIndependently(t *testing.T) {
	src := &gatedSource{entered: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(bus.New(), src, newMemMarks(), Addresses{business}, nil)
	defer m.Stop()

	slow := make(chan *Session, 2)
	go func() {
		s, _ := m.Session("op1")
		slow <- s
	}()
	<-src.entered
	go func() {
		s, _ := m.Session("op1")
		slow <- s
	}()

	done := make(chan error, 1)
	go func() {
		_, err := m.Session("op2")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("op2 waited for the op1 bulk read")
	}

	close(src.release)
	var got []*Session
	for len(got) < 2 {
		select {
		case s := <-slow:
			got = append(got, s)
		case <-time.After(time.Second):
			t.Fatal("op1 session never started")
		}
	}
	if got[0] == nil || got[0] != got[1] {
		t.Errorf("op1 callers got %p and %p, want one session", got[0], got[1])
	}
	if m.Sessions() != 2 {
		t.Errorf("sessions = %d, want 2", m.Sessions())
	}
}
