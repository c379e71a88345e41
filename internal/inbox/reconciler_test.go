package inbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/TDXCORE/EmailApp/internal/bus"
)

func newTestReconciler(src *fakeSource, marks *memMarks) *Reconciler {
	return NewReconciler("op1", src, NewTracker("op1", marks), nil, nil)
}

func TestInitializeOrdersByLastMessage(t *testing.T) {
	src := &fakeSource{
		names: map[string]string{"A": "Ann", "B": "Bob", "C": "Cid"},
		msgs: []Message{
			text("a1", "A", Inbound, t0, "hi"),
			text("b1", "B", Inbound, t0.Add(time.Hour), "yo"),
		},
	}
	r := newTestReconciler(src, newMemMarks())

	convs, err := r.Initialize(context.Background(), []string{"A", "B", "C"})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, c := range convs {
		got = append(got, c.ContactID)
	}
	if fmt.Sprint(got) != "[B A C]" {
		t.Errorf("order = %v, want [B A C]", got)
	}
	if convs[0].DisplayName != "Bob" || convs[0].UnreadCount != 1 {
		t.Errorf("B = %+v", convs[0])
	}
}

func TestInitializeStableForConversationsWithoutMessages(t *testing.T) {
	src := &fakeSource{names: map[string]string{"X": "", "Y": "", "Z": ""}}
	r := newTestReconciler(src, newMemMarks())

	convs, err := r.Initialize(context.Background(), []string{"Z", "X", "Y", "X"})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, c := range convs {
		got = append(got, c.ContactID)
	}
	if fmt.Sprint(got) != "[Z X Y]" {
		t.Errorf("order = %v, want [Z X Y]", got)
	}
}

func TestInitializeUnreadAgainstMark(t *testing.T) {
	marks := newMemMarks()
	marks.m["op1/A"] = t0
	src := &fakeSource{
		names: map[string]string{"A": ""},
		msgs: []Message{
			text("a1", "A", Inbound, t0.Add(-time.Minute), "old"),
			text("a2", "A", Inbound, t0.Add(time.Minute), "new"),
			text("a3", "A", Outbound, t0.Add(2*time.Minute), "reply"),
		},
	}
	r := newTestReconciler(src, marks)

	convs, err := r.Initialize(context.Background(), []string{"A"})
	if err != nil {
		t.Fatal(err)
	}
	if convs[0].UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", convs[0].UnreadCount)
	}
	if convs[0].LastMessagePreview != "reply" {
		t.Errorf("preview = %q, want reply", convs[0].LastMessagePreview)
	}
}

func TestInitializeErrorKeepsNoPartialState(t *testing.T) {
	src := &fakeSource{names: map[string]string{"A": ""}, err: errFetch}
	r := newTestReconciler(src, newMemMarks())

	convs, err := r.Initialize(context.Background(), []string{"A"})
	if !errors.Is(err, errFetch) {
		t.Fatalf("err = %v, want errFetch", err)
	}
	if convs != nil {
		t.Errorf("convs = %v, want nil", convs)
	}
	snap := r.Snapshot()
	if len(snap.Conversations) != 0 || snap.Loading || snap.Error == "" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestInsertNeverDuplicatesConversations(t *testing.T) {
	src := &fakeSource{names: map[string]string{"A": ""}}
	r := newTestReconciler(src, newMemMarks())
	if _, err := r.Initialize(context.Background(), []string{"A"}); err != nil {
		t.Fatal(err)
	}

	seq := []Message{
		text("1", "A", Inbound, t0, "a"),
		text("2", "B", Inbound, t0.Add(time.Second), "b"),
		text("3", "A", Outbound, t0.Add(2*time.Second), "c"),
		text("2", "B", Inbound, t0.Add(time.Second), "b"),
		text("4", "C", Inbound, t0.Add(-time.Hour), "d"),
		text("5", "B", Inbound, t0.Add(3*time.Second), "e"),
	}
	for _, m := range seq {
		r.OnMessageInserted(m)
	}

	snap := r.Snapshot()
	seen := map[string]bool{}
	for _, c := range snap.Conversations {
		if seen[c.ContactID] {
			t.Fatalf("duplicate conversation %s in %+v", c.ContactID, snap.Conversations)
		}
		seen[c.ContactID] = true
	}
	if len(snap.Conversations) != 3 {
		t.Errorf("got %d conversations, want 3", len(snap.Conversations))
	}
	if snap.Conversations[0].ContactID != "B" {
		t.Errorf("first = %s, want B", snap.Conversations[0].ContactID)
	}
	if b := find(snap.Conversations, "B"); b.UnreadCount != 2 {
		t.Errorf("B unread = %d, want 2 (duplicate delivery counted once)", b.UnreadCount)
	}
}

func TestInsertRespectsLastSeenMark(t *testing.T) {
	tests := []struct {
		name   string
		at     time.Time
		active bool
		dir    Direction
		want   int
	}{
		{"before mark", t0.Add(-time.Second), false, Inbound, 0},
		{"after mark", t0.Add(time.Second), false, Inbound, 1},
		{"equal to mark", t0, false, Inbound, 0},
		{"after mark but open", t0.Add(time.Second), true, Inbound, 0},
		{"outbound", t0.Add(time.Second), false, Outbound, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			marks := newMemMarks()
			marks.m["op1/A"] = t0
			src := &fakeSource{names: map[string]string{"A": "", "B": ""}}
			r := newTestReconciler(src, marks)
			if _, err := r.Initialize(context.Background(), []string{"A", "B"}); err != nil {
				t.Fatal(err)
			}
			if tt.active {
				r.OnConversationOpened("A")
			} else {
				r.OnConversationOpened("B")
			}

			r.OnMessageInserted(text("m", "A", tt.dir, tt.at, "x"))

			a := find(r.Snapshot().Conversations, "A")
			if a.UnreadCount != tt.want {
				t.Errorf("unread = %d, want %d", a.UnreadCount, tt.want)
			}
		})
	}
}

func TestInsertWithoutMarkCountsInbound(t *testing.T) {
	r := newTestReconciler(&fakeSource{}, newMemMarks())
	if _, err := r.Initialize(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	r.OnMessageInserted(text("m", "A", Inbound, t0, "hello"))
	a := find(r.Snapshot().Conversations, "A")
	if a == nil || a.UnreadCount != 1 || a.LastMessagePreview != "hello" {
		t.Errorf("A = %+v", a)
	}
}

func TestOpenedIsIdempotent(t *testing.T) {
	marks := newMemMarks()
	src := &fakeSource{
		names: map[string]string{"A": ""},
		msgs:  []Message{text("a1", "A", Inbound, t0, "hi"), text("a2", "A", Inbound, t0.Add(time.Minute), "there")},
	}
	r := newTestReconciler(src, marks)
	if _, err := r.Initialize(context.Background(), []string{"A"}); err != nil {
		t.Fatal(err)
	}

	r.OnConversationOpened("A")
	if a := find(r.Snapshot().Conversations, "A"); a.UnreadCount != 0 {
		t.Fatalf("unread after first open = %d", a.UnreadCount)
	}
	first := marks.m["op1/A"]
	sets := marks.sets

	r.OnConversationOpened("A")
	if a := find(r.Snapshot().Conversations, "A"); a.UnreadCount != 0 {
		t.Errorf("unread after second open = %d", a.UnreadCount)
	}
	if !marks.m["op1/A"].Equal(first) || marks.sets != sets {
		t.Errorf("mark changed on second open: %v -> %v (%d writes)", first, marks.m["op1/A"], marks.sets-sets)
	}
	if !first.Equal(t0.Add(time.Minute)) {
		t.Errorf("mark = %v, want last message time", first)
	}
}

func TestCloseAcknowledgesMessagesSeenWhileOpen(t *testing.T) {
	marks := newMemMarks()
	r := newTestReconciler(&fakeSource{names: map[string]string{"A": ""}}, marks)
	if _, err := r.Initialize(context.Background(), []string{"A"}); err != nil {
		t.Fatal(err)
	}
	r.OnConversationOpened("A")
	r.OnMessageInserted(text("m", "A", Inbound, t0, "while open"))
	r.OnConversationClosed()

	if snap := r.Snapshot(); snap.ActiveID != "" {
		t.Errorf("active = %q after close", snap.ActiveID)
	}
	if !marks.m["op1/A"].Equal(t0) {
		t.Errorf("mark = %v, want %v", marks.m["op1/A"], t0)
	}
}

func TestUpdateOlderThanLastKeepsPreview(t *testing.T) {
	src := &fakeSource{
		names: map[string]string{"A": ""},
		msgs: []Message{
			text("old", "A", Outbound, t0, "older"),
			text("new", "A", Inbound, t0.Add(time.Minute), "newest"),
		},
	}
	r := newTestReconciler(src, newMemMarks())
	if _, err := r.Initialize(context.Background(), []string{"A"}); err != nil {
		t.Fatal(err)
	}

	upd := text("old", "A", Outbound, t0, "older")
	upd.Status = StatusRead
	r.OnMessageUpdated(upd)

	a := find(r.Snapshot().Conversations, "A")
	if a.LastMessagePreview != "newest" || a.LastMessageID != "new" {
		t.Errorf("preview clobbered: %+v", a)
	}
	if a.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1 (updates never touch unread)", a.UnreadCount)
	}
}

func TestUpdateOfLastMessageChangesStatus(t *testing.T) {
	src := &fakeSource{
		names: map[string]string{"A": ""},
		msgs:  []Message{text("out", "A", Outbound, t0, "sent it")},
	}
	r := newTestReconciler(src, newMemMarks())
	if _, err := r.Initialize(context.Background(), []string{"A"}); err != nil {
		t.Fatal(err)
	}
	upd := text("out", "A", Outbound, t0, "sent it")
	upd.Status = StatusDelivered
	r.OnMessageUpdated(upd)

	if a := find(r.Snapshot().Conversations, "A"); a.LastMessageStatus != StatusDelivered {
		t.Errorf("status = %q, want delivered", a.LastMessageStatus)
	}
}

func TestEventsBeforeInitializeAreReplayed(t *testing.T) {
	src := &fakeSource{
		names: map[string]string{"A": "", "B": ""},
		msgs:  []Message{text("a1", "A", Inbound, t0, "fetched")},
	}
	r := newTestReconciler(src, newMemMarks())

	// a1 arrives live and is also part of the bulk read.
	r.OnMessageInserted(text("a1", "A", Inbound, t0, "fetched"))
	r.OnMessageInserted(text("b1", "B", Inbound, t0.Add(time.Hour), "live"))
	if snap := r.Snapshot(); len(snap.Conversations) != 0 {
		t.Fatalf("state mutated before initialize: %+v", snap)
	}

	convs, err := r.Initialize(context.Background(), []string{"A", "B"})
	if err != nil {
		t.Fatal(err)
	}
	if convs[0].ContactID != "B" || convs[0].UnreadCount != 1 || convs[0].LastMessagePreview != "live" {
		t.Errorf("B = %+v", convs[0])
	}
	if a := find(convs, "A"); a.UnreadCount != 1 {
		t.Errorf("A unread = %d, want 1 (no double count)", a.UnreadCount)
	}
}

func TestOpenBeforeInitializeAppliesAfterLoad(t *testing.T) {
	src := &fakeSource{
		names: map[string]string{"A": ""},
		msgs:  []Message{text("a1", "A", Inbound, t0, "x")},
	}
	r := newTestReconciler(src, newMemMarks())
	r.OnConversationOpened("A")

	convs, err := r.Initialize(context.Background(), []string{"A"})
	if err != nil {
		t.Fatal(err)
	}
	if convs[0].UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 for open conversation", convs[0].UnreadCount)
	}
}

func TestChangesArePublished(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(KindChanged, 16)
	defer unsub()

	r := NewReconciler("op1", &fakeSource{}, NewTracker("op1", newMemMarks()), b, nil)
	if _, err := r.Initialize(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	r.OnMessageInserted(text("m", "A", Inbound, t0, "hi"))

	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-ch:
			c, ok := evt.Payload.(Changed)
			if !ok {
				t.Fatalf("payload %T", evt.Payload)
			}
			if c.Scope != "op1" {
				t.Fatalf("scope = %q", c.Scope)
			}
			if len(c.Snapshot.Conversations) == 1 {
				return
			}
		case <-deadline:
			t.Fatal("no change event with the inserted conversation")
		}
	}
}

func TestRedeliveredFetchedMessageIsIgnored(t *testing.T) {
	src := &fakeSource{
		names: map[string]string{"A": ""},
		msgs: []Message{
			text("m1", "A", Inbound, t0, "first"),
			text("m2", "A", Inbound, t0.Add(time.Minute), "second"),
		},
	}
	r := newTestReconciler(src, newMemMarks())
	if _, err := r.Initialize(context.Background(), []string{"A"}); err != nil {
		t.Fatal(err)
	}

	r.OnMessageInserted(text("m1", "A", Inbound, t0, "first"))

	a := find(r.Snapshot().Conversations, "A")
	if a.UnreadCount != 2 || a.LastMessagePreview != "second" {
		t.Errorf("A = unread %d preview %q, want 2 and second", a.UnreadCount, a.LastMessagePreview)
	}
}

func TestReplayCountsOlderMessageMissingFromBulkRead(t *testing.T) {
	src := &fakeSource{
		names: map[string]string{"A": ""},
		msgs:  []Message{text("o1", "A", Outbound, t0.Add(5*time.Second), "reply")},
	}
	r := newTestReconciler(src, newMemMarks())

	// The provider timestamp of i1 predates the stored reply.
	r.OnMessageInserted(text("i1", "A", Inbound, t0.Add(3*time.Second), "question"))

	convs, err := r.Initialize(context.Background(), []string{"A"})
	if err != nil {
		t.Fatal(err)
	}
	if convs[0].UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", convs[0].UnreadCount)
	}
	if convs[0].LastMessagePreview != "reply" {
		t.Errorf("preview = %q, want reply", convs[0].LastMessagePreview)
	}
}

// stallingMarks blocks reads until the caller's context ends.
type stallingMarks struct{ *memMarks }

func (s *stallingMarks) GetMark(ctx context.Context, _, _ string) (time.Time, bool, error) {
	<-ctx.Done()
	return time.Time{}, false, ctx.Err()
}

func TestSlowMarkStoreDoesNotStallEvents(t *testing.T) {
	prev := markTimeout
	markTimeout = 20 * time.Millisecond
	t.Cleanup(func() { markTimeout = prev })

	marks := &stallingMarks{newMemMarks()}
	r := NewReconciler("op1", &fakeSource{}, NewTracker("op1", marks), nil, nil)
	if _, err := r.Initialize(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		r.OnMessageInserted(text("m", "A", Inbound, t0, "hi"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("insert blocked on the mark store")
	}
	if snap := r.Snapshot(); len(snap.Conversations) != 0 {
		t.Errorf("conversations = %+v, want none after a failed mark read", snap.Conversations)
	}
}
