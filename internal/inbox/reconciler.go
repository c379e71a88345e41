package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TDXCORE/EmailApp/internal/bus"
	"go.uber.org/zap"
)

// KindChanged is published on the bus after every state mutation.
const KindChanged = "inbox.changed"

// maxPending bounds the events buffered before Initialize completes.
const maxPending = 1024

// markTimeout bounds mark reads and writes made while handling feed events.
var markTimeout = 2 * time.Second

// Seed is one conversation as returned by the bulk read.
type Seed struct {
	ContactID   string
	DisplayName string
	Last        *Message
	// Messages lists every stored message of the conversation, oldest first.
	Messages []Ref
}

// Ref identifies a stored message without its content.
type Ref struct {
	ID        string
	Direction Direction
	CreatedAt time.Time
}

// Source is the read side of the message store.
type Source interface {
	ContactIDs(ctx context.Context) ([]string, error)
	Conversations(ctx context.Context, contactIDs []string) ([]Seed, error)
	History(ctx context.Context, contactID string, limit int) ([]Message, error)
}

// Changed is the payload of KindChanged events.
type Changed struct {
	Scope    string
	Snapshot Snapshot
}

type pendingEvent struct {
	op  string
	msg Message
}

// Reconciler merges the initial bulk read with live insert and update
// events into one ordered conversation list. All mutations are serialised.
type Reconciler struct {
	scope   string
	source  Source
	tracker *Tracker
	feed    *bus.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	state   State
	ready   bool
	pending []pendingEvent
	seen    map[string]struct{}
}

// NewReconciler creates a reconciler for one viewer scope. feed may be nil.
func NewReconciler(scope string, source Source, tracker *Tracker, feed *bus.Bus, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		scope:   scope,
		source:  source,
		tracker: tracker,
		feed:    feed,
		logger:  logger,
		seen:    make(map[string]struct{}),
	}
}

// Initialize loads the conversations for contactIDs, computes unread counts
// against the stored marks and replays events buffered while loading.
// On error no partial state is kept.
func (r *Reconciler) Initialize(ctx context.Context, contactIDs []string) ([]Conversation, error) {
	r.mu.Lock()
	r.ready = false
	r.state.loading = true
	r.state.err = nil
	r.changed()
	r.mu.Unlock()

	convs, known, err := r.fetch(ctx, contactIDs)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.loading = false
	if err != nil {
		r.state.err = err
		r.changed()
		return nil, err
	}

	r.state.convs = convs
	r.seen = known
	r.ready = true

	pending := r.pending
	r.pending = nil
	for _, ev := range pending {
		switch ev.op {
		case bus.OpInsert:
			r.applyInsert(ev.msg, true)
		case bus.OpUpdate:
			r.applyUpdate(ev.msg)
		}
	}
	if len(pending) > 0 {
		r.logger.Debug("replayed buffered inbox events", zap.String("scope", r.scope), zap.Int("count", len(pending)))
	}
	if r.state.active != "" {
		r.applyOpened(r.state.active)
	}
	r.state.sort()
	r.changed()

	out := make([]Conversation, len(r.state.convs))
	copy(out, r.state.convs)
	return out, nil
}

// fetch returns the sorted conversations and the ids of every message the
// bulk read accounted for.
func (r *Reconciler) fetch(ctx context.Context, contactIDs []string) ([]Conversation, map[string]struct{}, error) {
	ids := make([]string, 0, len(contactIDs))
	dup := make(map[string]bool, len(contactIDs))
	for _, id := range contactIDs {
		if id == "" || dup[id] {
			continue
		}
		dup[id] = true
		ids = append(ids, id)
	}

	seeds, err := r.source.Conversations(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("load conversations: %w", err)
	}

	known := make(map[string]struct{})
	convs := make([]Conversation, 0, len(seeds))
	for _, s := range seeds {
		c := Conversation{ContactID: s.ContactID, DisplayName: s.DisplayName}
		if s.Last != nil {
			c.LastMessagePreview = Preview(*s.Last)
			c.LastMessageTimestamp = s.Last.CreatedAt
			c.LastMessageID = s.Last.ID
			c.LastMessageStatus = s.Last.Status
			known[s.Last.ID] = struct{}{}
		}

		at, ok, err := r.tracker.Get(ctx, s.ContactID)
		if err != nil {
			return nil, nil, fmt.Errorf("read mark %s: %w", s.ContactID, err)
		}
		for _, m := range s.Messages {
			known[m.ID] = struct{}{}
			if m.Direction == Inbound && (!ok || m.CreatedAt.After(at)) {
				c.UnreadCount++
			}
		}
		convs = append(convs, c)
	}
	sortConversations(convs)
	return convs, known, nil
}

// OnMessageInserted applies a newly observed message.
func (r *Reconciler) OnMessageInserted(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		r.buffer(bus.OpInsert, m)
		return
	}
	if r.applyInsert(m, false) {
		r.state.sort()
		r.changed()
	}
}

// OnMessageUpdated applies a status or content change of a stored message.
// It never changes unread counts.
func (r *Reconciler) OnMessageUpdated(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		r.buffer(bus.OpUpdate, m)
		return
	}
	if r.applyUpdate(m) {
		r.state.sort()
		r.changed()
	}
}

// OnConversationOpened selects contactID, clears its unread count and
// advances its mark to the newest message. Calling it again is a no-op.
func (r *Reconciler) OnConversationOpened(contactID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.active = contactID
	if !r.ready {
		return
	}
	r.applyOpened(contactID)
	r.state.sort()
	r.changed()
}

// OnConversationClosed clears the selection. Messages seen while the
// conversation was open are acknowledged.
func (r *Reconciler) OnConversationClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.state.active
	r.state.active = ""
	if !r.ready || prev == "" {
		return
	}
	if i := r.state.index(prev); i >= 0 {
		r.acknowledge(&r.state.convs[i])
	}
	r.changed()
}

// Snapshot returns a copy of the current state.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.snapshot()
}

func (r *Reconciler) buffer(op string, m Message) {
	if len(r.pending) >= maxPending {
		r.logger.Warn("inbox buffer full, dropping oldest event", zap.String("scope", r.scope))
		r.pending = r.pending[1:]
	}
	r.pending = append(r.pending, pendingEvent{op: op, msg: m})
}

// applyInsert reports whether state changed. Messages already accounted
// for, by the bulk read or an earlier event, are ignored. A replayed message
// older than the fetched last message only affects the unread count.
func (r *Reconciler) applyInsert(m Message, replay bool) bool {
	if _, dup := r.seen[m.ID]; dup {
		return false
	}

	count := false
	if m.Direction == Inbound && m.ConversationID != r.state.active {
		ctx, cancel := context.WithTimeout(context.Background(), markTimeout)
		at, ok, err := r.tracker.Get(ctx, m.ConversationID)
		cancel()
		if err != nil {
			r.logger.Warn("skip inserted message: read mark failed",
				zap.String("contact_id", m.ConversationID), zap.String("message_id", m.ID), zap.Error(err))
			return false
		}
		count = !ok || m.CreatedAt.After(at)
	}

	r.seen[m.ID] = struct{}{}
	c := r.state.get(m.ConversationID)
	if !replay || !m.CreatedAt.Before(c.LastMessageTimestamp) {
		setLast(c, m)
	}
	if count {
		c.UnreadCount++
	}
	return true
}

func (r *Reconciler) applyUpdate(m Message) bool {
	c := r.state.get(m.ConversationID)
	changed := false
	if c.LastMessageID == m.ID && c.LastMessageStatus != m.Status {
		c.LastMessageStatus = m.Status
		changed = true
	}
	if !m.CreatedAt.Before(c.LastMessageTimestamp) {
		setLast(c, m)
		changed = true
	}
	return changed
}

func (r *Reconciler) applyOpened(contactID string) {
	c := r.state.get(contactID)
	c.UnreadCount = 0
	r.acknowledge(c)
}

func (r *Reconciler) acknowledge(c *Conversation) {
	if !c.HasMessages() {
		return
	}
	at := c.LastMessageTimestamp
	ctx, cancel := context.WithTimeout(context.Background(), markTimeout)
	defer cancel()
	if err := r.tracker.Set(ctx, c.ContactID, &at); err != nil {
		r.logger.Warn("failed to store last-seen mark", zap.String("contact_id", c.ContactID), zap.Error(err))
	}
}

func setLast(c *Conversation, m Message) {
	c.LastMessagePreview = Preview(m)
	c.LastMessageTimestamp = m.CreatedAt
	c.LastMessageID = m.ID
	c.LastMessageStatus = m.Status
}

func (r *Reconciler) changed() {
	if r.feed == nil {
		return
	}
	r.feed.Publish(bus.Event{
		Kind:      KindChanged,
		Timestamp: time.Now(),
		Payload:   Changed{Scope: r.scope, Snapshot: r.state.snapshot()},
	})
}
