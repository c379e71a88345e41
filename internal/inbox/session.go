package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TDXCORE/EmailApp/internal/bus"
	"github.com/TDXCORE/EmailApp/internal/store"
	"go.uber.org/zap"
)

// KindThread is published when a message of the open conversation changes.
const KindThread = "inbox.thread"

// HistoryLimit is the number of messages loaded when a conversation opens.
const HistoryLimit = 200

// ThreadChanged is the payload of KindThread events.
type ThreadChanged struct {
	Scope     string
	ContactID string
	Op        string
	Message   Message
}

// Session is one viewer's live inbox: the conversation list plus the
// thread of the open conversation.
type Session struct {
	scope  string
	feed   *bus.Bus
	source Source
	own    Addresses
	rec    *Reconciler
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	thread    *Thread
	stopThread func()
}

// NewSession creates a session for viewer scope.
func NewSession(scope string, feed *bus.Bus, source Source, marks MarkStore, own Addresses, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("scope", scope))
	return &Session{
		scope:  scope,
		feed:   feed,
		source: source,
		own:    own,
		rec:    NewReconciler(scope, source, NewTracker(scope, marks), feed, logger),
		logger: logger,
	}
}

// Start subscribes to the message feed and then performs the bulk read.
// Events that arrive before the read completes are buffered and replayed.
func (s *Session) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	ch, unsub := s.feed.Subscribe(bus.TableNamespace(store.TableWAMessages), 256)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				s.handleFeed(evt)
			case <-ctx.Done():
				return
			}
		}
	}()

	return s.Refresh(ctx)
}

// Refresh reruns the bulk read.
func (s *Session) Refresh(ctx context.Context) error {
	ids, err := s.source.ContactIDs(ctx)
	if err != nil {
		return fmt.Errorf("list contacts: %w", err)
	}
	if _, err := s.rec.Initialize(ctx, ids); err != nil {
		return err
	}
	return nil
}

// Stop ends all subscriptions of the session.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopThread != nil {
		s.stopThread()
		s.stopThread = nil
	}
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Session) parse(evt bus.Event) (Message, bool) {
	row, ok := evt.Payload.(store.WAMessage)
	if !ok {
		s.logger.Warn("skip feed event with unexpected payload", zap.String("kind", evt.Kind))
		return Message{}, false
	}
	m, err := ParseRow(row, s.own)
	if err != nil {
		s.logger.Warn("skip unparseable feed event", zap.String("kind", evt.Kind), zap.Error(err))
		return Message{}, false
	}
	return m, true
}

func (s *Session) handleFeed(evt bus.Event) {
	m, ok := s.parse(evt)
	if !ok {
		return
	}
	switch evt.Op() {
	case bus.OpInsert:
		s.rec.OnMessageInserted(m)
	case bus.OpUpdate:
		s.rec.OnMessageUpdated(m)
	}
}

// Open selects contactID. The previous thread subscription is cancelled
// before the new one is made; history is then loaded into a fresh thread.
func (s *Session) Open(ctx context.Context, contactID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopThread != nil {
		s.stopThread()
		s.stopThread = nil
	}

	thread := NewThread(contactID)
	s.thread = thread
	s.stopThread = s.watchThread(thread)

	history, err := s.source.History(ctx, contactID, HistoryLimit)
	if err != nil {
		s.stopThread()
		s.stopThread = nil
		s.thread = nil
		return nil, fmt.Errorf("load history %s: %w", contactID, err)
	}
	for _, m := range history {
		thread.Insert(m)
	}
	s.rec.OnConversationOpened(contactID)
	return thread.Messages(), nil
}

// watchThread subscribes to rows where contactID is either end and applies
// them to thread. The returned func cancels the subscription.
func (s *Session) watchThread(thread *Thread) func() {
	id := thread.ContactID
	ch, unsub := s.feed.SubscribeFiltered(bus.TableNamespace(store.TableWAMessages), 64, func(e bus.Event) bool {
		row, ok := e.Payload.(store.WAMessage)
		return ok && (row.FromNumber == id || row.ToNumber == id)
	})
	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case evt := <-ch:
				s.applyThread(thread, evt)
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
}

func (s *Session) applyThread(thread *Thread, evt bus.Event) {
	m, ok := s.parse(evt)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.thread != thread {
		s.mu.Unlock()
		return
	}
	var changed bool
	switch evt.Op() {
	case bus.OpInsert:
		changed = thread.Insert(m)
	case bus.OpUpdate:
		changed = thread.Update(m)
	}
	s.mu.Unlock()

	if changed {
		s.feed.Publish(bus.Event{
			Kind:      KindThread,
			Timestamp: time.Now(),
			Payload:   ThreadChanged{Scope: s.scope, ContactID: thread.ContactID, Op: evt.Op(), Message: m},
		})
	}
}

// Close deselects the open conversation and cancels its subscription.
func (s *Session) Close() {
	s.mu.Lock()
	if s.stopThread != nil {
		s.stopThread()
		s.stopThread = nil
	}
	s.thread = nil
	s.mu.Unlock()
	s.rec.OnConversationClosed()
}

// Thread returns the messages of the open conversation, or nil.
func (s *Session) Thread() (string, []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.thread == nil {
		return "", nil
	}
	return s.thread.ContactID, s.thread.Messages()
}

// Snapshot returns the current conversation list.
func (s *Session) Snapshot() Snapshot {
	return s.rec.Snapshot()
}
