package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Filter is a row predicate evaluated before an event is delivered to a
// subscriber. A nil Filter matches everything.
type Filter func(Event) bool

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// It doubles as the realtime change feed: the store publishes one event per
// row insert/update under TableKind(table, op).
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Int64
}

type subscription struct {
	namespace string
	filter    Filter
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// event.Kind and whose filter accepts it.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Subscriber is full; drop rather than block the publisher.
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.SubscribeFiltered(namespace, bufSize, nil)
}

// SubscribeFiltered is Subscribe with a row predicate.
// The unsubscribe function is safe to call more than once.
func (b *Bus) SubscribeFiltered(namespace string, bufSize int, filter Filter) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, filter: filter, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
