package inbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type memMarks struct {
	mu   sync.Mutex
	m    map[string]time.Time
	sets int
}

func newMemMarks() *memMarks { return &memMarks{m: make(map[string]time.Time)} }

func (s *memMarks) GetMark(_ context.Context, scope, id string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.m[scope+"/"+id]
	return at, ok, nil
}

func (s *memMarks) SetMark(_ context.Context, scope, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[scope+"/"+id] = at
	s.sets++
	return nil
}

func (s *memMarks) ClearMark(_ context.Context, scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, scope+"/"+id)
	return nil
}

// fakeSource serves seeds from memory.
type fakeSource struct {
	names map[string]string
	msgs  []Message
	err   error
}

func (f *fakeSource) ContactIDs(context.Context) ([]string, error) {
	var ids []string
	for id := range f.names {
		ids = append(ids, id)
	}
	return ids, f.err
}

func (f *fakeSource) Conversations(_ context.Context, ids []string) ([]Seed, error) {
	if f.err != nil {
		return nil, f.err
	}
	var seeds []Seed
	for _, id := range ids {
		s := Seed{ContactID: id, DisplayName: f.names[id]}
		for i := range f.msgs {
			m := f.msgs[i]
			if m.ConversationID != id {
				continue
			}
			s.Messages = append(s.Messages, Ref{ID: m.ID, Direction: m.Direction, CreatedAt: m.CreatedAt})
			if s.Last == nil || !m.CreatedAt.Before(s.Last.CreatedAt) {
				s.Last = &m
			}
		}
		seeds = append(seeds, s)
	}
	return seeds, nil
}

func (f *fakeSource) History(_ context.Context, id string, limit int) ([]Message, error) {
	var out []Message
	for _, m := range f.msgs {
		if m.ConversationID == id {
			out = append(out, m)
		}
	}
	return out, nil
}

var errFetch = errors.New("fetch failed")

func text(id, contact string, dir Direction, at time.Time, body string) Message {
	st := StatusReceived
	if dir == Outbound {
		st = StatusSent
	}
	return Message{ID: id, ConversationID: contact, Direction: dir, Type: TypeText, Content: TextContent{Body: body}, Status: st, CreatedAt: at}
}

func find(convs []Conversation, id string) *Conversation {
	for i := range convs {
		if convs[i].ContactID == id {
			return &convs[i]
		}
	}
	return nil
}
