package inbox

import (
	"context"
	"sync"

	"github.com/TDXCORE/EmailApp/internal/bus"
	"go.uber.org/zap"
)

// Manager owns one Session per operator, started on first use.
type Manager struct {
	feed   *bus.Bus
	source Source
	marks  MarkStore
	own    Addresses
	logger *zap.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	sessions map[string]*entry
}

// entry is a session slot; ready closes once the bulk read has finished.
type entry struct {
	ready chan struct{}
	s     *Session
	err   error
}

// NewManager creates a session manager.
func NewManager(feed *bus.Bus, source Source, marks MarkStore, own Addresses, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		feed:     feed,
		source:   source,
		marks:    marks,
		own:      own,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*entry),
	}
}

// Session returns the running session for scope, starting it if needed.
// Concurrent callers for one scope share a single start; other scopes are
// not held up by it. A session whose bulk read fails is discarded so the
// next call retries.
func (m *Manager) Session(scope string) (*Session, error) {
	m.mu.Lock()
	if e, ok := m.sessions[scope]; ok {
		m.mu.Unlock()
		<-e.ready
		return e.s, e.err
	}
	if err := m.ctx.Err(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	e := &entry{ready: make(chan struct{})}
	m.sessions[scope] = e
	m.mu.Unlock()
	defer close(e.ready)

	s := NewSession(scope, m.feed, m.source, m.marks, m.own, m.logger)
	// Feed goroutines follow the manager's lifetime, not the request's.
	err := s.Start(m.ctx)

	m.mu.Lock()
	if err == nil {
		err = m.ctx.Err()
	}
	if err != nil {
		e.err = err
		if m.sessions[scope] == e {
			delete(m.sessions, scope)
		}
	} else {
		e.s = s
	}
	m.mu.Unlock()

	if err != nil {
		s.Stop()
		return nil, err
	}
	m.logger.Info("inbox session started", zap.String("scope", scope))
	return s, nil
}

// Sessions returns the number of live sessions.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.sessions {
		if e.s != nil {
			n++
		}
	}
	return n
}

// Stop ends every session. Sessions still starting stop themselves.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.cancel()
	var running []*Session
	for _, e := range m.sessions {
		if e.s != nil {
			running = append(running, e.s)
		}
	}
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()

	for _, s := range running {
		s.Stop()
	}
}
