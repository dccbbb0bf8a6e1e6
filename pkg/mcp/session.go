package mcp

import (
	"encoding/json"
	"sync"
	"time"
)

// sessionQueueSize bounds each session's outbound message queue.
const sessionQueueSize = 64

// Session is one SSE client session: a long-lived event stream plus the
// POST endpoint sharing its id. The queue is owned exclusively by the
// session; producers are the POST dispatcher and the transport, the only
// consumer is the stream writer.
type Session struct {
	ID          string
	ConnectedAt time.Time

	queue chan any
	done  chan struct{}

	mu              sync.Mutex
	initialized     bool
	protocolVersion string
	clientInfo      json.RawMessage
	active          bool
	cancelled       []json.RawMessage
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:          id,
		ConnectedAt: now,
		queue:       make(chan any, sessionQueueSize),
		done:        make(chan struct{}),
		active:      true,
	}
}

// Push enqueues a message for delivery on the stream. Returns false when
// the session is closed or its queue is full; a full queue drops the
// message rather than blocking the producer.
func (s *Session) Push(msg any) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- msg:
		return true
	default:
		return false
	}
}

// SetInitialized marks the session ready for tools/* calls and records the
// negotiated protocol version and client info.
func (s *Session) SetInitialized(protocolVersion string, clientInfo json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	if protocolVersion != "" {
		s.protocolVersion = protocolVersion
	}
	if clientInfo != nil {
		s.clientInfo = clientInfo
	}
}

// SetClientInfo records the handshake parameters without initializing.
func (s *Session) SetClientInfo(protocolVersion string, clientInfo json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = protocolVersion
	s.clientInfo = clientInfo
}

// Initialized reports whether the client completed the handshake.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Active reports whether the session is still usable.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// RecordCancelled notes a request id the client asked to cancel. Purely
// advisory: in-flight stdio calls are not interrupted.
func (s *Session) RecordCancelled(requestID json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, requestID)
}

// CancelledCount returns how many cancellations the client has sent.
func (s *Session) CancelledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancelled)
}

// close marks the session inactive and wakes its stream writer. Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	wasActive := s.active
	s.active = false
	s.mu.Unlock()
	if wasActive {
		close(s.done)
	}
}

// SessionObserver is notified on session lifecycle; the metrics collector
// implements it.
type SessionObserver interface {
	SessionOpened()
	SessionClosed()
}

// SessionManager owns the session table.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	observer SessionObserver
	now      func() time.Time
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// SetObserver registers a lifecycle observer.
func (m *SessionManager) SetObserver(o SessionObserver) { m.observer = o }

// Create registers a new session under the given id, replacing any stale
// session with the same id.
func (m *SessionManager) Create(id string) *Session {
	s := newSession(id, m.now())
	m.mu.Lock()
	if old, ok := m.sessions[id]; ok {
		old.close()
	}
	m.sessions[id] = s
	m.mu.Unlock()
	if m.observer != nil {
		m.observer.SessionOpened()
	}
	return s
}

// Get retrieves a session by id.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove closes and deletes a session.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.close()
		if m.observer != nil {
			m.observer.SessionClosed()
		}
	}
}

// Count returns the number of registered sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll closes and removes every session; used at shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.close()
		if m.observer != nil {
			m.observer.SessionClosed()
		}
	}
}
