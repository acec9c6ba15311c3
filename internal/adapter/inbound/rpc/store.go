// Package rpc implements the agent-facing session transport: one HTTP path
// speaking JSON-RPC with per-session identity carried in the Mcp-Session-Id
// header.
package rpc

import (
	"sync"
	"time"

	"github.com/trustgate/trustgate/internal/domain/session"
)

// SessionStore tracks live sessions. Sessions are independent; the store
// itself is the only shared state and is mutex-guarded.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*session.Session)}
}

// Create mints a new session for the given agent.
func (s *SessionStore) Create(agent session.AgentInfo) (*session.Session, error) {
	id, err := session.GenerateID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	sess := &session.Session{ID: id, Agent: agent, CreatedAt: now, LastAccess: now}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return sess, nil
}

// Get returns the session and refreshes its last-access time.
func (s *SessionStore) Get(id string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if ok {
		sess.LastAccess = time.Now()
	}
	return sess, ok
}

// Delete removes a session. Returns false when the id was unknown.
func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CloseAll drops every session. Called on shutdown.
func (s *SessionStore) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*session.Session)
}
