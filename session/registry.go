// Package session tracks active search sessions so stop requests can
// find the goroutine doing the work.
//
// Sessions are stateless across requests: the registry holds only what
// is needed to cancel a running loop, never conversation history.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrDuplicateSession is returned by Create when the session id is
// already active.
var ErrDuplicateSession = errors.New("session: id already active")

// Session is one active search run.
type Session struct {
	ID           string
	ConnectionID string
	Query        string
	CreatedAt    time.Time

	cancel context.CancelFunc
}

// Registry is the concurrent map of active sessions.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create registers a session and returns a context derived from parent
// that Stop cancels. Duplicate active ids are rejected.
func (r *Registry) Create(parent context.Context, sessionID, connectionID, query string) (context.Context, *Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:           sessionID,
		ConnectionID: connectionID,
		Query:        query,
		CreatedAt:    time.Now().UTC(),
		cancel:       cancel,
	}
	r.sessions[sessionID] = s
	r.logger.Info("session created", "session_id", sessionID, "connection_id", connectionID)
	return ctx, s, nil
}

// Stop cancels a session. The stop is acknowledged even when the
// session already finished: from the client's view the outcome is the
// same, the session is not running.
func (r *Registry) Stop(sessionID string) bool {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		s.cancel()
		r.logger.Info("session stopped", "session_id", sessionID)
	}
	return true
}

// Remove drops a finished session and releases its cancel func.
// Idempotent.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// Get returns an active session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Len reports the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
