package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSessionLimit is returned by [Registry.Add] when the process-wide cap
// on concurrent sessions is reached.
var ErrSessionLimit = errors.New("session: concurrent session limit reached")

// Registry is the single source of truth for live sessions. Workers and
// handlers hold session identifiers, not owning references; a session that
// is absent here is gone. The lock guards the map only and is never held
// across I/O.
type Registry struct {
	mu       sync.RWMutex
	max      int
	sessions map[string]*Session
}

// NewRegistry creates a registry capping concurrent sessions at max;
// max <= 0 means unlimited.
func NewRegistry(max int) *Registry {
	return &Registry{max: max, sessions: make(map[string]*Session)}
}

// Add inserts s, failing when the cap is reached or the identifier is
// already live.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.sessions) >= r.max {
		return ErrSessionLimit
	}
	if _, exists := r.sessions[s.ID()]; exists {
		return fmt.Errorf("session: id %s already registered", s.ID())
	}
	r.sessions[s.ID()] = s
	return nil
}

// SetMax replaces the concurrency cap; max <= 0 means unlimited. Sessions
// already above a lowered cap stay live, the cap applies to new adds.
func (r *Registry) SetMax(max int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.max = max
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops id from the registry. Safe to call for identifiers that
// are already gone.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of the live sessions, for shutdown sweeps.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
