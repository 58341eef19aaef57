// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Stasio Authors

package stasio

import "sync"

// sessionRegistry maps session id to its single Session instance. The lock
// guards only insert/remove/lookup, never transition execution: each session
// runs its own goroutine, so distinct sessions proceed fully in parallel
// while one session is never mutated from two goroutines.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*Session)}
}

// getOrCreate returns the session for id, constructing it with create on
// first sight. Reports whether a new session was created.
func (r *sessionRegistry) getOrCreate(id string, create func() *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s := create()
	r.sessions[id] = s
	return s, true
}

func (r *sessionRegistry) load(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// remove is safe to call from within the owning session's terminal
// transition.
func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *sessionRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *sessionRegistry) all() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
