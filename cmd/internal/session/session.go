// Package session holds the explicit current-user context consumed by the
// messaging and social layers. It replaces ad hoc global auth state with an
// injectable object carrying its own subscribe/notify contract.
package session

import (
	"sync"

	"prism/cmd/internal/store"
)

// User is the identity surface the core consumes from the external
// identity/session provider. Provisioning lives elsewhere.
type User struct {
	UID         string
	DisplayName string
	Username    string
	PhotoURL    string
	Email       string
}

// Session is a concurrency-safe current-user holder with change
// notifications. The zero value is not usable; construct with New.
type Session struct {
	mu     sync.Mutex
	user   *User
	subs   map[int64]func(*User)
	nextID int64
}

// New constructs an empty (signed-out) session.
func New() *Session {
	return &Session{subs: make(map[int64]func(*User))}
}

// Current returns the signed-in user, if any.
func (s *Session) Current() (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

// SetUser signs a user in and notifies subscribers.
func (s *Session) SetUser(u User) {
	s.mu.Lock()
	s.user = &u
	fns, snapshot := s.listeners()
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}

// Clear signs out and notifies subscribers with nil.
func (s *Session) Clear() {
	s.mu.Lock()
	s.user = nil
	fns, snapshot := s.listeners()
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}

// Subscribe registers fn, invokes it once with the current state, and returns
// an idempotent cancellation handle (same contract as store subscriptions).
func (s *Session) Subscribe(fn func(*User)) store.Unsubscribe {
	if fn == nil {
		return func() {}
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	var snapshot *User
	if s.user != nil {
		u := *s.user
		snapshot = &u
	}
	s.mu.Unlock()

	fn(snapshot)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// listeners snapshots registered callbacks and the current user.
// Caller must hold s.mu.
func (s *Session) listeners() ([]func(*User), *User) {
	fns := make([]func(*User), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	var snapshot *User
	if s.user != nil {
		u := *s.user
		snapshot = &u
	}
	return fns, snapshot
}
