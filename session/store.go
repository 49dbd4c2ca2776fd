package session

import (
	"sync"
	"sync/atomic"
)

// Token identifies one resolution started with [Store.Begin]. Tokens increase
// monotonically per Store.
type Token uint64

type subscriber struct {
	id uint64
	fn func(State)
}

// Store holds the current [State]. Reads are lock-free; writes are serialised and
// each one publishes a new snapshot and notifies subscribers in registration order.
type Store struct {
	current atomic.Pointer[State]

	mu        sync.Mutex
	version   uint64
	nextToken uint64
	committed uint64
	inflight  int
	nextSub   uint64
	subs      []subscriber
}

// NewStore returns a Store with no user and loading unset.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&State{})
	return s
}

// State returns the current snapshot. The returned User must be treated as read-only.
func (s *Store) State() State {
	return *s.current.Load()
}

// User returns the current user, or nil.
func (s *Store) User() *User {
	return s.current.Load().User
}

// Loading reports whether a resolution is in flight.
func (s *Store) Loading() bool {
	return s.current.Load().Loading
}

// SetUser replaces the held user.
func (s *Store) SetUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(u.clone(), s.current.Load().Loading)
}

// SetLoading sets the loading flag.
func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(s.current.Load().User, loading)
}

// Begin starts a resolution: it sets loading and returns a fresh token.
func (s *Store) Begin() Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextToken++
	s.inflight++
	s.publishLocked(s.current.Load().User, true)
	return Token(s.nextToken)
}

// Commit finishes the resolution identified by t and publishes u unless a
// resolution with a newer token has already committed. It reports whether u was
// published. Loading is cleared once no resolution remains in flight.
func (s *Store) Commit(t Token, u *User) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finishLocked()
	if uint64(t) <= s.committed {
		s.publishLocked(s.current.Load().User, s.inflight > 0)
		return false
	}
	s.committed = uint64(t)
	s.publishLocked(u.clone(), s.inflight > 0)
	return true
}

// Abandon finishes the resolution identified by t without publishing a user.
func (s *Store) Abandon(t Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finishLocked()
	s.publishLocked(s.current.Load().User, s.inflight > 0)
}

// Subscribe registers fn to receive every published snapshot. fn runs while the
// writer lock is held and must not write to the Store.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Store) finishLocked() {
	if s.inflight > 0 {
		s.inflight--
	}
}

func (s *Store) publishLocked(u *User, loading bool) {
	s.version++
	next := &State{User: u, Loading: loading, Version: s.version}
	s.current.Store(next)
	for _, sub := range s.subs {
		sub.fn(*next)
	}
}
