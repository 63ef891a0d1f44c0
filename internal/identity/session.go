// Package identity tells the sync engine who it is working for.
package identity

import "sync"

// Provider notifies subscribers when the signed-in owner changes. An empty
// ownerID means signed out. The returned function cancels the subscription.
type Provider interface {
	OnIdentityChange(fn func(ownerID string)) (cancel func())
}

// Current is implemented by providers that can report the signed-in owner.
type Current interface {
	Current() string
}

// Session is an in-process Provider. Callbacks run synchronously, in
// registration order, on the goroutine that changed the identity.
type Session struct {
	mu     sync.Mutex
	owner  string
	nextID int
	subs   map[int]func(string)
	order  []int
	emitMu sync.Mutex
}

func NewSession() *Session {
	return &Session{subs: make(map[int]func(string))}
}

func (s *Session) OnIdentityChange(fn func(ownerID string)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
}

// Current returns the signed-in owner, or "" when signed out.
func (s *Session) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// SignIn switches to ownerID. Signing in as the current owner is a no-op.
// Switching directly between owners signs the previous one out first.
func (s *Session) SignIn(ownerID string) {
	if ownerID == "" {
		s.SignOut()
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	prev := s.swap(ownerID)
	if prev == ownerID {
		return
	}
	if prev != "" {
		s.emit("")
	}
	s.emit(ownerID)
}

// SignOut clears the owner. Signing out twice is a no-op.
func (s *Session) SignOut() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.swap("") == "" {
		return
	}
	s.emit("")
}

func (s *Session) swap(owner string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.owner
	s.owner = owner
	return prev
}

func (s *Session) emit(owner string) {
	s.mu.Lock()
	fns := make([]func(string), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(owner)
	}
}
