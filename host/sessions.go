package host

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/hookvm/vm"
)

// Session is one request's execution context and the goroutine that owns
// it.
type Session struct {
	ID      string
	Name    string
	Created time.Time
	Worker  *Worker

	seq uint64
}

// Context returns the session's execution context.
func (s *Session) Context() *vm.ExecutionContext { return s.Worker.Context() }

// SessionStore manages sessions.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	nextSeq  uint64
	factory  func(id string) (*vm.ExecutionContext, time.Duration)
	onClose  func(*Session)
}

// NewSessionStore creates a session store. factory builds the execution
// context and job timeout for a new session; onClose, if set, runs before
// a session's context is reset.
func NewSessionStore(factory func(id string) (*vm.ExecutionContext, time.Duration), onClose func(*Session)) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		factory:  factory,
		onClose:  onClose,
	}
}

// Create creates a new session with an optional name.
func (s *SessionStore) Create(name string) *Session {
	id := uuid.NewString()
	ec, timeout := s.factory(id)

	session := &Session{
		ID:      id,
		Name:    name,
		Created: time.Now(),
		Worker:  NewWorker(ec, timeout),
	}

	s.mu.Lock()
	s.nextSeq++
	session.seq = s.nextSeq
	s.sessions[id] = session
	s.mu.Unlock()

	logger.Debugf("session %s (%s) created", id, name)
	return session
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	return session, ok
}

// List returns all sessions, oldest first.
func (s *SessionStore) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Interrupt interrupts the session's running job at its next hook.
func (s *SessionStore) Interrupt(id, reason string) error {
	session, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("interrupt: unknown session %s", id)
	}
	session.Context().Interrupt(reason)
	return nil
}

// InterruptAll interrupts every session.
func (s *SessionStore) InterruptAll(reason string) {
	for _, session := range s.List() {
		session.Context().Interrupt(reason)
	}
}

// Each calls fn for every session.
func (s *SessionStore) Each(fn func(*Session)) {
	for _, session := range s.List() {
		fn(session)
	}
}

// Destroy stops a session's worker and resets its context. Returns false
// if the session does not exist.
func (s *SessionStore) Destroy(id string) bool {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.close(session)
	return true
}

func (s *SessionStore) close(session *Session) {
	session.Worker.Stop()
	if s.onClose != nil {
		s.onClose(session)
	}
	session.Context().Reset()
	logger.Debugf("session %s destroyed", session.ID)
}

// Shutdown interrupts and destroys every session concurrently. It returns
// ctx's error if ctx ends first.
func (s *SessionStore) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		all = append(all, session)
	}
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, session := range all {
		g.Go(func() error {
			session.Context().Interrupt("shutdown")
			done := make(chan struct{})
			go func() {
				s.close(session)
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("session %s: %w", session.ID, gctx.Err())
			}
		})
	}
	return g.Wait()
}
