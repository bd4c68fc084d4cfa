package pipeline

import "sync"

// sessionLocks serializes turns within one session while distinct sessions
// proceed in parallel. Entries are reference counted and removed once the
// last holder releases, so the map does not accumulate locks for dead
// sessions.
type sessionLocks struct {
	mu   sync.Mutex
	held map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{held: make(map[string]*sessionLock)}
}

// acquire blocks until the caller holds the lock for sessionID.
func (s *sessionLocks) acquire(sessionID string) *sessionLock {
	s.mu.Lock()
	l := s.held[sessionID]
	if l == nil {
		l = &sessionLock{}
		s.held[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return l
}

func (s *sessionLocks) release(sessionID string, l *sessionLock) {
	l.mu.Unlock()

	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.held, sessionID)
	}
	s.mu.Unlock()
}
