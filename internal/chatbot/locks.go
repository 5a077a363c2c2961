package chatbot

import "sync"

// sessionLocks hands out one mutex per session id so turns within a
// session serialize while distinct sessions proceed in parallel.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sync.Mutex)}
}

// get returns the mutex for a session, creating it on first use.
// Mutexes live for the process lifetime; session ids are few enough
// that reclaiming them is not worth the bookkeeping.
func (l *sessionLocks) get(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	return m
}
