package mission

import (
	"sync"
	"time"
)

type lockEntry struct {
	at     time.Time
	source string
}

// continuationLock allows one continuation per session at a time. A lock
// older than staleAfter is taken over.
type continuationLock struct {
	mu         sync.Mutex
	held       map[string]lockEntry
	staleAfter time.Duration
	now        func() time.Time
}

func newContinuationLock(staleAfter time.Duration) *continuationLock {
	return &continuationLock{
		held:       make(map[string]lockEntry),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// tryAcquire takes the lock for sessionID. It returns the current holder
// when the lock is busy.
func (l *continuationLock) tryAcquire(sessionID, source string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[sessionID]; ok && now.Sub(e.at) < l.staleAfter {
		return false, e.source
	}
	l.held[sessionID] = lockEntry{at: now, source: source}
	return true, ""
}

func (l *continuationLock) release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, sessionID)
}
