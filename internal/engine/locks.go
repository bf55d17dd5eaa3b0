package engine

import "sync"

// rootLocks serializes sync runs per sync root within this process. The
// scheduler also claims accounts atomically, so this is the second line of
// defense against concurrent runs of the same root.
type rootLocks struct {
	mu   sync.Mutex
	held map[int64]bool
}

func newRootLocks() *rootLocks {
	return &rootLocks{held: make(map[int64]bool)}
}

// tryLock acquires the lock for a root. Returns false when already held.
func (l *rootLocks) tryLock(rootID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[rootID] {
		return false
	}

	l.held[rootID] = true

	return true
}

func (l *rootLocks) unlock(rootID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.held, rootID)
}
