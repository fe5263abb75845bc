package boarding

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex serializes operations that target the same entity while
// leaving unrelated keys free to proceed concurrently. Entries are
// refcounted and evicted when the last holder releases, so the map does
// not grow with the number of sessions ever touched.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// SessionLocks is the lock table shared by the tracker and the
// validator. Lifecycle mutations and scans that target the same session
// lock the same key, so a scan can never interleave with the close of
// the session it is boarding.
type SessionLocks struct {
	inner *keyedMutex
}

func NewSessionLocks() *SessionLocks {
	return &SessionLocks{inner: newKeyedMutex()}
}

func (l *SessionLocks) session(id string) func() {
	return l.inner.lock("session:" + id)
}

func (l *SessionLocks) pair(routeID, captainID string) func() {
	return l.inner.lock("pair:" + routeID + "/" + captainID)
}
