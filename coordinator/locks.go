package coordinator

import "sync"

// entityLocks hands out one mutex per entity id, so mutations to the same
// entity are strictly ordered while unrelated entities proceed fully
// concurrently. Locks are refcounted and removed when idle, keeping the
// map bounded by the number of in-flight mutations.
type entityLocks struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

func newEntityLocks() *entityLocks {
	return &entityLocks{locks: make(map[string]*entityLock)}
}

// acquire blocks until the entity's lock is held and returns the release
// function. A unit of work holds at most one entity lock at a time.
func (l *entityLocks) acquire(id string) func() {
	l.mu.Lock()
	el, ok := l.locks[id]
	if !ok {
		el = &entityLock{}
		l.locks[id] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()

	return func() {
		el.mu.Unlock()

		l.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
