package sessionstore

import "sync"

// LockMap gives each session id its own mutex, serializing
// read-modify-write sequences on one session without serializing unrelated
// sessions. Grounded verbatim on
// HyphaGroup-oubliette/internal/session/locks.go's SessionLockMap.
type LockMap struct {
	locks sync.Map // id -> *sync.Mutex
}

func (m *LockMap) getOrCreate(id string) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Lock acquires the per-session lock for id.
func (m *LockMap) Lock(id string) { m.getOrCreate(id).Lock() }

// Unlock releases the per-session lock for id.
func (m *LockMap) Unlock(id string) { m.getOrCreate(id).Unlock() }

// Delete removes the lock entry for id, to be called once a session is
// evicted so the map doesn't grow without bound.
func (m *LockMap) Delete(id string) { m.locks.Delete(id) }
