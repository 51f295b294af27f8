package lockmgr

import (
	"sync"
)

// Manager hands out one mutual-exclusion lock per project id. Locks are
// created lazily; the creation map itself is guarded by a single meta-lock so
// two callers racing on a never-before-seen id cannot end up with two
// different locks.
//
// Every state-mutating operation on a project must run entirely inside
// WithLock: reload from disk, mutate in memory, save — in that order, with no
// unlocked gap. Each operation holds at most one project lock and never waits
// on a second project's lock, so no deadlock is possible.
type Manager struct {
	mu    sync.Mutex // meta-lock guarding the map only
	locks map[string]*sync.Mutex
}

func New() *Manager {
	return &Manager{
		locks: make(map[string]*sync.Mutex),
	}
}

// get returns the lock for a project id, creating it on first use.
func (m *Manager) get(projectID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[projectID] = lock
	}
	return lock
}

// WithLock runs fn while holding the project's lock. The lock is released on
// every exit path, including a panic inside fn. Acquisition blocks until any
// in-flight mutation on the same project completes.
func (m *Manager) WithLock(projectID string, fn func() error) error {
	lock := m.get(projectID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}
