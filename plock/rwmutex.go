package plock

import (
	"sync"
	"sync/atomic"
)

// RWMutex is a durable shared/exclusive lock, used for the hash map's
// bucket accessor lock (spec §4.3: "bucket is a shared-exclusive lock").
// Same generation-checked lazy reinitialization as Mutex.
type RWMutex struct {
	generation atomic.Uint64
	inner      sync.RWMutex
}

func (m *RWMutex) ensure() {
	cur := ProcessGeneration()
	if m.generation.Load() == cur {
		return
	}
	m.inner = sync.RWMutex{}
	m.generation.Store(cur)
}

// Lock acquires the mutex for exclusive (write) access.
func (m *RWMutex) Lock() {
	m.ensure()
	m.inner.Lock()
}

// Unlock releases an exclusive lock.
func (m *RWMutex) Unlock() {
	m.inner.Unlock()
}

// RLock acquires the mutex for shared (read) access.
func (m *RWMutex) RLock() {
	m.ensure()
	m.inner.RLock()
}

// RUnlock releases a shared lock.
func (m *RWMutex) RUnlock() {
	m.inner.RUnlock()
}

// TryLock attempts to acquire the mutex exclusively without blocking.
func (m *RWMutex) TryLock() bool {
	m.ensure()
	return m.inner.TryLock()
}

// TryRLock attempts to acquire the mutex for shared access without
// blocking.
func (m *RWMutex) TryRLock() bool {
	m.ensure()
	return m.inner.TryRLock()
}
