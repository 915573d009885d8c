package plock

import (
	"sync"
	"sync/atomic"
)

// Mutex is a durable mutual-exclusion lock. Its zero value (all bytes
// zero, as after a crash that never initialized anything) is a valid,
// unheld lock, since the embedded sync.Mutex's zero value is unheld. Once
// the stored generation differs from ProcessGeneration() (as after Bump),
// the next Lock/TryLock call reinitializes the embedded sync.Mutex.
type Mutex struct {
	generation atomic.Uint64
	inner      sync.Mutex
}

// ensure lazily reinitializes the embedded primitive if this lock's
// generation is stale relative to the process generation. Precondition:
// this must never run concurrently with an already-held lock from a
// previous generation, which holds because a generation bump only occurs
// at simulated-restart time, before concurrent traffic resumes (spec §5,
// "Recovery is single-threaded").
func (m *Mutex) ensure() {
	cur := ProcessGeneration()
	if m.generation.Load() == cur {
		return
	}
	m.inner = sync.Mutex{}
	m.generation.Store(cur)
}

// Lock acquires the mutex, blocking until available.
func (m *Mutex) Lock() {
	m.ensure()
	m.inner.Lock()
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() {
	m.inner.Unlock()
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	m.ensure()
	return m.inner.TryLock()
}
