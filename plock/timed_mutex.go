package plock

import (
	"time"

	"github.com/nbtaylor/ccpmem/internal/backoff"
)

// TimedMutex is a durable mutex that additionally supports bounded-wait
// acquisition. Contended TryLockFor/TryLockUntil calls retry TryLock with
// internal/backoff's exponential backoff, each sleep capped by the time
// left before the deadline.
type TimedMutex struct {
	m Mutex
}

// Lock acquires the mutex, blocking until available.
func (t *TimedMutex) Lock() { t.m.Lock() }

// Unlock releases the mutex.
func (t *TimedMutex) Unlock() { t.m.Unlock() }

// TryLock attempts to acquire the mutex without blocking.
func (t *TimedMutex) TryLock() bool { return t.m.TryLock() }

// TryLockFor attempts to acquire the mutex, giving up once d has elapsed.
// An uncontended lock is taken at once. Otherwise, on timeout it returns
// false without holding the lock; once the first attempt has failed it
// never reports success at or after the deadline (spec §4.2/§5).
func (t *TimedMutex) TryLockFor(d time.Duration) bool {
	return t.TryLockUntil(time.Now().Add(d))
}

// TryLockUntil attempts to acquire the mutex, giving up once deadline has
// passed.
func (t *TimedMutex) TryLockUntil(deadline time.Time) bool {
	if t.m.TryLock() {
		return true
	}
	b := backoff.New()
	for {
		now := time.Now()
		if !now.Before(deadline) {
			return false
		}
		remaining := deadline.Sub(now)
		wait := b.Next()
		if wait > remaining {
			wait = remaining
		}
		time.Sleep(wait)
		if time.Now().Before(deadline) && t.m.TryLock() {
			return true
		}
	}
}
