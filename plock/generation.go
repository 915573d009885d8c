// Package plock implements the persistent lock family from spec.md §4.2:
// mutex, shared (rw) mutex, timed mutex and condition variable. The locks
// carry a durable generation word so that zero-initialized bytes after
// a crash restart are a valid un-held lock; the condition variable relies
// on its mutex's generation word. On first use after a restart,
// if the stored generation differs from the process's current generation,
// the embedded OS primitive is lazily re-initialized before acquisition.
package plock

import "sync/atomic"

// processGeneration is bumped once per simulated process restart. Tests
// call Bump to emulate "the process restarted" without actually forking,
// since everything here runs in a single Go test binary.
var processGeneration atomic.Uint64

// Bump advances the process generation, simulating a restart: every lock
// whose stored generation is now stale will lazily reinitialize on next
// use instead of trusting potentially-torn in-memory lock state.
func Bump() uint64 {
	return processGeneration.Add(1)
}

// ProcessGeneration returns the current process generation.
func ProcessGeneration() uint64 {
	return processGeneration.Load()
}
