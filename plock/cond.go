package plock

import "sync"

// Cond is a durable condition variable. Wait releases and re-acquires the
// associated Mutex atomically with respect to Signal/Broadcast, exactly as
// sync.Cond already guarantees — so Cond is a thin wrapper rather than a
// reimplementation. It keeps no generation word of its own and relies on
// mu's generation check.
type Cond struct {
	mu *Mutex
	c  *sync.Cond
}

// NewCond returns a Cond whose Wait releases and re-acquires mu.
func NewCond(mu *Mutex) *Cond {
	mu.ensure()
	return &Cond{mu: mu, c: sync.NewCond(&mu.inner)}
}

// Wait releases mu, blocks until signaled, then re-acquires mu.
func (c *Cond) Wait() {
	c.c.Wait()
}

// Signal wakes one goroutine waiting on c, if any.
func (c *Cond) Signal() {
	c.c.Signal()
}

// Broadcast wakes all goroutines waiting on c, if any.
func (c *Cond) Broadcast() {
	c.c.Broadcast()
}
