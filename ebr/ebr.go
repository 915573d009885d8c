// Package ebr implements the epoch-based reclamation scheme from
// spec.md §4.5: a process-wide registry of workers, each with a local
// epoch word; a single coordinator advances a 3-phase global epoch once
// every active worker has observed it, and objects retired in epoch e
// become safe to destroy once two further successful syncs have occurred.
package ebr

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrDuplicateWorker is returned by Domain.Register when the caller's key
// already has a registered worker.
var ErrDuplicateWorker = errors.New("ebr: worker already registered for this key")

const (
	active    = uint64(1) << 63
	epochMask = active - 1
	numEpochs = 3
)

// Worker is a single registered participant. Obtained from
// Domain.Register; Critical brackets any read of epoch-protected state.
type Worker struct {
	domain *Domain
	local  atomic.Uint64
}

// Critical runs f with the worker marked active in the domain's current
// global epoch, so the coordinator's Sync will not advance past it mid-
// read. f must not block indefinitely.
func (w *Worker) Critical(f func()) {
	g := w.domain.global.Load()
	w.local.Store(g | active)
	defer w.local.Store(0)
	f()
}

// Domain is a registry of workers sharing one global epoch counter.
type Domain struct {
	mu      sync.Mutex
	workers map[interface{}]*Worker
	global  atomic.Uint64

	retireMu sync.Mutex
	staged   [numEpochs][]func()
}

// NewDomain returns an empty EBR domain.
func NewDomain() *Domain {
	return &Domain{workers: make(map[interface{}]*Worker)}
}

// Register adds a new worker under key (any stable, comparable identity
// for the calling goroutine — Go has no public goroutine id, so callers
// supply their own, e.g. a *int they own or a request-scoped token).
// Registering the same key twice fails with ErrDuplicateWorker.
func (d *Domain) Register(key interface{}) (*Worker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.workers[key]; exists {
		return nil, ErrDuplicateWorker
	}
	w := &Worker{domain: d}
	d.workers[key] = w
	return w, nil
}

// Deregister removes the worker registered under key, if any.
func (d *Domain) Deregister(key interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.workers, key)
}

// GlobalEpoch returns the current global epoch (0, 1 or 2).
func (d *Domain) GlobalEpoch() uint64 {
	return d.global.Load()
}

// StagingEpoch returns the epoch new retirements should be staged under:
// the current global epoch.
func (d *Domain) StagingEpoch() uint64 {
	return d.GlobalEpoch()
}

// GCEpoch returns the epoch whose staged retirements are now safe to
// reclaim: (global + 1) mod 3, per spec.md §4.5.
func (d *Domain) GCEpoch() uint64 {
	return (d.GlobalEpoch() + 1) % numEpochs
}

// Sync is called by a single coordinator goroutine. It advances the
// global epoch by one (mod 3) iff every active worker has observed the
// current epoch; returns whether it advanced. On a successful advance,
// any finalizers staged two epochs ago (now safely unreachable by every
// worker) are run.
func (d *Domain) Sync() bool {
	d.mu.Lock()
	cur := d.global.Load()
	for _, w := range d.workers {
		local := w.local.Load()
		if local&active == 0 {
			continue
		}
		if local&epochMask != cur {
			d.mu.Unlock()
			return false
		}
	}
	next := (cur + 1) % numEpochs
	d.global.Store(next)
	d.mu.Unlock()

	d.reclaim(next)
	return true
}

// FullSync loops until three consecutive successful syncs occur,
// guaranteeing any pre-existing staged work (regardless of which epoch it
// was staged under) is now safe.
func (d *Domain) FullSync() {
	consecutive := 0
	for consecutive < numEpochs {
		if d.Sync() {
			consecutive++
		} else {
			consecutive = 0
		}
	}
}

// Retire defers fn until the epoch it was staged under (StagingEpoch, at
// call time) has been garbage-collected — i.e. after two successful syncs
// have advanced past it. Typically fn closes over (and frees/drops) an
// object just unlinked from a concurrent structure.
func (d *Domain) Retire(fn func()) {
	e := d.StagingEpoch()
	d.retireMu.Lock()
	d.staged[e] = append(d.staged[e], fn)
	d.retireMu.Unlock()
}

// reclaim runs and clears the finalizers staged under the epoch that is
// now two syncs in the past relative to newGlobal, i.e. GCEpoch() as of
// the just-completed advance.
func (d *Domain) reclaim(newGlobal uint64) {
	gc := (newGlobal + 1) % numEpochs
	d.retireMu.Lock()
	fns := d.staged[gc]
	d.staged[gc] = nil
	d.retireMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
