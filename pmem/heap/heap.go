// Package heap is the in-memory reference implementation of pmem.Pool. It
// stands in for a real pmem mapping/allocator runtime: each allocation is a
// separate Go allocation registered under a stable pool-relative address
// in an address table, Persist/Drain are counted
// no-ops (there is no cacheline flush to a Go heap), and Snapshot keeps an
// undo log per transaction so that AbortSnapshots can replay it — modeled
// directly on the undo-log shape in the go-pmem-transaction reference
// (log entries of {ptr, data, size}, replayed back-to-front on abort).
//
// Crash simulation: WithFaultAfter/InjectCrash record a simulated crash
// (WithFaultAfter at a chosen mutating-operation count, also calling its
// onFault callback) that tests can query with Crashed. Neither stops or
// fails the operation in flight; the pool keeps accepting calls.
package heap

import (
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/nbtaylor/ccpmem/pmem"
)

// Pool is an in-memory pmem.Pool backed by pointer-stable Go allocations
// registered in an address table.
type Pool struct {
	uuid pmem.UUID

	mu       sync.RWMutex
	byAddr   map[uint64]unsafe.Pointer
	byPtr    map[unsafe.Pointer]uint64
	sizes    map[uint64]uintptr
	nextAddr uint64

	undoMu sync.Mutex
	undo   map[pmem.Transactor][]snapshotEntry

	persistCount atomic.Int64
	drainCount   atomic.Int64

	faultAfter  atomic.Int64 // <=0 disables fault injection
	opCount     atomic.Int64
	crashed     atomic.Bool
	onFault     func()
}

type snapshotEntry struct {
	addr uint64
	ptr  unsafe.Pointer
	data []byte
}

// Option configures a new Pool.
type Option func(*Pool)

// WithFaultAfter arms the pool to invoke InjectCrash automatically once n
// mutating operations (Alloc/Free/Snapshot/Persist) have been observed.
// Used by crash-recovery tests to land a simulated crash at a specific
// step without hand-threading a counter through the container code.
func WithFaultAfter(n int64, onFault func()) Option {
	return func(p *Pool) {
		p.faultAfter.Store(n)
		p.onFault = onFault
	}
}

// New creates a fresh in-memory pool with a random UUID.
func New(opts ...Option) *Pool {
	p := &Pool{
		byAddr: make(map[uint64]unsafe.Pointer),
		byPtr:  make(map[unsafe.Pointer]uint64),
		sizes:  make(map[uint64]uintptr),
		undo:   make(map[pmem.Transactor][]snapshotEntry),
		// offset 0 is reserved for nil.
		nextAddr: 1,
	}
	if _, err := rand.Read(p.uuid[:]); err != nil {
		panic(fmt.Sprintf("heap: failed to generate pool uuid: %v", err))
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pool) UUID() pmem.UUID { return p.uuid }

func (p *Pool) tick() {
	n := p.opCount.Add(1)
	fa := p.faultAfter.Load()
	if fa > 0 && n == fa && p.crashed.CompareAndSwap(false, true) {
		if p.onFault != nil {
			p.onFault()
		}
	}
}

// InjectCrash marks the pool as crashed; subsequent mutating calls still
// succeed (we are simulating a crash observed by a *caller*, not poisoning
// the arena); callers query the flag with Crashed. There is no call that
// clears it.
func (p *Pool) InjectCrash() { p.crashed.Store(true) }

// Crashed reports whether a simulated crash has been recorded.
func (p *Pool) Crashed() bool { return p.crashed.Load() }

// Alloc implements pmem.Pool.
func (p *Pool) Alloc(tx pmem.Transactor, size uintptr, tag pmem.TypeTag) (pmem.Addr, error) {
	if !tx.InWorkPhase() {
		return pmem.Addr{}, fmt.Errorf("heap: alloc outside work phase: %w", pmem.ErrAllocFailed)
	}
	buf := make([]byte, size)
	var ptr unsafe.Pointer
	if size == 0 {
		// zero-size allocations still need a unique, non-nil handle.
		ptr = unsafe.Pointer(&buf)
	} else {
		ptr = unsafe.Pointer(&buf[0])
	}

	p.mu.Lock()
	addr := p.nextAddr
	p.nextAddr++
	p.byAddr[addr] = ptr
	p.byPtr[ptr] = addr
	p.sizes[addr] = size
	p.mu.Unlock()

	p.tick()
	return pmem.Addr{Pool: p.uuid, Offset: addr}, nil
}

// Free implements pmem.Pool.
func (p *Pool) Free(tx pmem.Transactor, addr pmem.Addr) error {
	if !tx.InWorkPhase() {
		return fmt.Errorf("heap: free outside work phase: %w", pmem.ErrFreeFailed)
	}
	if addr.IsNil() {
		return nil
	}
	p.mu.Lock()
	ptr, ok := p.byAddr[addr.Offset]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("heap: free of unknown address %d: %w", addr.Offset, pmem.ErrFreeFailed)
	}
	delete(p.byAddr, addr.Offset)
	delete(p.byPtr, ptr)
	delete(p.sizes, addr.Offset)
	p.mu.Unlock()

	p.tick()
	return nil
}

// Resolve implements pmem.Pool.
func (p *Pool) Resolve(addr pmem.Addr) unsafe.Pointer {
	if addr.IsNil() {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byAddr[addr.Offset]
}

// AddrOf implements pmem.Pool.
func (p *Pool) AddrOf(ptr unsafe.Pointer) (pmem.Addr, bool) {
	if ptr == nil {
		return pmem.Addr{}, true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	off, ok := p.byPtr[ptr]
	if !ok {
		return pmem.Addr{}, false
	}
	return pmem.Addr{Pool: p.uuid, Offset: off}, true
}

// Snapshot implements pmem.Pool: records the current bytes at ptr so a
// later AbortSnapshots call can restore them. Idempotent for a range
// already covered by an earlier snapshot in the same transaction.
func (p *Pool) Snapshot(tx pmem.Transactor, ptr unsafe.Pointer, size uintptr) error {
	if !tx.InWorkPhase() {
		return fmt.Errorf("heap: snapshot outside work phase")
	}
	addr, _ := p.AddrOf(ptr)

	p.undoMu.Lock()
	defer p.undoMu.Unlock()
	for _, e := range p.undo[tx] {
		if e.ptr == ptr && uintptr(len(e.data)) >= size {
			// Already snapshotted this range in this transaction.
			return nil
		}
	}
	data := make([]byte, size)
	src := unsafe.Slice((*byte)(ptr), size)
	copy(data, src)
	p.undo[tx] = append(p.undo[tx], snapshotEntry{addr: addr.Offset, ptr: ptr, data: data})

	p.tick()
	return nil
}

// CommitSnapshots discards the undo log recorded for tx.
func (p *Pool) CommitSnapshots(tx pmem.Transactor) {
	p.undoMu.Lock()
	delete(p.undo, tx)
	p.undoMu.Unlock()
}

// AbortSnapshots replays the undo log recorded for tx, last write first,
// restoring the original bytes, then discards the log.
func (p *Pool) AbortSnapshots(tx pmem.Transactor) {
	p.undoMu.Lock()
	entries := p.undo[tx]
	delete(p.undo, tx)
	p.undoMu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		dst := unsafe.Slice((*byte)(e.ptr), len(e.data))
		copy(dst, e.data)
	}
}

// Persist implements pmem.Pool as a counted no-op: there is no cacheline
// to flush on the Go heap, but tests assert persistCount ordering to
// stand in for what a real target would check with pmemcheck/pmreorder.
func (p *Pool) Persist(ptr unsafe.Pointer, size uintptr) {
	_ = ptr
	_ = size
	p.persistCount.Add(1)
	p.tick()
}

// Drain implements pmem.Pool as a counted no-op fence.
func (p *Pool) Drain() {
	p.drainCount.Add(1)
}

// PersistCount returns how many Persist calls have been observed so far;
// exposed for tests asserting persist-before-next-write ordering.
func (p *Pool) PersistCount() int64 { return p.persistCount.Load() }

// PoolFromAddress implements pmem.Pool.
func (p *Pool) PoolFromAddress(ptr unsafe.Pointer) (pmem.Pool, bool) {
	p.mu.RLock()
	_, ok := p.byPtr[ptr]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return p, true
}
