// Package pmem defines the narrow interface the core consumes from a
// persistent-memory pool/allocator runtime (spec §6). The core never talks
// to a real pmem mapping directly; it only ever calls through this
// collaborator interface, so any conforming implementation (the in-memory
// reference one in pmem/heap, or eventually a real mmap-backed one) can
// back srp, txn, chmap and cskiplist unchanged.
package pmem

import (
	"errors"
	"unsafe"
)

// UUID identifies a pool across process restarts. Durable pointers that
// must survive a remap store a UUID+offset pair (or an SRP), never a raw
// address.
type UUID [16]byte

// Addr is a durable, pool-relative address: stable across the pool being
// reopened at a different base address.
type Addr struct {
	Pool   UUID
	Offset uint64
}

// IsNil reports whether addr is the null address.
func (a Addr) IsNil() bool { return a.Offset == 0 && a.Pool == UUID{} }

// TypeTag is an opaque allocation-type hint, passed through to the
// allocator for diagnostics/layout purposes. The core does not interpret
// it beyond passing it along.
type TypeTag uint32

const (
	TagHashMapBucket TypeTag = iota + 1
	TagHashMapNode
	TagHashMapSegment
	TagSkipListNode
	TagSkipListJournal
	TagGeneric
)

var (
	// ErrAllocFailed is returned when a transactional allocation cannot be
	// satisfied; the enclosing transaction must abort.
	ErrAllocFailed = errors.New("pmem: allocation failed")
	// ErrFreeFailed is returned when a transactional free cannot complete;
	// the enclosing transaction must abort.
	ErrFreeFailed = errors.New("pmem: free failed")
	// ErrNotPoolAddress reports an address that does not belong to any
	// known pool. PoolFromAddress/AddrOf report that case with a false
	// result rather than this error.
	ErrNotPoolAddress = errors.New("pmem: address does not belong to a pool")
)

// Transactor is the minimal view of a transaction that Pool needs: just
// enough to let Alloc/Free refuse to run outside the work phase, without
// pmem importing txn (which itself depends on pmem.Pool for snapshotting).
type Transactor interface {
	// InWorkPhase reports whether the calling transaction is currently
	// inside its WORK stage, the only stage Alloc/Free/Snapshot are legal.
	InWorkPhase() bool
}

// Pool is the allocator/pool collaborator interface named in spec §6.
type Pool interface {
	// UUID returns this pool's stable identifier.
	UUID() UUID

	// Alloc reserves size bytes tagged with tag, returning a durable
	// address. Must only be called while tx is in its WORK phase.
	Alloc(tx Transactor, size uintptr, tag TypeTag) (Addr, error)

	// Free releases the allocation at addr. Must only be called while tx
	// is in its WORK phase.
	Free(tx Transactor, addr Addr) error

	// Resolve returns the current in-process address backing addr, or nil
	// if addr is nil or unknown.
	Resolve(addr Addr) unsafe.Pointer

	// AddrOf is the inverse of Resolve: given a live pointer into this
	// pool, returns its durable address.
	AddrOf(ptr unsafe.Pointer) (Addr, bool)

	// Snapshot records the current bytes at ptr[:size] so a transaction
	// abort can restore them. Idempotent for overlapping ranges.
	Snapshot(tx Transactor, ptr unsafe.Pointer, size uintptr) error

	// Persist flushes+fences the byte range so it is crash-durable.
	Persist(ptr unsafe.Pointer, size uintptr)

	// Drain issues a fence with no flush.
	Drain()

	// PoolFromAddress infers which pool owns ptr, if any.
	PoolFromAddress(ptr unsafe.Pointer) (Pool, bool)
}
