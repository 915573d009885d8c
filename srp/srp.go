// Package srp implements the self-relative pointer from spec.md §4.1: a
// durable reference encoded as an offset from its own storage location
// (or, in this Go port, as a pool-relative address resolved through a
// pmem.Pool — see SPEC_FULL.md §4.1 for why true raw-address arithmetic
// against a Go-managed arena isn't the idiomatic rendition here).
//
// Because the stored value is a pool-relative address rather than an
// offset from the Ptr's own location, moving a Ptr within the same pool
// does not change its target; Rebase only rebinds the pool a Ptr resolves
// through.
package srp

import (
	"sync/atomic"

	"github.com/nbtaylor/ccpmem/pmem"
)

// Ptr is a self-relative pointer to a T living in pool. The zero value is
// null (off == 0), matching spec.md's "off == 0 means null" invariant.
type Ptr[T any] struct {
	pool pmem.Pool
	off  atomic.Uint64 // low bit: user tag; remaining bits: pmem.Addr.Offset+1, or 0 for null.
}

const tagBit = uint64(1)

// Bind associates p with pool; must be called before Store/Load on a
// freshly zero-valued Ptr embedded in newly allocated durable memory.
func (p *Ptr[T]) Bind(pool pmem.Pool) {
	p.pool = pool
}

func encode(addr pmem.Addr, tag bool) uint64 {
	if addr.IsNil() {
		if tag {
			return tagBit
		}
		return 0
	}
	v := (addr.Offset + 1) << 1
	if tag {
		v |= tagBit
	}
	return v
}

func decode(v uint64) (offset uint64, isNil bool) {
	raw := v >> 1
	if raw == 0 {
		return 0, true
	}
	return raw - 1, false
}

// Store sets p to point at target (nil clears it), preserving the current
// tag bit.
func (p *Ptr[T]) Store(target *T) {
	p.StoreTagged(target, p.Tag())
}

// StoreTagged sets p to point at target and sets the opaque user tag bit
// in one atomic write, release-ordered with respect to Load.
func (p *Ptr[T]) StoreTagged(target *T, tag bool) {
	if target == nil {
		p.off.Store(encode(pmem.Addr{}, tag))
		return
	}
	addr, ok := p.pool.AddrOf(ptrOf(target))
	if !ok {
		panic("srp: target does not belong to the bound pool")
	}
	p.off.Store(encode(addr, tag))
}

// Load returns the pointee, or nil if p is null. Acquire-ordered with
// respect to Store.
func (p *Ptr[T]) Load() *T {
	v := p.off.Load()
	offset, isNil := decode(v)
	if isNil {
		return nil
	}
	addr := pmem.Addr{Pool: p.pool.UUID(), Offset: offset}
	raw := p.pool.Resolve(addr)
	return (*T)(raw)
}

// Tag returns the opaque user tag bit (spec.md: distinguishes, e.g., leaf
// vs. internal node in the skip list's tagged union).
func (p *Ptr[T]) Tag() bool {
	return p.off.Load()&tagBit != 0
}

// SetTag sets the opaque user tag bit without disturbing the target.
func (p *Ptr[T]) SetTag(tag bool) {
	for {
		old := p.off.Load()
		var neu uint64
		if tag {
			neu = old | tagBit
		} else {
			neu = old &^ tagBit
		}
		if p.off.CompareAndSwap(old, neu) {
			return
		}
	}
}

// CompareAndSwap atomically sets p to new if it currently points at old,
// preserving the tag bit. Returns whether the swap took place.
func (p *Ptr[T]) CompareAndSwap(old, new *T) bool {
	tag := p.Tag()
	oldAddr, oldNil := p.targetAddr(old)
	oldV := encode(oldAddr, tag)
	if oldNil {
		oldV = encode(pmem.Addr{}, tag)
	}
	newAddr, newNil := p.targetAddr(new)
	newV := encode(newAddr, tag)
	if newNil {
		newV = encode(pmem.Addr{}, tag)
	}
	return p.off.CompareAndSwap(oldV, newV)
}

func (p *Ptr[T]) targetAddr(t *T) (pmem.Addr, bool) {
	if t == nil {
		return pmem.Addr{}, true
	}
	addr, ok := p.pool.AddrOf(ptrOf(t))
	if !ok {
		panic("srp: target does not belong to the bound pool")
	}
	return addr, false
}

// FetchAdd shifts the pmem.Addr offset p points at by delta units
// (clamped at zero), returning the previous raw offset value. The unit is
// whatever the pool's address space counts: in pmem/heap each offset is
// one allocation, not one byte or one element of T. This is the Go-native
// rendition of spec.md's "underlying integer offset is mutated so the
// caller can walk arrays relative to the same anchor".
func (p *Ptr[T]) FetchAdd(delta int64) int64 {
	for {
		old := p.off.Load()
		offset, isNil := decode(old)
		if isNil {
			// Nothing to add to; callers walking off a null anchor get a
			// stable zero rather than a panic.
			return 0
		}
		next := int64(offset) + delta
		if next < 0 {
			next = 0
		}
		tag := old&tagBit != 0
		newV := encode(pmem.Addr{Offset: uint64(next)}, tag)
		if p.off.CompareAndSwap(old, newV) {
			return int64(offset)
		}
	}
}

// IsNull reports whether p currently points nowhere.
func (p *Ptr[T]) IsNull() bool {
	_, isNil := decode(p.off.Load())
	return isNil
}

// Rebase recomputes nothing for Ptr itself (it stores a pool-relative
// address, not a byte offset from its own location), but is provided so
// callers that migrate a node containing embedded Ptr fields between pools
// have a single hook to call; it reassigns the owning pool and re-resolves
// the same logical target address under the new pool's UUID.
func (p *Ptr[T]) Rebase(newPool pmem.Pool) {
	p.pool = newPool
}
