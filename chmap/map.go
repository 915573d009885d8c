// Package chmap implements the concurrent hash map from spec.md §4.3:
// chained buckets, lazy per-bucket
// split-rehashing, and fine-grained shared/exclusive bucket locks, backed
// by the txn/pmem durability contract so insert publication and crash
// recovery follow spec.md's tmp_node protocol exactly.
package chmap

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/exp/slices"

	"github.com/nbtaylor/ccpmem/pmem"
	"github.com/nbtaylor/ccpmem/plock"
	"github.com/nbtaylor/ccpmem/txn"
)

const defaultInitialBuckets = 16

// HashFunc computes a 64-bit hash for a key. Callers supply one at
// construction (Go has no built-in generic hash over comparable, unlike
// otter's xruntime.Hasher[K] which this is grounded on).
type HashFunc[K comparable] func(K) uint64

// Map is a concurrent, crash-consistent hash map over a pmem.Pool. Map
// implements unique-key semantics only; spec.md's multimap mode is an
// explicit simplification recorded in DESIGN.md (Open Questions).
type Map[K comparable, V any] struct {
	pool pmem.Pool
	hash HashFunc[K]

	table  *segmentTable[K, V]
	mask   atomic.Uint64
	growMu sync.Mutex

	// tableLock is the intention lock guarding structural operations
	// (Clear, Defragment, segment growth) against ordinary bucket
	// traffic, per SPEC_FULL.md §4.3: bucket ops take IS, incremental
	// growth takes IX, Clear/Defragment take X.
	tableLock plock.IMutex

	size        atomic.Int64
	outstanding atomic.Int64 // live Accessor/ConstAccessor count, for Defragment's guard
}

// Option configures a new Map.
type Option[K comparable, V any] func(*Map[K, V])

// WithInitialMask sets the initial bucket count to mask+1 (rounded up to
// a power of two), instead of the package default.
func WithInitialMask[K comparable, V any](mask uint64) Option[K, V] {
	return func(m *Map[K, V]) {
		n := mask + 1
		if n < 1 {
			n = 1
		}
		pow := uint64(1)
		for pow < n {
			pow <<= 1
		}
		m.table = newSegmentTable[K, V](int(pow))
		m.mask.Store(pow - 1)
	}
}

// New creates an empty Map bound to pool, hashing keys with hash.
func New[K comparable, V any](pool pmem.Pool, hash HashFunc[K], opts ...Option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		pool: pool,
		hash: hash,
	}
	m.table = newSegmentTable[K, V](defaultInitialBuckets)
	m.mask.Store(defaultInitialBuckets - 1)
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Map[K, V]) bucketFor(h uint64) (b *bucket[K, V], idx uint64, mask uint64) {
	mask = m.mask.Load()
	idx = h & mask
	b = m.table.at(idx)
	return b, idx, mask
}

// ensureBucketReady performs the lazy crash recovery and, if needed,
// split-rehash of b (at idx) from its parent, recursing upward if the
// parent itself hasn't been rehashed yet. Must be called with b.mu held
// exclusively; returns with b still held exclusively.
func (m *Map[K, V]) ensureBucketReady(b *bucket[K, V], idx, mask uint64) error {
	if err := b.recoverTmp(m); err != nil {
		return err
	}
	if b.rehashed.Load() {
		return nil
	}
	if idx == 0 {
		b.rehashed.Store(true)
		return nil
	}
	parentIdx := parentOf(idx)
	parent := m.table.at(parentIdx)
	parent.mu.Lock()
	err := m.ensureBucketReady(parent, parentIdx, mask)
	if err == nil {
		err = m.splitRehash(parent, b, idx, mask)
	}
	parent.mu.Unlock()
	if err != nil {
		return err
	}
	b.rehashed.Store(true)
	return nil
}

// splitRehash moves every node in parent whose hash belongs to childIdx
// under childIdx's own level mask (twice its highest set bit, minus one)
// into child, linking into child before unlinking from parent for each
// node (spec.md §4.3 crash-safety ordering).
func (m *Map[K, V]) splitRehash(parent, child *bucket[K, V], childIdx, mask uint64) error {
	childMask := (childIdx-parentOf(childIdx))<<1 - 1
	var prev *node[K, V]
	cur := parent.head.Load()
	for cur != nil {
		h := m.hash(cur.key)
		next := cur.next.Load()
		if h&childMask != childIdx {
			prev = cur
			cur = next
			continue
		}

		childHead := child.head.Load()
		cur.next.Store(childHead)
		child.head.Store(cur)

		if prev == nil {
			parent.head.Store(next)
		} else {
			prev.next.Store(next)
		}
		cur = next
		// prev is unchanged: we just removed the node after it (or the head).
	}
	return nil
}

// RuntimeInitialize reconciles any torn state after a crash: for every
// bucket, it performs the deferred tmp_node recovery and rehash check,
// then recomputes the authoritative size by iterating all buckets. Must
// run to completion before concurrent user traffic resumes (spec §5).
func (m *Map[K, V]) RuntimeInitialize() error {
	n := m.table.len()
	for i := 0; i < n; i++ {
		idx := uint64(i)
		b := m.table.at(idx)
		b.mu.Lock()
		err := m.ensureBucketReady(b, idx, m.mask.Load())
		b.mu.Unlock()
		if err != nil {
			return fmt.Errorf("chmap: runtime_initialize bucket %d: %w", idx, err)
		}
	}
	var total int64
	for i := 0; i < n; i++ {
		b := m.table.at(uint64(i))
		b.mu.RLock()
		for cur := b.head.Load(); cur != nil; cur = cur.next.Load() {
			total++
		}
		b.mu.RUnlock()
	}
	m.size.Store(total)
	return nil
}

// Size returns the map's (possibly momentarily lagging) element count.
func (m *Map[K, V]) Size() int64 { return m.size.Load() }

// Count returns 1 if key is present, 0 otherwise (unique-key mode).
func (m *Map[K, V]) Count(key K) int {
	h := m.hash(key)
	m.tableLock.ISLock()
	defer m.tableLock.ISUnlock()

	b, idx, mask := m.bucketFor(h)
	m.lockSharedReady(b, idx, mask)
	defer b.mu.RUnlock()

	for cur := b.head.Load(); cur != nil; cur = cur.next.Load() {
		if cur.key == key {
			return 1
		}
	}
	return 0
}

// lockSharedReady acquires b for shared access, upgrading to exclusive
// first if the bucket needs crash recovery or split-rehashing (spec §4.3:
// "if the thread can upgrade the bucket lock exclusively, performs
// split-rehashing... before continuing").
func (m *Map[K, V]) lockSharedReady(b *bucket[K, V], idx, mask uint64) {
	b.mu.RLock()
	if b.rehashed.Load() && b.tmp.Load() == nil {
		return
	}
	b.mu.RUnlock()

	b.mu.Lock()
	_ = m.ensureBucketReady(b, idx, mask)
	b.mu.Unlock()

	b.mu.RLock()
}

// Find returns a read-only accessor for key, or ok=false if absent. The
// returned ConstAccessor holds the bucket's shared lock until Close.
func (m *Map[K, V]) Find(key K) (acc ConstAccessor[K, V], ok bool) {
	h := m.hash(key)
	m.tableLock.ISLock()

	b, idx, mask := m.bucketFor(h)
	m.lockSharedReady(b, idx, mask)

	for cur := b.head.Load(); cur != nil; cur = cur.next.Load() {
		if cur.key == key {
			m.outstanding.Add(1)
			return ConstAccessor[K, V]{m: m, b: b, n: cur, tableHeld: true}, true
		}
	}
	b.mu.RUnlock()
	m.tableLock.ISUnlock()
	return ConstAccessor[K, V]{}, false
}

// Insert adds key/value if key is absent. Returns true if it was already
// present (in which case the map is unchanged).
func (m *Map[K, V]) Insert(key K, value V) (existed bool, err error) {
	return m.insert(key, value, false)
}

// InsertOrAssign adds key/value, overwriting any existing value for key.
func (m *Map[K, V]) InsertOrAssign(key K, value V) (existed bool, err error) {
	return m.insert(key, value, true)
}

// Emplace is an alias for Insert, matching the concept list in spec §6;
// Go has no in-place constructor-argument forwarding to distinguish it
// from Insert.
func (m *Map[K, V]) Emplace(key K, value V) (existed bool, err error) {
	return m.Insert(key, value)
}

func (m *Map[K, V]) insert(key K, value V, assignIfExists bool) (existed bool, err error) {
	h := m.hash(key)

	m.tableLock.ISLock()
	defer m.tableLock.ISUnlock()

	b, idx, mask := m.bucketFor(h)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := m.ensureBucketReady(b, idx, mask); err != nil {
		return false, err
	}

	for cur := b.head.Load(); cur != nil; cur = cur.next.Load() {
		if cur.key == key {
			if assignIfExists {
				cur.mu.Lock()
				cur.value = value
				cur.mu.Unlock()
			}
			return true, nil
		}
	}

	var nn *node[K, V]
	err = txn.Run(m.pool, func(tx *txn.Tx) error {
		addr, aerr := tx.Alloc(unsafe.Sizeof(node[K, V]{}), pmem.TagHashMapNode)
		if aerr != nil {
			return aerr
		}
		nn = (*node[K, V])(m.pool.Resolve(addr))
		nn.next.Bind(m.pool)
		nn.key = key
		nn.value = value
		nn.next.Store(b.head.Load())
		b.tmp.Store(nn)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("chmap: insert: %w", err)
	}

	b.head.Store(nn)
	b.tmp.Store(nil)
	newSize := m.size.Add(1)

	m.maybeGrow(newSize)
	return false, nil
}

// maybeGrow doubles the table once the map's size reaches its current
// bucket count, per spec.md §4.3's grow-check. Growth itself takes the
// table lock's IX state (compatible with other in-flight IS bucket ops)
// and is serialized against other growers/clears via growMu + a double-
// checked mask comparison.
func (m *Map[K, V]) maybeGrow(sizeAfterInsert int64) {
	mask := m.mask.Load()
	if sizeAfterInsert < int64(mask+1) {
		return
	}
	m.tableLock.IXLock()
	defer m.tableLock.IXUnlock()

	m.growMu.Lock()
	defer m.growMu.Unlock()
	if m.mask.Load() != mask {
		return // someone else already grew
	}
	newLen := m.table.grow()
	m.mask.Store(uint64(newLen) - 1)
}

// Reserve eagerly grows the table until it has at least n buckets.
func (m *Map[K, V]) Reserve(n int) {
	m.tableLock.IXLock()
	defer m.tableLock.IXUnlock()

	m.growMu.Lock()
	defer m.growMu.Unlock()
	for m.table.len() < n {
		newLen := m.table.grow()
		m.mask.Store(uint64(newLen) - 1)
	}
}

// Rehash forces any deferred split-rehash across every bucket to run now.
func (m *Map[K, V]) Rehash() error {
	n := m.table.len()
	mask := m.mask.Load()
	for i := 0; i < n; i++ {
		idx := uint64(i)
		b := m.table.at(idx)
		b.mu.Lock()
		err := m.ensureBucketReady(b, idx, mask)
		b.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Erase removes key if present, returning whether it was found.
func (m *Map[K, V]) Erase(key K) (bool, error) {
	h := m.hash(key)

	m.tableLock.ISLock()
	defer m.tableLock.ISUnlock()

	b, idx, mask := m.bucketFor(h)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := m.ensureBucketReady(b, idx, mask); err != nil {
		return false, err
	}

	var prev *node[K, V]
	cur := b.head.Load()
	for cur != nil {
		if cur.key == key {
			break
		}
		prev = cur
		cur = cur.next.Load()
	}
	if cur == nil {
		return false, nil
	}

	// Serialize against any in-flight mutation of this specific node
	// (spec §4.3: "acquire the node's own mutex to serialize against
	// readers holding accessors").
	cur.mu.Lock()
	next := cur.next.Load()
	addr, _ := m.pool.AddrOf(ptrOf(cur))
	err := txn.Run(m.pool, func(tx *txn.Tx) error {
		if prev == nil {
			b.head.Store(next)
		} else {
			prev.next.Store(next)
		}
		return tx.Free(addr)
	})
	cur.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("chmap: erase: %w", err)
	}
	m.size.Add(-1)
	return true, nil
}

// Clear removes every entry. Refuses to run while any Accessor is
// outstanding (same contract as Defragment).
func (m *Map[K, V]) Clear() error {
	if m.outstanding.Load() != 0 {
		return ErrAccessorsHeld
	}
	m.tableLock.XLock()
	defer m.tableLock.XUnlock()

	m.growMu.Lock()
	defer m.growMu.Unlock()

	m.table = newSegmentTable[K, V](defaultInitialBuckets)
	m.mask.Store(defaultInitialBuckets - 1)
	m.size.Store(0)
	return nil
}

// Defragment is a structural maintenance pass. Per the Open Question in
// spec.md §9, this port documents (and enforces) that it must not rewrite
// accessor-held nodes: it refuses outright if any Accessor/ConstAccessor
// is currently outstanding. The reference implementation has no physical
// defragmentation to perform (the Go heap already compacts via its own
// GC), so a successful call is a structural no-op beyond the guard.
func (m *Map[K, V]) Defragment() error {
	if m.outstanding.Load() != 0 {
		return ErrAccessorsHeld
	}
	m.tableLock.XLock()
	defer m.tableLock.XUnlock()
	return nil
}

// Range calls fn for every key/value pair. Iteration order is bucket
// order; it is safe to call concurrently with other operations, but fn
// may or may not observe concurrent inserts/erasures (no stronger
// guarantee than spec.md requires).
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	m.tableLock.ISLock()
	defer m.tableLock.ISUnlock()

	n := m.table.len()
	mask := m.mask.Load()
	for i := 0; i < n; i++ {
		idx := uint64(i)
		b := m.table.at(idx)
		m.lockSharedReady(b, idx, mask)
		for cur := b.head.Load(); cur != nil; cur = cur.next.Load() {
			if !fn(cur.key, cur.value) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
	}
}

// Keys returns a snapshot of every live key, ordered by cmp (a negative
// return means a sorts before b, matching stdlib's cmp.Compare
// convention). Grounded on torua's use of golang.org/x/exp/slices for
// ad-hoc slice utilities over its own domain types.
func (m *Map[K, V]) Keys(cmp func(a, b K) int) []K {
	out := make([]K, 0, m.Size())
	m.Range(func(k K, _ V) bool {
		out = append(out, k)
		return true
	})
	slices.SortFunc(out, cmp)
	return out
}
