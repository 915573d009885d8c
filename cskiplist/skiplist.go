// Package cskiplist implements the concurrent ordered map from spec.md
// §4.4: a height-bounded skip list with per-node mutexes, randomized
// level selection, release/acquire-ordered link pointers, and a
// crash-resumable insert protocol backed by the journal package.
package cskiplist

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"unsafe"

	"github.com/nbtaylor/ccpmem/cskiplist/journal"
	"github.com/nbtaylor/ccpmem/pmem"
	"github.com/nbtaylor/ccpmem/srp"
	"github.com/nbtaylor/ccpmem/txn"
)

// DefaultMaxLevel matches the Open Question decision recorded in
// DESIGN.md: MaxLevel=32, p=0.5, following original_source's
// concurrent_skip_list_impl.hpp default tuning.
const DefaultMaxLevel = 32

// CompareFunc orders keys: negative if a < b, zero if equal, positive if
// a > b — the single "strict less" comparator spec.md names (this port's
// unique-key-only mode has no need for the separate not-greater multimap
// variant beyond upper_bound's descent, handled internally).
type CompareFunc[K comparable] func(a, b K) int

// Map is a concurrent, crash-consistent skip list over a pmem.Pool.
type Map[K comparable, V any] struct {
	pool     pmem.Pool
	cmp      CompareFunc[K]
	maxLevel int
	head     *node[K, V]
	size     atomic.Int64
	journal  *journal.Registry
}

// Option configures a new Map.
type Option[K comparable, V any] func(*Map[K, V]) error

// WithMaxLevel overrides DefaultMaxLevel.
func WithMaxLevel[K comparable, V any](n int) Option[K, V] {
	return func(m *Map[K, V]) error {
		if n <= 0 {
			return ErrInvalidMaxLevel
		}
		m.maxLevel = n
		return nil
	}
}

// New creates an empty Map bound to pool, ordering keys with cmp.
func New[K comparable, V any](pool pmem.Pool, cmp CompareFunc[K], opts ...Option[K, V]) (*Map[K, V], error) {
	m := &Map[K, V]{
		pool:     pool,
		cmp:      cmp,
		maxLevel: DefaultMaxLevel,
	}
	for _, o := range opts {
		if err := o(m); err != nil {
			return nil, err
		}
	}
	m.journal = journal.NewRegistry(pool)

	err := txn.Run(pool, func(tx *txn.Tx) error {
		addr, aerr := tx.Alloc(unsafe.Sizeof(node[K, V]{}), pmem.TagSkipListNode)
		if aerr != nil {
			return aerr
		}
		head := (*node[K, V])(pool.Resolve(addr))
		head.next = make([]srp.AtomicPtr[node[K, V]], m.maxLevel)
		for i := range head.next {
			head.next[i].Bind(pool)
		}
		m.head = head
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cskiplist: new: %w", err)
	}
	return m, nil
}

// Size returns the map's current element count.
func (m *Map[K, V]) Size() int64 { return m.size.Load() }

// randomLevel draws a height from a geometric distribution truncated to
// [1, maxLevel] with p=0.5, per the Open Question decision in DESIGN.md.
func randomLevel(maxLevel int) int {
	level := 1
	for level < maxLevel && rand.Int31()&1 == 0 {
		level++
	}
	return level
}

// findPosition descends from head at the top level, recording the last
// node strictly less than key (prev) and its successor (next) at every
// level, per spec.md §4.4's "Find position".
func (m *Map[K, V]) findPosition(key K) (prev, next []*node[K, V]) {
	prev = make([]*node[K, V], m.maxLevel)
	next = make([]*node[K, V], m.maxLevel)
	cur := m.head
	for lvl := m.maxLevel - 1; lvl >= 0; lvl-- {
		for {
			nxt := cur.levelNext(lvl)
			if nxt != nil && m.cmp(nxt.key, key) < 0 {
				cur = nxt
				continue
			}
			break
		}
		prev[lvl] = cur
		next[lvl] = cur.levelNext(lvl)
	}
	return prev, next
}

// findUpperPosition is the "not-greater" descent spec.md names for
// upper_bound: it advances while next.key <= key instead of next.key <
// key, so next[0] ends up strictly greater than key.
func (m *Map[K, V]) findUpperPosition(key K) (next []*node[K, V]) {
	next = make([]*node[K, V], m.maxLevel)
	cur := m.head
	for lvl := m.maxLevel - 1; lvl >= 0; lvl-- {
		for {
			nxt := cur.levelNext(lvl)
			if nxt != nil && m.cmp(nxt.key, key) <= 0 {
				cur = nxt
				continue
			}
			break
		}
		next[lvl] = cur.levelNext(lvl)
	}
	return next
}

func lockPredecessors[K comparable, V any](prev []*node[K, V], height int) []*node[K, V] {
	var locked []*node[K, V]
	var last *node[K, V]
	for lvl := height - 1; lvl >= 0; lvl-- {
		p := prev[lvl]
		if p == last {
			continue
		}
		p.mu.Lock()
		locked = append(locked, p)
		last = p
	}
	return locked
}

func unlockPredecessors[K comparable, V any](locked []*node[K, V]) {
	for _, p := range locked {
		p.mu.Unlock()
	}
}

func verifyPredecessors[K comparable, V any](prev, next []*node[K, V], height int) bool {
	for lvl := 0; lvl < height; lvl++ {
		if prev[lvl].levelNext(lvl) != next[lvl] {
			return false
		}
	}
	return true
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

func (m *Map[K, V]) insert(key K, value V, assignIfExists bool) (existed bool, err error) {
	height := randomLevel(m.maxLevel)

	var nn *node[K, V]
	err = txn.Run(m.pool, func(tx *txn.Tx) error {
		addr, aerr := tx.Alloc(unsafe.Sizeof(node[K, V]{}), pmem.TagSkipListNode)
		if aerr != nil {
			return aerr
		}
		nn = (*node[K, V])(m.pool.Resolve(addr))
		nn.key = key
		nn.value = value
		nn.next = make([]srp.AtomicPtr[node[K, V]], height)
		for i := range nn.next {
			nn.next[i].Bind(m.pool)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cskiplist: insert: %w", err)
	}

	nodeAddr, _ := m.pool.AddrOf(ptrOf(nn))
	h := m.journal.Attach()
	h.Begin(nodeAddr, 1)

	for {
		prev, next := m.findPosition(key)

		if next[0] != nil && m.cmp(next[0].key, key) == 0 {
			existing := next[0]
			if assignIfExists {
				existing.mu.Lock()
				existing.value = value
				existing.mu.Unlock()
			}
			h.Clear()
			if ferr := txn.Run(m.pool, func(tx *txn.Tx) error {
				return tx.Free(nodeAddr)
			}); ferr != nil {
				return false, fmt.Errorf("cskiplist: insert: cancel: %w", ferr)
			}
			return true, nil
		}

		locked := lockPredecessors(prev, height)
		if !verifyPredecessors(prev, next, height) {
			unlockPredecessors(locked)
			continue
		}

		nn.mu.Lock()
		for lvl := 0; lvl < height; lvl++ {
			nn.next[lvl].Store(next[lvl])
		}
		h.MarkInProgress()
		for lvl := 0; lvl < height; lvl++ {
			prev[lvl].storeNext(lvl, nn)
		}
		h.Clear()
		nn.mu.Unlock()
		unlockPredecessors(locked)

		m.size.Add(1)
		return false, nil
	}
}

// Find returns the value stored for key, if present.
func (m *Map[K, V]) Find(key K) (value V, ok bool) {
	_, next := m.findPosition(key)
	if next[0] != nil && m.cmp(next[0].key, key) == 0 {
		return next[0].value, true
	}
	var zero V
	return zero, false
}

// LowerBound returns the first key not less than key, if any.
func (m *Map[K, V]) LowerBound(key K) (k K, v V, ok bool) {
	_, next := m.findPosition(key)
	if next[0] == nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	return next[0].key, next[0].value, true
}

// UpperBound returns the first key strictly greater than key, if any.
func (m *Map[K, V]) UpperBound(key K) (k K, v V, ok bool) {
	next := m.findUpperPosition(key)
	if next[0] == nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	return next[0].key, next[0].value, true
}

// Erase removes key if present.
func (m *Map[K, V]) Erase(key K) (bool, error) {
	_, firstNext := m.findPosition(key)
	if firstNext[0] == nil || m.cmp(firstNext[0].key, key) != 0 {
		return false, nil
	}
	target := firstNext[0]
	height := len(target.next)

	// Predecessors are locked before target, the same order Insert uses
	// (smallest-key predecessor first, the node being linked/unlinked
	// last) — locking target ahead of its predecessors would invert that
	// order and deadlock against a concurrent Insert.
	for {
		prev, _ := m.findPosition(key)
		locked := lockPredecessors(prev, height)

		ok := true
		for lvl := 0; lvl < height; lvl++ {
			if prev[lvl].levelNext(lvl) != target {
				ok = false
				break
			}
		}
		if !ok {
			unlockPredecessors(locked)
			continue
		}

		target.mu.Lock()
		for lvl := 0; lvl < height; lvl++ {
			prev[lvl].storeNext(lvl, target.levelNext(lvl))
		}
		target.mu.Unlock()
		unlockPredecessors(locked)
		break
	}

	addr, _ := m.pool.AddrOf(ptrOf(target))
	if err := txn.Run(m.pool, func(tx *txn.Tx) error {
		return tx.Free(addr)
	}); err != nil {
		return false, fmt.Errorf("cskiplist: erase: %w", err)
	}
	m.size.Add(-1)
	return true, nil
}

// RuntimeInitialize reconciles any torn insert state after a crash, per
// spec.md §4.4's "Crash recovery": every journal entry is resolved
// (finished, rolled back, or skipped if already at rest) before
// concurrent traffic resumes.
func (m *Map[K, V]) RuntimeInitialize() error {
	var sizeDelta int64
	for _, e := range m.journal.Entries() {
		if e.Addr.IsNil() {
			continue
		}
		raw := m.pool.Resolve(e.Addr)
		if raw == nil {
			e.Addr = pmem.Addr{}
			continue
		}
		nn := (*node[K, V])(raw)

		switch e.Stage {
		case journal.NotStarted:
			if err := txn.Run(m.pool, func(tx *txn.Tx) error {
				return tx.Free(e.Addr)
			}); err != nil {
				return fmt.Errorf("cskiplist: runtime_initialize: %w", err)
			}
		case journal.InProgress:
			prev, _ := m.findPosition(nn.key)
			height := len(nn.next)
			for lvl := 0; lvl < height; lvl++ {
				if prev[lvl].levelNext(lvl) != nn {
					prev[lvl].storeNext(lvl, nn)
				}
			}
			sizeDelta += e.SizeDelta
		}

		e.Addr = pmem.Addr{}
		e.SizeDelta = 0
		e.Stage = journal.NotStarted
	}
	m.size.Add(sizeDelta)
	return nil
}

// Range calls fn for every key/value pair in ascending key order, per
// spec.md's "Iteration from begin() ... yields keys in non-decreasing
// order" guarantee.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	for it := m.Begin(); it.Valid(); it.Next() {
		if !fn(it.Key(), it.Value()) {
			return
		}
	}
}
