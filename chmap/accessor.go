package chmap

// ConstAccessor is a read-only handle to a single key/value pair returned
// by Find, grounded on the accessor/const_accessor RAII guards spec.md
// §4.3 names: it holds the owning bucket's shared lock (and the table's
// IS hold) until Close, so the referenced node cannot be erased out from
// under the caller.
type ConstAccessor[K comparable, V any] struct {
	m         *Map[K, V]
	b         *bucket[K, V]
	n         *node[K, V]
	tableHeld bool
}

// Key returns the accessed key.
func (a *ConstAccessor[K, V]) Key() K { return a.n.key }

// Value returns the accessed value.
func (a *ConstAccessor[K, V]) Value() V { return a.n.value }

// Close releases the accessor's locks. An accessor must be closed exactly
// once; using it afterward is undefined, matching the RAII-guard discipline
// spec.md §4.3 names, ported to Go's explicit-Close idiom.
func (a *ConstAccessor[K, V]) Close() {
	if a.b == nil {
		return
	}
	a.b.mu.RUnlock()
	if a.tableHeld {
		a.m.tableLock.ISUnlock()
	}
	a.m.outstanding.Add(-1)
	a.b = nil
}

// Accessor is a writable handle to a single key/value pair, returned by
// FindMutable. Both accessor flavors share Map's outstanding count, so the
// Defragment/Clear guard (ErrAccessorsHeld) has a single count to check
// regardless of which flavor is live.
type Accessor[K comparable, V any] struct {
	m         *Map[K, V]
	b         *bucket[K, V]
	n         *node[K, V]
	tableHeld bool
}

// Key returns the accessed key.
func (a *Accessor[K, V]) Key() K { return a.n.key }

// Value returns the accessed value.
func (a *Accessor[K, V]) Value() V { return a.n.value }

// SetValue overwrites the accessed entry's value in place, under the
// node's own mutex (spec §4.3: node-level mutex serializes in-place
// mutation against concurrent accessors).
func (a *Accessor[K, V]) SetValue(v V) {
	a.n.mu.Lock()
	a.n.value = v
	a.n.mu.Unlock()
}

// Close releases the accessor's locks.
func (a *Accessor[K, V]) Close() {
	if a.b == nil {
		return
	}
	a.b.mu.Unlock()
	if a.tableHeld {
		a.m.tableLock.ISUnlock()
	}
	a.m.outstanding.Add(-1)
	a.b = nil
}

// FindMutable returns a writable accessor for key, or ok=false if absent.
func (m *Map[K, V]) FindMutable(key K) (acc Accessor[K, V], ok bool) {
	h := m.hash(key)
	m.tableLock.ISLock()

	b, idx, mask := m.bucketFor(h)
	b.mu.Lock()
	_ = m.ensureBucketReady(b, idx, mask)

	for cur := b.head.Load(); cur != nil; cur = cur.next.Load() {
		if cur.key == key {
			m.outstanding.Add(1)
			return Accessor[K, V]{m: m, b: b, n: cur, tableHeld: true}, true
		}
	}
	b.mu.Unlock()
	m.tableLock.ISUnlock()
	return Accessor[K, V]{}, false
}
