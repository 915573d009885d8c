package cskiplist

// Iterator walks the skip list in ascending key order, following next[0]
// with acquire loads (spec.md §4.4: "++it follows next[0]").
type Iterator[K comparable, V any] struct {
	m   *Map[K, V]
	cur *node[K, V]
}

// Begin returns an iterator positioned at the first element, or an
// invalid iterator if the map is empty.
func (m *Map[K, V]) Begin() *Iterator[K, V] {
	return &Iterator[K, V]{m: m, cur: m.head.levelNext(0)}
}

// Valid reports whether the iterator refers to an element.
func (it *Iterator[K, V]) Valid() bool { return it.cur != nil }

// Key returns the current element's key. Valid must be true.
func (it *Iterator[K, V]) Key() K { return it.cur.key }

// Value returns the current element's value. Valid must be true.
func (it *Iterator[K, V]) Value() V { return it.cur.value }

// Next advances to the following element.
func (it *Iterator[K, V]) Next() {
	if it.cur != nil {
		it.cur = it.cur.levelNext(0)
	}
}

// Prev moves to the preceding element by re-descending from the head, the
// O(log n) bidirectional-iteration option spec.md §4.4 permits as an
// alternative to a unidirectional-only iterator.
func (it *Iterator[K, V]) Prev() {
	if it.cur == nil {
		return
	}
	prev, _ := it.m.findPosition(it.cur.key)
	if prev[0] == it.m.head {
		it.cur = nil
		return
	}
	it.cur = prev[0]
}
