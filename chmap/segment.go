package chmap

import (
	"math/bits"
	"sync/atomic"
)

// segmentTable holds the current bucket array. Growth replaces the whole
// array with one twice the size, copying over the (unchanged) bucket
// pointers for the low half and allocating fresh, not-yet-rehashed bucket
// objects for the high half — an O(new-buckets) operation, not an
// O(n)-rehash-everything one, matching spec.md's "segment i holds 2^i
// blocks" growth-by-doubling shape with a flat doubling array instead of
// the tiered block-indirection scheme.
type segmentTable[K comparable, V any] struct {
	buckets atomic.Pointer[[]*bucket[K, V]]
}

func newSegmentTable[K comparable, V any](initialLen int) *segmentTable[K, V] {
	bs := make([]*bucket[K, V], initialLen)
	for i := range bs {
		bs[i] = &bucket[K, V]{}
	}
	// Bucket 0 is the root of the rehash tree and starts fully rehashed:
	// with no parent, it trivially satisfies the invariant.
	bs[0].rehashed.Store(true)
	t := &segmentTable[K, V]{}
	t.buckets.Store(&bs)
	return t
}

func (t *segmentTable[K, V]) len() int {
	return len(*t.buckets.Load())
}

func (t *segmentTable[K, V]) at(idx uint64) *bucket[K, V] {
	bs := *t.buckets.Load()
	return bs[idx]
}

// grow doubles the table, returning the new length. Callers serialize
// grow behind the map's growMu (spec.md: "single-writer via a pool
// mutex").
func (t *segmentTable[K, V]) grow() int {
	old := *t.buckets.Load()
	oldLen := len(old)
	neu := make([]*bucket[K, V], oldLen*2)
	copy(neu, old)
	for i := oldLen; i < len(neu); i++ {
		neu[i] = &bucket[K, V]{}
	}
	t.buckets.Store(&neu)
	return len(neu)
}

// parentOf returns the index that owned idx's keys before idx's bucket
// existed: clearing idx's highest set bit, per spec.md §4.3's
// "m_parent = (1 << floor(log2(h))) - 1".
func parentOf(idx uint64) uint64 {
	if idx == 0 {
		return 0
	}
	top := uint(bits.Len64(idx)) - 1
	return idx &^ (uint64(1) << top)
}
