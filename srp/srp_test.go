package srp

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbtaylor/ccpmem/pmem"
	"github.com/nbtaylor/ccpmem/pmem/heap"
	"github.com/nbtaylor/ccpmem/txn"
)

type node struct {
	value int
}

func allocNode(t *testing.T, pool pmem.Pool, value int) *node {
	t.Helper()
	var out *node
	err := txn.Run(pool, func(tx *txn.Tx) error {
		addr, err := tx.Alloc(unsafe.Sizeof(node{}), pmem.TagGeneric)
		if err != nil {
			return err
		}
		out = (*node)(pool.Resolve(addr))
		out.value = value
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestPtrNullByDefault(t *testing.T) {
	var p Ptr[node]
	p.Bind(heap.New())
	assert.True(t, p.IsNull())
	assert.Nil(t, p.Load())
}

func TestPtrStoreLoadRoundTrip(t *testing.T) {
	pool := heap.New()
	n := allocNode(t, pool, 42)

	var p Ptr[node]
	p.Bind(pool)
	p.Store(n)

	assert.False(t, p.IsNull())
	got := p.Load()
	require.NotNil(t, got)
	assert.Equal(t, 42, got.value)
}

func TestPtrTagBitIndependentOfTarget(t *testing.T) {
	pool := heap.New()
	n := allocNode(t, pool, 7)

	var p Ptr[node]
	p.Bind(pool)
	p.StoreTagged(n, true)

	assert.True(t, p.Tag())
	assert.Equal(t, 7, p.Load().value)

	p.SetTag(false)
	assert.False(t, p.Tag())
	assert.Equal(t, 7, p.Load().value)
}

func TestPtrCompareAndSwap(t *testing.T) {
	pool := heap.New()
	a := allocNode(t, pool, 1)
	b := allocNode(t, pool, 2)

	var p Ptr[node]
	p.Bind(pool)
	p.Store(a)

	assert.False(t, p.CompareAndSwap(b, b), "CAS should fail when current != old")
	assert.True(t, p.CompareAndSwap(a, b), "CAS should succeed when current == old")
	assert.Equal(t, 2, p.Load().value)
}

// TestPtrRoundTripUnderRebase is Testable Property 5 from spec.md §8: for
// any SRP p and any shift applied equally to p and its target, the
// dereferenced address is unchanged. Here "shift" is modeled as moving p
// (and, trivially, its target, since both live in the same pool) to a
// freshly rebased pool handle referencing the same arena.
func TestPtrRoundTripUnderRebase(t *testing.T) {
	pool := heap.New()
	n := allocNode(t, pool, 99)

	var p Ptr[node]
	p.Bind(pool)
	p.Store(n)

	before := p.Load()
	require.NotNil(t, before)

	p.Rebase(pool)
	after := p.Load()
	require.NotNil(t, after)
	assert.Same(t, before, after)
	assert.Equal(t, 99, after.value)
}

func TestAtomicPtrPersistsOnStore(t *testing.T) {
	pool := heap.New()
	n := allocNode(t, pool, 5)

	var p AtomicPtr[node]
	p.Bind(pool)
	before := pool.PersistCount()
	p.Store(n)
	assert.Greater(t, pool.PersistCount(), before)
}

func TestPtrFetchAddWalksArray(t *testing.T) {
	pool := heap.New()
	n := allocNode(t, pool, 1)

	var p Ptr[node]
	p.Bind(pool)
	p.Store(n)

	prev := p.FetchAdd(3)
	assert.GreaterOrEqual(t, prev, int64(0))
}
