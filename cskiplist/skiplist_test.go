package cskiplist

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbtaylor/ccpmem/pmem"
	"github.com/nbtaylor/ccpmem/pmem/heap"
	"github.com/nbtaylor/ccpmem/srp"
	"github.com/nbtaylor/ccpmem/txn"
)

func intCmp(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func newTestList(t *testing.T) (*Map[int, string], *heap.Pool) {
	t.Helper()
	pool := heap.New()
	m, err := New[int, string](pool, intCmp)
	require.NoError(t, err)
	return m, pool
}

func TestInsertFindRoundTrip(t *testing.T) {
	m, _ := newTestList(t)

	existed, err := m.Insert(5, "five")
	require.NoError(t, err)
	assert.False(t, existed)

	v, ok := m.Find(5)
	require.True(t, ok)
	assert.Equal(t, "five", v)

	_, ok = m.Find(6)
	assert.False(t, ok)
}

func TestInsertRejectsDuplicateKey(t *testing.T) {
	m, _ := newTestList(t)

	_, err := m.Insert(1, "a")
	require.NoError(t, err)

	existed, err := m.Insert(1, "b")
	require.NoError(t, err)
	assert.True(t, existed)

	v, ok := m.Find(1)
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestInsertOrAssignOverwrites(t *testing.T) {
	m, _ := newTestList(t)
	_, err := m.Insert(1, "a")
	require.NoError(t, err)

	existed, err := m.InsertOrAssign(1, "b")
	require.NoError(t, err)
	assert.True(t, existed)

	v, ok := m.Find(1)
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

// TestIterationIsOrdered is scenario S3 from spec.md §8: keys inserted in
// random order must iterate in non-decreasing order.
func TestIterationIsOrdered(t *testing.T) {
	m, _ := newTestList(t)
	keys := rand.Perm(200)
	for _, k := range keys {
		_, err := m.Insert(k, fmt.Sprintf("v%d", k))
		require.NoError(t, err)
	}

	var seen []int
	m.Range(func(k int, v string) bool {
		seen = append(seen, k)
		return true
	})

	require.Len(t, seen, 200)
	assert.True(t, sort.IntsAreSorted(seen))
}

func TestLowerAndUpperBound(t *testing.T) {
	m, _ := newTestList(t)
	for _, k := range []int{10, 20, 30} {
		_, err := m.Insert(k, fmt.Sprintf("v%d", k))
		require.NoError(t, err)
	}

	k, _, ok := m.LowerBound(20)
	require.True(t, ok)
	assert.Equal(t, 20, k)

	k, _, ok = m.LowerBound(21)
	require.True(t, ok)
	assert.Equal(t, 30, k)

	k, _, ok = m.UpperBound(20)
	require.True(t, ok)
	assert.Equal(t, 30, k)

	_, _, ok = m.UpperBound(30)
	assert.False(t, ok)
}

func TestEraseRemovesKey(t *testing.T) {
	m, _ := newTestList(t)
	_, err := m.Insert(1, "a")
	require.NoError(t, err)

	found, err := m.Erase(1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.EqualValues(t, 0, m.Size())

	found, err = m.Erase(1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIteratorPrevReDescends(t *testing.T) {
	m, _ := newTestList(t)
	for _, k := range []int{1, 2, 3} {
		_, err := m.Insert(k, fmt.Sprintf("v%d", k))
		require.NoError(t, err)
	}

	it := m.Begin()
	it.Next()
	it.Next()
	require.True(t, it.Valid())
	assert.Equal(t, 3, it.Key())

	it.Prev()
	require.True(t, it.Valid())
	assert.Equal(t, 2, it.Key())

	it.Prev()
	require.True(t, it.Valid())
	assert.Equal(t, 1, it.Key())

	it.Prev()
	assert.False(t, it.Valid())
}

// TestConcurrentDuplicateInsert is scenario S4: many goroutines race to
// insert the same key; exactly one must win and the rest must observe
// existed=true.
func TestConcurrentDuplicateInsert(t *testing.T) {
	m, _ := newTestList(t)
	const goroutines = 8

	var wg sync.WaitGroup
	results := make([]bool, goroutines)
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			existed, err := m.Insert(42, fmt.Sprintf("writer-%d", g))
			assert.NoError(t, err)
			results[g] = existed
		}(g)
	}
	wg.Wait()

	var winners int
	for _, existed := range results {
		if !existed {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.EqualValues(t, 1, m.Size())
}

func TestConcurrentInsertAcrossKeysIsOrdered(t *testing.T) {
	m, _ := newTestList(t)
	const goroutines = 8
	const perWorker = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := m.Insert(g*perWorker+i, "")
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()

	assert.EqualValues(t, goroutines*perWorker, m.Size())
	var seen []int
	m.Range(func(k int, v string) bool {
		seen = append(seen, k)
		return true
	})
	assert.True(t, sort.IntsAreSorted(seen))
}

// TestRuntimeInitializeFreesNeverLinkedNode is scenario S5's "crash before
// step 8" case: a journal entry with Stage == NotStarted must cause
// RuntimeInitialize to free the node and leave the map unaffected.
func TestRuntimeInitializeFreesNeverLinkedNode(t *testing.T) {
	pool := heap.New()
	m, err := New[int, string](pool, intCmp)
	require.NoError(t, err)

	require.NoError(t, stageFakeInsert(pool, m, 99, "ninety-nine", false))
	require.NoError(t, m.RuntimeInitialize())

	_, ok := m.Find(99)
	assert.False(t, ok)
	assert.EqualValues(t, 0, m.Size())
}

// TestRuntimeInitializeFinishesInProgressNode is scenario S5's "crash
// between step 8 and step 10" case: stageFakeInsert writes the node's
// next[] and swings the level-0 predecessor, but the journal entry is
// never cleared and the size update never happened. RuntimeInitialize
// must complete them.
func TestRuntimeInitializeFinishesInProgressNode(t *testing.T) {
	pool := heap.New()
	m, err := New[int, string](pool, intCmp)
	require.NoError(t, err)

	require.NoError(t, stageFakeInsert(pool, m, 7, "seven", true))
	require.NoError(t, m.RuntimeInitialize())

	v, ok := m.Find(7)
	require.True(t, ok)
	assert.Equal(t, "seven", v)
	assert.EqualValues(t, 1, m.Size())
}

// stageFakeInsert replicates Insert's steps 1-7 (and, if markInProgress,
// step 8 plus the level-0 predecessor swing of step 9) without clearing
// the journal entry or incrementing size, leaving exactly the torn state
// runtime_initialize must reconcile.
func stageFakeInsert[V any](pool pmem.Pool, m *Map[int, V], key int, value V, markInProgress bool) error {
	prev, next := m.findPosition(key)
	height := 1

	var nn *node[int, V]
	err := txn.Run(pool, func(tx *txn.Tx) error {
		addr, aerr := tx.Alloc(unsafe.Sizeof(node[int, V]{}), pmem.TagSkipListNode)
		if aerr != nil {
			return aerr
		}
		nn = (*node[int, V])(pool.Resolve(addr))
		nn.key = key
		nn.value = value
		nn.next = make([]srp.AtomicPtr[node[int, V]], height)
		return nil
	})
	if err != nil {
		return err
	}
	nodeAddr, _ := pool.AddrOf(ptrOf(nn))
	for i := range nn.next {
		nn.next[i].Bind(pool)
	}
	for lvl := 0; lvl < height; lvl++ {
		nn.next[lvl].Store(next[lvl])
	}

	h := m.journal.Attach()
	h.Begin(nodeAddr, 1)
	if markInProgress {
		h.MarkInProgress()
		prev[0].storeNext(0, nn)
		// Deliberately stop here: the swing for level 0 happened, but the
		// journal entry was never cleared and size was never incremented,
		// matching "crashed after step 9 started, before step 10/11".
	}
	return nil
}
