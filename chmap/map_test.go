package chmap

import (
	"fmt"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbtaylor/ccpmem/pmem"
	"github.com/nbtaylor/ccpmem/pmem/heap"
	"github.com/nbtaylor/ccpmem/txn"
)

// withFakeStagedNode allocates a node, binds and links it exactly as
// Map.insert does up through the tmp-staging step, calls fn with the new
// node (so the caller can simulate whatever the crash-recovery test needs
// before/after that point), and leaves b.tmp pointing at it — exactly the
// torn state RuntimeInitialize must reconcile.
func withFakeStagedNode(pool pmem.Pool, b *bucket[string, int], fn func(n *node[string, int])) error {
	return txn.Run(pool, func(tx *txn.Tx) error {
		addr, err := tx.Alloc(unsafe.Sizeof(node[string, int]{}), pmem.TagHashMapNode)
		if err != nil {
			return err
		}
		n := (*node[string, int])(pool.Resolve(addr))
		n.next.Bind(pool)
		n.key = "staged"
		n.value = -1
		n.next.Store(b.head.Load())
		b.tmp.Store(n)
		fn(n)
		return nil
	})
}

func fnv1a(s string) uint64 {
	const offset = 14695981039346656037
	const prime = 1099511628211
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

func newTestMap(t *testing.T) (*Map[string, int], *heap.Pool) {
	t.Helper()
	pool := heap.New()
	m := New[string, int](pool, fnv1a)
	return m, pool
}

func TestInsertFindRoundTrip(t *testing.T) {
	m, _ := newTestMap(t)

	existed, err := m.Insert("alpha", 1)
	require.NoError(t, err)
	assert.False(t, existed)

	acc, ok := m.Find("alpha")
	require.True(t, ok)
	assert.Equal(t, 1, acc.Value())
	acc.Close()

	_, ok = m.Find("missing")
	assert.False(t, ok)
}

func TestInsertRejectsDuplicateKey(t *testing.T) {
	m, _ := newTestMap(t)

	existed, err := m.Insert("k", 1)
	require.NoError(t, err)
	assert.False(t, existed)

	existed, err = m.Insert("k", 2)
	require.NoError(t, err)
	assert.True(t, existed)

	acc, ok := m.Find("k")
	require.True(t, ok)
	assert.Equal(t, 1, acc.Value())
	acc.Close()
}

func TestInsertOrAssignOverwrites(t *testing.T) {
	m, _ := newTestMap(t)

	_, err := m.Insert("k", 1)
	require.NoError(t, err)

	existed, err := m.InsertOrAssign("k", 2)
	require.NoError(t, err)
	assert.True(t, existed)

	acc, ok := m.Find("k")
	require.True(t, ok)
	assert.Equal(t, 2, acc.Value())
	acc.Close()
}

func TestEraseRemovesKey(t *testing.T) {
	m, _ := newTestMap(t)

	_, err := m.Insert("k", 1)
	require.NoError(t, err)

	found, err := m.Erase("k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.EqualValues(t, 0, m.Size())

	found, err = m.Erase("k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGrowthTriggersAboveInitialBucketCount(t *testing.T) {
	m, _ := newTestMap(t)

	for i := 0; i < defaultInitialBuckets*4; i++ {
		_, err := m.Insert(fmt.Sprintf("key-%d", i), i)
		require.NoError(t, err)
	}
	assert.EqualValues(t, defaultInitialBuckets*4, m.Size())
	assert.Greater(t, m.table.len(), defaultInitialBuckets)

	for i := 0; i < defaultInitialBuckets*4; i++ {
		acc, ok := m.Find(fmt.Sprintf("key-%d", i))
		require.True(t, ok, "key-%d", i)
		assert.Equal(t, i, acc.Value())
		acc.Close()
	}
}

// TestConcurrentInsertFindStriped is scenario S1 from spec.md §8: many
// goroutines, each owning a disjoint key range, concurrently inserting
// and finding — every key must be observable exactly once afterward.
func TestConcurrentInsertFindStriped(t *testing.T) {
	m, _ := newTestMap(t)
	const goroutines = 8
	const perWorker = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("g%d-k%d", g, i)
				_, err := m.Insert(key, g*perWorker+i)
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()

	assert.EqualValues(t, goroutines*perWorker, m.Size())
	for g := 0; g < goroutines; g++ {
		for i := 0; i < perWorker; i++ {
			key := fmt.Sprintf("g%d-k%d", g, i)
			acc, ok := m.Find(key)
			require.True(t, ok, key)
			assert.Equal(t, g*perWorker+i, acc.Value())
			acc.Close()
		}
	}
}

// TestConcurrentInsertEraseKeepsSizeConsistent runs inserts and erases
// over a small shared key set across many goroutines, then checks that
// every key Range visits is findable and that the visited count equals
// Size().
func TestConcurrentInsertEraseKeepsSizeConsistent(t *testing.T) {
	m, _ := newTestMap(t)
	const n = 500

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%50)
			if i%3 == 0 {
				_, _ = m.Erase(key)
			} else {
				_, _ = m.Insert(key, i)
			}
		}(i)
	}
	wg.Wait()

	var live int64
	m.Range(func(k string, v int) bool {
		live++
		acc, ok := m.Find(k)
		require.True(t, ok)
		acc.Close()
		return true
	})
	assert.Equal(t, m.Size(), live)
}

// TestRuntimeInitializeRecoversUnlinkedTmpNode is scenario S2: a crash is
// simulated after a node is allocated and staged into tmp but before head
// is swung, by staging that state directly with withFakeStagedNode.
// RuntimeInitialize must free
// the orphaned node and leave the map in a state consistent with the key
// never having been inserted.
func TestRuntimeInitializeRecoversUnlinkedTmpNode(t *testing.T) {
	pool := heap.New()
	m := New[string, int](pool, fnv1a)

	b := m.table.at(0)
	var staged *node[string, int]
	err := func() error {
		return withFakeStagedNode(pool, b, func(n *node[string, int]) {
			staged = n
		})
	}()
	require.NoError(t, err)
	require.NotNil(t, staged)

	// Bucket head was never swung to staged: this is the "crash before
	// publication" branch of recoverTmp.
	require.NoError(t, m.RuntimeInitialize())

	assert.Nil(t, b.tmp.Load())
	assert.EqualValues(t, 0, m.Size())
}

// TestRuntimeInitializeKeepsPublishedTmpNode is the companion S2 case: the
// crash happens after head was swung to tmp but before tmp was cleared.
// RuntimeInitialize must treat the node as live.
func TestRuntimeInitializeKeepsPublishedTmpNode(t *testing.T) {
	pool := heap.New()
	m := New[string, int](pool, fnv1a)

	b := m.table.at(fnv1a("staged") & m.mask.Load())
	var staged *node[string, int]
	require.NoError(t, withFakeStagedNode(pool, b, func(n *node[string, int]) {
		staged = n
		b.head.Store(n) // simulate the publication swing completing
	}))
	require.NotNil(t, staged)

	require.NoError(t, m.RuntimeInitialize())

	assert.Nil(t, b.tmp.Load())
	assert.Same(t, staged, b.head.Load())
	assert.EqualValues(t, 1, m.Size())
}

func TestDefragmentRefusesWhileAccessorHeld(t *testing.T) {
	m, _ := newTestMap(t)
	_, err := m.Insert("k", 1)
	require.NoError(t, err)

	acc, ok := m.Find("k")
	require.True(t, ok)
	defer acc.Close()

	err = m.Defragment()
	assert.ErrorIs(t, err, ErrAccessorsHeld)

	err = m.Clear()
	assert.ErrorIs(t, err, ErrAccessorsHeld)
}

func TestKeysReturnsSortedSnapshot(t *testing.T) {
	m, _ := newTestMap(t)
	want := []string{"a", "b", "c", "d"}
	for _, k := range []string{"d", "b", "a", "c"} {
		_, err := m.Insert(k, 0)
		require.NoError(t, err)
	}

	got := m.Keys(func(a, b string) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	})
	assert.Equal(t, want, got)
}

func TestClearResetsMap(t *testing.T) {
	m, _ := newTestMap(t)
	for i := 0; i < 50; i++ {
		_, err := m.Insert(fmt.Sprintf("k%d", i), i)
		require.NoError(t, err)
	}
	require.NoError(t, m.Clear())
	assert.EqualValues(t, 0, m.Size())
	_, ok := m.Find("k0")
	assert.False(t, ok)
}
