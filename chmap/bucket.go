package chmap

import (
	"sync/atomic"
	"unsafe"

	"github.com/nbtaylor/ccpmem/plock"
	"github.com/nbtaylor/ccpmem/srp"
	"github.com/nbtaylor/ccpmem/txn"
)

// bucket is one slot of the hash map's segment table: { mutex,
// rehashed_flag, node_list_head, tmp_node } per spec.md §3.
type bucket[K comparable, V any] struct {
	mu       plock.RWMutex
	rehashed atomic.Bool
	head     srp.AtomicPtr[node[K, V]]
	tmp      srp.AtomicPtr[node[K, V]]
}

func ptrOf[K comparable, V any](n *node[K, V]) unsafe.Pointer {
	return unsafe.Pointer(n)
}

// recoverTmp implements the crash-recovery rule from spec.md §4.3: if tmp
// is non-null and the bucket's head already equals it, the prior crash
// happened after publication (head was already swung to tmp) — so the
// node is live and only the staging pointer needs clearing. Otherwise the
// staged node was never linked in and must be freed. Must be called with
// b.mu held exclusively.
func (b *bucket[K, V]) recoverTmp(m *Map[K, V]) error {
	staged := b.tmp.Load()
	if staged == nil {
		return nil
	}
	if b.head.Load() == staged {
		b.tmp.Store(nil)
		return nil
	}
	addr, ok := m.pool.AddrOf(ptrOf(staged))
	if ok {
		err := txn.Run(m.pool, func(tx *txn.Tx) error {
			return tx.Free(addr)
		})
		if err != nil {
			return err
		}
	}
	b.tmp.Store(nil)
	return nil
}
