package cskiplist

import (
	"unsafe"

	"github.com/nbtaylor/ccpmem/plock"
	"github.com/nbtaylor/ccpmem/srp"
)

// node is one skip-list entry: a durable key/value pair plus its own
// per-level forward pointers. Height (len(next)) is fixed at allocation
// time and never changes. The backing array for next itself lives on the
// Go heap rather than inside the pool's byte arena — the pool allocation
// carries the fixed-size header (mu/key/value/the slice descriptor), and
// the level array is sized once at construction; see DESIGN.md for why a
// literal flexible-array-member rendition isn't the idiomatic Go port
// here.
type node[K comparable, V any] struct {
	mu    plock.Mutex
	key   K
	value V
	next  []srp.AtomicPtr[node[K, V]]
}

func ptrOf[K comparable, V any](n *node[K, V]) unsafe.Pointer {
	return unsafe.Pointer(n)
}

// levelNext returns the node's successor at lvl, or nil if the node's
// height doesn't reach that level.
func (n *node[K, V]) levelNext(lvl int) *node[K, V] {
	if lvl >= len(n.next) {
		return nil
	}
	return n.next[lvl].Load()
}

func (n *node[K, V]) storeNext(lvl int, target *node[K, V]) {
	n.next[lvl].Store(target)
}
