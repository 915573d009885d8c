package chmap

import (
	"github.com/nbtaylor/ccpmem/plock"
	"github.com/nbtaylor/ccpmem/srp"
)

// node is a single durable hash-map entry. Its memory layout is invariant
// once published (spec.md §3): next mutates atomically under the owning
// bucket's lock, but key/value/mu never move.
type node[K comparable, V any] struct {
	mu    plock.Mutex
	next  srp.AtomicPtr[node[K, V]]
	key   K
	value V
}
