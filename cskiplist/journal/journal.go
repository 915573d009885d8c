// Package journal implements the skip list's thread-local completion
// journal from spec.md §3/§4.4: a durable record of an in-flight insert
// that lets runtime_initialize finish or roll back work interrupted by a
// crash, instead of ever observing a torn, partially-linked node.
//
// Go has no thread-locals, so this is rendered as an explicit registry:
// each in-flight insert attaches its own Handle (the Go-native substitute
// for "the calling thread's TLS slot" — recorded as an Open Question
// resolution in DESIGN.md) and must release it when done.
package journal

import (
	"sync"
	"unsafe"

	"github.com/nbtaylor/ccpmem/pmem"
)

// Stage mirrors spec.md's insert_stage field.
type Stage int32

const (
	NotStarted Stage = iota
	InProgress
)

// Entry is the exact 4-field record spec.md names: { node_ptr, size_delta,
// insert_stage, padding } — Go needs no explicit padding field, the
// struct's natural alignment already fixes its layout.
type Entry struct {
	Addr      pmem.Addr
	SizeDelta int64
	Stage     Stage
}

// Handle is a caller's lease on one journal Entry, held for the duration
// of a single insert.
type Handle struct {
	entry *Entry
	pool  pmem.Pool
}

// Begin records the start of an insert: the node about to be linked and
// the size delta it will contribute once committed. Matches spec.md
// step 2.
func (h *Handle) Begin(addr pmem.Addr, sizeDelta int64) {
	h.entry.Addr = addr
	h.entry.SizeDelta = sizeDelta
	h.entry.Stage = NotStarted
	h.pool.Persist(unsafe.Pointer(h.entry), unsafe.Sizeof(*h.entry))
}

// MarkInProgress records that the node's next[] pointers are valid and
// the predecessor swings are about to begin (spec.md step 8).
func (h *Handle) MarkInProgress() {
	h.entry.Stage = InProgress
	h.pool.Persist(unsafe.Pointer(&h.entry.Stage), unsafe.Sizeof(h.entry.Stage))
}

// Clear resets the entry to its at-rest state (spec.md step 10, and the
// cancellation path).
func (h *Handle) Clear() {
	h.entry.Addr = pmem.Addr{}
	h.entry.SizeDelta = 0
	h.entry.Stage = NotStarted
	h.pool.Persist(unsafe.Pointer(h.entry), unsafe.Sizeof(*h.entry))
}

// Registry is a durable, operation-partitioned map of journal entries.
// Entries are never removed, only cleared, so runtime_initialize's sweep
// over Entries() sees every slot ever attached.
type Registry struct {
	pool pmem.Pool

	mu      sync.Mutex
	entries []*Entry
}

// NewRegistry creates an empty registry bound to pool.
func NewRegistry(pool pmem.Pool) *Registry {
	return &Registry{pool: pool}
}

// Attach reserves a fresh entry for the duration of one insert.
func (r *Registry) Attach() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &Entry{}
	r.entries = append(r.entries, e)
	return &Handle{entry: e, pool: r.pool}
}

// Entries returns every entry ever attached, for runtime_initialize's
// single-threaded recovery sweep (spec.md §4.4's "Crash recovery").
func (r *Registry) Entries() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
