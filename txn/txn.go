// Package txn implements the transaction contract spec.md §4.2 requires of
// every durable mutation: a thread-associated stack of work phases that
// snapshots bytes before mutating them, commits by discarding the
// snapshots, and on abort (explicit or via panic) replays them so no
// partial publication is ever observable.
//
// The state machine is an undo-log lifecycle (Begin/Log/End/abort)
// generalized with the none/work/oncommit/onabort/finally/committed
// staging spec.md names, and backed by whatever pmem.Pool is passed to
// Run rather than a single process-global pool.
package txn

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/nbtaylor/ccpmem/pmem"
)

// Stage is one of the phases a transaction passes through.
type Stage int

const (
	StageNone Stage = iota
	StageWork
	StageOnCommit
	StageOnAbort
	StageFinally
	StageCommitted
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageWork:
		return "work"
	case StageOnCommit:
		return "oncommit"
	case StageOnAbort:
		return "onabort"
	case StageFinally:
		return "finally"
	case StageCommitted:
		return "committed"
	}
	return "unknown"
}

var (
	// ErrInvalidStage is returned when Alloc/Free/Snapshot is called
	// outside the WORK stage.
	ErrInvalidStage = errors.New("txn: operation not valid outside work stage")
	// ErrNotCommitted is returned by end when there is no open nesting
	// level left to close.
	ErrNotCommitted = errors.New("txn: no transaction to commit")
	// ErrInvariantViolation marks a fatal, non-recoverable invariant break
	// discovered mid-transaction. Nothing in this module returns or panics
	// with it; a panic inside Run's body, whatever its value, is recovered
	// by Run and returned as an error after the transaction aborts.
	ErrInvariantViolation = errors.New("txn: invariant violation")
)

// Tx is a thread-associated (really: call-stack-associated) transaction.
// A *Tx also implements pmem.Transactor, so pool implementations can ask
// whether it's safe to Alloc/Free/Snapshot.
type Tx struct {
	pool  pmem.Pool
	stage Stage
	depth int
}

// InWorkPhase implements pmem.Transactor.
func (t *Tx) InWorkPhase() bool { return t.stage == StageWork }

// Stage returns the transaction's current phase.
func (t *Tx) Stage() Stage { return t.stage }

// Pool returns the pool this transaction is bound to.
func (t *Tx) Pool() pmem.Pool { return t.pool }

// begin enters the WORK stage, supporting nesting: only the outermost
// begin/end pair actually commits or aborts durable state.
func (t *Tx) begin() {
	t.depth++
	t.stage = StageWork
}

// SnapshotRange records ptr[:size] so an abort can restore it. Idempotent
// for a range already snapshotted by this transaction. Only legal in the
// WORK stage.
func (t *Tx) SnapshotRange(ptr unsafe.Pointer, size uintptr) error {
	if t.stage != StageWork {
		return fmt.Errorf("txn: snapshot: %w", ErrInvalidStage)
	}
	if err := t.pool.Snapshot(t, ptr, size); err != nil {
		return fmt.Errorf("txn: snapshot: %w", err)
	}
	return nil
}

// Alloc allocates size bytes of tag inside the transaction. Only legal in
// the WORK stage.
func (t *Tx) Alloc(size uintptr, tag pmem.TypeTag) (pmem.Addr, error) {
	if t.stage != StageWork {
		return pmem.Addr{}, fmt.Errorf("txn: alloc: %w", ErrInvalidStage)
	}
	addr, err := t.pool.Alloc(t, size, tag)
	if err != nil {
		return pmem.Addr{}, fmt.Errorf("txn: alloc: %w", err)
	}
	return addr, nil
}

// Free releases addr inside the transaction. Only legal in the WORK stage.
func (t *Tx) Free(addr pmem.Addr) error {
	if t.stage != StageWork {
		return fmt.Errorf("txn: free: %w", ErrInvalidStage)
	}
	if err := t.pool.Free(t, addr); err != nil {
		return fmt.Errorf("txn: free: %w", err)
	}
	return nil
}

// abort unwinds the transaction, replaying all recorded snapshots.
func (t *Tx) abort() {
	if snapper, ok := t.pool.(interface{ AbortSnapshots(pmem.Transactor) }); ok {
		snapper.AbortSnapshots(t)
	}
	t.depth = 0
	t.stage = StageNone
}

// commit discards all recorded snapshots.
func (t *Tx) commit() {
	if snapper, ok := t.pool.(interface{ CommitSnapshots(pmem.Transactor) }); ok {
		snapper.CommitSnapshots(t)
	}
	t.stage = StageCommitted
}

// end leaves the current nesting level; only the outermost level commits.
func (t *Tx) end() error {
	if t.depth == 0 {
		return ErrNotCommitted
	}
	t.depth--
	if t.depth == 0 {
		t.commit()
	}
	return nil
}

// Run executes body inside a new transaction bound to pool. If body
// returns a non-nil error or panics, the transaction aborts (all
// snapshots replayed); a returned error propagates unchanged, and a
// panic is recovered and converted into a returned error, since spec.md
// §7 only requires that the caller observe the failure "with the
// transaction already aborted" — not that the panic itself continue
// unwinding the stack.
func Run(pool pmem.Pool, body func(tx *Tx) error) (err error) {
	tx := &Tx{pool: pool}
	tx.begin()

	defer func() {
		if r := recover(); r != nil {
			tx.abort()
			switch v := r.(type) {
			case error:
				err = fmt.Errorf("txn: aborted on panic: %w", v)
			default:
				err = fmt.Errorf("txn: aborted on panic: %v", v)
			}
		}
	}()

	if berr := body(tx); berr != nil {
		tx.abort()
		return berr
	}
	if eerr := tx.end(); eerr != nil {
		return eerr
	}
	return nil
}
