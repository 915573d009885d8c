package chmap

import "errors"

var (
	// ErrAccessorsHeld is returned by Defragment when callers still hold
	// outstanding Accessor/ConstAccessor guards: per spec.md §9's open
	// question, this port documents and enforces that Defragment must
	// not rewrite accessor-held nodes by refusing to run at all while any
	// accessor is outstanding, rather than risk racing one.
	ErrAccessorsHeld = errors.New("chmap: defragment called while accessors are held")
)
