package srp

import "unsafe"

// ptrOf returns the address of a pool-resident value as unsafe.Pointer,
// the form pmem.Pool.AddrOf expects.
func ptrOf[T any](t *T) unsafe.Pointer {
	return unsafe.Pointer(t)
}
