// Package barrier centralizes the one invariant every descriptor writer
// in this module must respect: hardware must never observe a
// partially-initialized descriptor. A controller polling memory over
// its DMA engine can interleave with a goroutine's stores in any order
// the memory model allows; every personality package writes a
// descriptor's body first and its "activate" word (a Link Pointer's
// valid bit, a TD's active bit, an ED's head pointer) last, through
// [Publish], so the ordering is visible at every call site instead of
// being implicit.
//
// There is no third-party memory-barrier library in the example
// corpus - this concern is inherently `sync/atomic`, the same primitive
// the standard library itself uses to express publish/subscribe
// orderings, so no ecosystem dependency is dropped in favor of it.
package barrier

import "sync/atomic"

// Publish stores v into *addr with release semantics: every plain store
// the caller performed before calling Publish happens-before any reader
// that later observes v via [Observe]. Use this for the final word of a
// descriptor - the one a host controller's DMA engine polls to decide
// the descriptor is ready.
func Publish(addr *uint32, v uint32) {
	atomic.StoreUint32(addr, v)
}

// Observe loads *addr with acquire semantics, pairing with [Publish].
// Software completion scanners use this to read a descriptor's status
// word so that any fields the hardware wrote before flipping that
// status are visible afterward.
func Observe(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

// PublishPtr is the pointer-sized equivalent of [Publish], used for
// link-pointer words that are stored as uintptr on 64-bit builds.
func PublishPtr(addr *uint64, v uint64) {
	atomic.StoreUint64(addr, v)
}

// ObservePtr is the pointer-sized equivalent of [Observe].
func ObservePtr(addr *uint64) uint64 {
	return atomic.LoadUint64(addr)
}
