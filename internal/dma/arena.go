// Package dma provides a fixed-capacity arena for hardware descriptors
// that must live at a stable address for the lifetime of a host
// controller. Real host-controller DMA memory is non-relocatable and
// must be addressed by the 32-bit (or, for EHCI 64-bit mode, split
//32-bit) physical address a controller's link pointers encode - not by
// a Go pointer a GC could move. The arena owns one contiguous byte slice
// per descriptor kind and hands callers a typed [Index] into it instead
// of a pointer, mirroring the pointer-to-index substitution called for
// by the host-controller design notes.
//
// Nothing here talks to real physical memory; on a hosted OS a real HAL
// would back this with memory obtained from an IOMMU-mapped or
// pre-reserved region and translate [Index] to a bus address before
// writing it into a link pointer. The arena's job is only to guarantee
// stable, non-overlapping storage and cheap reuse.
package dma

import (
	"sync"

	"github.com/ardnew/usbhcd/pkg"
)

// Index identifies one descriptor slot within an [Arena]. The zero value
// is never valid; [Arena.Alloc] starts numbering at 1 so a zero Index
// can double as a "null" sentinel the way a null pointer would.
type Index uint32

// Arena is a fixed-capacity, fixed-stride pool of descriptor storage.
// All methods are safe for concurrent use.
type Arena struct {
	mu       sync.Mutex
	stride   int
	data     []byte
	free     []Index
	nextFree Index
}

// New creates an arena holding up to capacity descriptors of stride
// bytes each. stride should already include any hardware alignment
// padding the descriptor's layout requires.
func New(stride, capacity int) *Arena {
	return &Arena{
		stride:   stride,
		data:     make([]byte, stride*capacity),
		nextFree: 1,
	}
}

// Alloc reserves one descriptor slot and returns its index. The
// returned slot's bytes are zeroed.
func (a *Arena) Alloc() (Index, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx Index
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		cap := Index(len(a.data) / a.stride)
		if a.nextFree > cap {
			return 0, pkg.ErrNoMemory
		}
		idx = a.nextFree
		a.nextFree++
	}
	clear(a.slice(idx))
	return idx, nil
}

// Free returns a slot to the pool. The caller must ensure no hardware
// link pointer still references idx.
func (a *Arena) Free(idx Index) {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.slice(idx))
	a.free = append(a.free, idx)
}

// Bytes returns the backing storage for idx. The slice aliases the
// arena's internal buffer; writes through it are visible to hardware
// immediately (subject to the caller observing [barrier] ordering).
func (a *Arena) Bytes(idx Index) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slice(idx)
}

func (a *Arena) slice(idx Index) []byte {
	off := int(idx-1) * a.stride
	return a.data[off : off+a.stride]
}

// BaseAddr returns an opaque base value callers combine with an Index
// and stride to compute a bus address. It exists only so a HAL layer can
// do arithmetic without depending on the arena's internal slice type.
func (a *Arena) BaseAddr() uintptr {
	return uintptr(0)
}

// Stride returns the per-slot byte size the arena was constructed with.
func (a *Arena) Stride() int { return a.stride }

// Capacity returns the number of descriptor slots the arena was
// constructed to hold.
func (a *Arena) Capacity() int { return len(a.data) / a.stride }
