package ehci

import "github.com/ardnew/usbhcd/internal/dma"

// slotAddr computes the synthetic bus address of a descriptor slot
// within arena, the same bijection the UHCI and OHCI packages use: a
// real platform HAL resolves [dma.Arena.BaseAddr] to an IOMMU-mapped or
// physically contiguous base, but every link pointer this module writes
// only needs a value stable for the arena's lifetime and invertible by
// [atAddr].
func slotAddr(arena *dma.Arena, idx dma.Index) uint32 {
	return uint32(arena.BaseAddr()) + uint32(idx-1)*uint32(arena.Stride())
}

func atAddr(arena *dma.Arena, addr uint32) dma.Index {
	return dma.Index(addr/uint32(arena.Stride())) + 1
}
