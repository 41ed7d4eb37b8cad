package ohci

import "github.com/ardnew/usbhcd/internal/dma"

// edAddr computes the synthetic bus address of a descriptor slot
// within arena - used for EDs, TDs and the HCCA alike, since all three
// are allocated as fixed-stride slots of some arena and only need a
// bijection stable for that arena's lifetime (mirrors the UHCI
// package's qhAddr/qhAt pair; see its doc comment for why BaseAddr is
// a synthetic, not physical, base on this platform).
func edAddr(arena *dma.Arena, idx dma.Index) uint32 {
	return uint32(arena.BaseAddr()) + uint32(idx-1)*uint32(arena.Stride())
}

func edAt(arena *dma.Arena, addr uint32) ed {
	idx := dma.Index(addr/uint32(arena.Stride())) + 1
	return ed{arena: arena, idx: idx}
}

func tdAt(arena *dma.Arena, addr uint32) td {
	idx := dma.Index(addr/uint32(arena.Stride())) + 1
	return td{arena: arena, idx: idx}
}
