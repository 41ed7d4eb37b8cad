package ohci

import "unsafe"

// wordAt returns a pointer to the 32-bit word at byte offset off within
// buf. Descriptor storage comes from a [dma.Arena] slot sized and
// aligned for this purpose, so the resulting pointer is safe to hand to
// sync/atomic.
func wordAt(buf []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&buf[off])
}
