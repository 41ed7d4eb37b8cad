package ohci

import (
	"github.com/ardnew/usbhcd/internal/barrier"
	"github.com/ardnew/usbhcd/internal/dma"
)

// hcca wraps the single Host Controller Communications Area slot this
// controller allocates. The real structure is written by hardware
// (interrupt table is read-only to the HC once programmed; frame
// number and done head are HC-written, driver-read), so every accessor
// here goes through [barrier.Observe] rather than a plain load.
type hcca struct {
	arena *dma.Arena
	idx   dma.Index
}

func newHCCA(arena *dma.Arena) (hcca, error) {
	idx, err := arena.Alloc()
	if err != nil {
		return hcca{}, err
	}
	h := hcca{arena: arena, idx: idx}
	buf := h.bytes()
	for i := range buf {
		buf[i] = 0
	}
	return h, nil
}

func (h hcca) bytes() []byte { return h.arena.Bytes(h.idx) }

func (h hcca) interruptTableWord(i int) *uint32 {
	return wordPtr(h.bytes(), hccaInterruptTableOffset+4*i)
}

func (h hcca) setInterruptTable(i int, addr uint32) {
	barrier.Publish(h.interruptTableWord(i), addr)
}

func (h hcca) frameNumber() uint16 {
	return uint16(barrier.Observe(wordPtr(h.bytes(), hccaFrameNumberOffset)))
}

// doneHead returns the most recent value the HC wrote into HccaDoneHead,
// and the low bit (WritebackDoneHead interrupt pending flag) separately.
func (h hcca) doneHead() (addr uint32, interruptPending bool) {
	v := barrier.Observe(wordPtr(h.bytes(), hccaDoneHeadOffset))
	return v &^ 1, v&1 != 0
}

func (h hcca) physAddr() uint32 { return edAddr(h.arena, h.idx) }
