package uhci

import (
	"github.com/ardnew/usbhcd/internal/barrier"
	"github.com/ardnew/usbhcd/internal/dma"
)

// qhStride is the byte size of one UHCI QH: Next(4) + Element(4),
// padded to a 16-byte DMA alignment boundary (UHCI spec 3.3).
const qhStride = 16

type queueHead struct {
	arena *dma.Arena
	idx   dma.Index
}

func newQueueHead(arena *dma.Arena) (queueHead, error) {
	idx, err := arena.Alloc()
	if err != nil {
		return queueHead{}, err
	}
	return queueHead{arena: arena, idx: idx}, nil
}

func (q queueHead) bytes() []byte      { return q.arena.Bytes(q.idx) }
func (q queueHead) nextWord() *uint32  { return (*uint32)(wordAt(q.bytes(), 0)) }
func (q queueHead) elemWord() *uint32  { return (*uint32)(wordAt(q.bytes(), 4)) }

// init sets both link pointers to Terminate, a safe initial state: the
// controller may walk this QH the instant it is linked into the
// schedule, before any TD has been attached.
func (q queueHead) init() {
	barrier.Publish(q.nextWord(), uint32(linkTerm))
	barrier.Publish(q.elemWord(), uint32(linkTerm))
}

// setNextQH links this QH's horizontal pointer to another QH.
func (q queueHead) setNextQH(addr uint32) {
	barrier.Publish(q.nextWord(), uint32(linkQHPtr(addr)))
}

// terminateNext marks this QH as the last in its horizontal chain.
func (q queueHead) terminateNext() {
	barrier.Publish(q.nextWord(), uint32(linkTerm))
}

// setElementTD points the QH's element pointer at the head TD of its
// transfer, the store that actually arms the queue for execution.
// Called last, after the TD chain it points to is fully built.
func (q queueHead) setElementTD(addr uint32) {
	barrier.Publish(q.elemWord(), uint32(linkTD(addr)))
}

// elementIsTerminate reports whether the controller has consumed (and
// advanced past) every TD attached to this QH.
func (q queueHead) elementIsTerminate() bool {
	return linkPointer(barrier.Observe(q.elemWord())).isTerminate()
}

func (q queueHead) free() { q.arena.Free(q.idx) }
