package uhci

import (
	"math/bits"
	"sync"

	"github.com/ardnew/usbhcd/internal/barrier"
	"github.com/ardnew/usbhcd/internal/dma"
)

// numIntervalBuckets is the number of power-of-two interrupt intervals
// this schedule supports: 1, 2, 4, ..., 128 frames (UHCI spec 3.5
// recommends exactly this depth for a 1024-entry frame list).
const numIntervalBuckets = 8

// frameListEntries is the number of 1ms frames UHCI's frame list
// addresses (UHCI spec 3.1).
const frameListEntries = 1024

// EndpointList is the software mirror of UHCI's hardware-walked
// schedule: a 1024-entry frame list whose slots point into a tree of
// dummy "bucket" queue heads (one per interval depth), which cascade
// down into a shared control queue head and then a shared bulk queue
// head. A frame numbered f visits every bucket whose interval divides
// f+1, so an endpoint linked at bucket i is serviced every 2^i frames
// regardless of which frame first reaches it - the same cascading
// trick Linux's uhci-hcd "skeleton" queues use.
type EndpointList struct {
	descArena  *dma.Arena
	frameArena *dma.Arena
	frameIdx   dma.Index

	mu      sync.Mutex
	buckets [numIntervalBuckets]queueHead
	control queueHead
	bulk    queueHead
}

// NewEndpointList allocates the frame list and the fixed dummy queue
// heads, and wires them into the cascading schedule described above.
// frameArena must hand out a slot at least frameListEntries*4 bytes.
func NewEndpointList(descArena, frameArena *dma.Arena) (*EndpointList, error) {
	frameIdx, err := frameArena.Alloc()
	if err != nil {
		return nil, err
	}

	el := &EndpointList{descArena: descArena, frameArena: frameArena, frameIdx: frameIdx}

	for i := range el.buckets {
		qh, err := newQueueHead(descArena)
		if err != nil {
			return nil, err
		}
		qh.init()
		el.buckets[i] = qh
	}
	el.control, err = newQueueHead(descArena)
	if err != nil {
		return nil, err
	}
	el.control.init()

	el.bulk, err = newQueueHead(descArena)
	if err != nil {
		return nil, err
	}
	el.bulk.init()

	for i := numIntervalBuckets - 1; i > 0; i-- {
		el.buckets[i].setNextQH(qhAddr(descArena, el.buckets[i-1].idx))
	}
	el.buckets[0].setNextQH(qhAddr(descArena, el.control.idx))
	el.control.setNextQH(qhAddr(descArena, el.bulk.idx))
	el.bulk.terminateNext()

	fl := el.frameWords()
	for f := 0; f < frameListEntries; f++ {
		depth := bits.TrailingZeros(uint(f + 1))
		if depth > numIntervalBuckets-1 {
			depth = numIntervalBuckets - 1
		}
		barrier.Publish(fl[f], uint32(linkQHPtr(qhAddr(descArena, el.buckets[depth].idx))))
	}
	return el, nil
}

// frameWords returns addressable pointers to each of the frame list's
// 1024 32-bit slots, backed by the arena-owned byte buffer.
func (el *EndpointList) frameWords() []*uint32 {
	buf := el.frameArena.Bytes(el.frameIdx)
	out := make([]*uint32, len(buf)/4)
	for i := range out {
		out[i] = (*uint32)(wordAt(buf, i*4))
	}
	return out
}

// intervalDepth maps a polling interval (in frames) to the coarsest
// bucket whose period evenly services it.
func intervalDepth(interval uint8) int {
	if interval == 0 {
		interval = 1
	}
	depth := bits.Len8(interval) - 1
	if depth < 0 {
		depth = 0
	}
	if depth > numIntervalBuckets-1 {
		depth = numIntervalBuckets - 1
	}
	return depth
}

// qhAddr computes the synthetic bus address of a descriptor slot. A
// real platform HAL resolves [dma.Arena.BaseAddr] to an IOMMU-mapped or
// physically contiguous base; this module's arenas report base 0; the
// arithmetic here only needs to be a bijection stable for the arena's
// lifetime so link pointers round-trip through [qhAt].
func qhAddr(arena *dma.Arena, idx dma.Index) uint32 {
	return uint32(arena.BaseAddr()) + uint32(idx-1)*uint32(arena.Stride())
}

func qhAt(arena *dma.Arena, addr uint32) queueHead {
	idx := dma.Index(addr/uint32(arena.Stride())) + 1
	return queueHead{arena: arena, idx: idx}
}

// linkAfter appends qh to the tail of the hardware chain beginning at
// head, walking the horizontal links to find the current last entry so
// newly linked endpoints are serviced after whatever is already
// scheduled rather than jumping ahead of it.
func linkAfter(descArena *dma.Arena, head queueHead, qh queueHead) {
	tail := head
	for i := 0; i < frameListEntries; i++ {
		v := linkPointer(barrier.Observe(tail.nextWord()))
		if v.isTerminate() {
			break
		}
		tail = qhAt(descArena, v.address())
	}
	qh.terminateNext()
	tail.setNextQH(qhAddr(descArena, qh.idx))
}

// unlink removes the queue head at targetAddr from the chain starting
// at headWord, reporting whether it was found.
func unlink(descArena *dma.Arena, headWord *uint32, targetAddr uint32) bool {
	cur := headWord
	for i := 0; i < frameListEntries; i++ {
		v := linkPointer(barrier.Observe(cur))
		if v.isTerminate() {
			return false
		}
		if v.address() == targetAddr {
			target := qhAt(descArena, targetAddr)
			barrier.Publish(cur, barrier.Observe(target.nextWord()))
			return true
		}
		cur = qhAt(descArena, v.address()).nextWord()
	}
	return false
}

// LinkInterrupt attaches ep's queue head to the bucket matching
// interval.
func (el *EndpointList) LinkInterrupt(ep queueHead, interval uint8) {
	el.mu.Lock()
	defer el.mu.Unlock()
	linkAfter(el.descArena, el.buckets[intervalDepth(interval)], ep)
}

// UnlinkInterrupt detaches ep's queue head from the bucket matching
// interval.
func (el *EndpointList) UnlinkInterrupt(ep queueHead, interval uint8) {
	el.mu.Lock()
	defer el.mu.Unlock()
	unlink(el.descArena, el.buckets[intervalDepth(interval)].nextWord(), qhAddr(el.descArena, ep.idx))
}

// LinkControl attaches ep's queue head to the control queue.
func (el *EndpointList) LinkControl(ep queueHead) {
	el.mu.Lock()
	defer el.mu.Unlock()
	linkAfter(el.descArena, el.control, ep)
}

// UnlinkControl detaches ep's queue head from the control queue.
func (el *EndpointList) UnlinkControl(ep queueHead) {
	el.mu.Lock()
	defer el.mu.Unlock()
	unlink(el.descArena, el.control.nextWord(), qhAddr(el.descArena, ep.idx))
}

// LinkBulk attaches ep's queue head to the bulk queue.
func (el *EndpointList) LinkBulk(ep queueHead) {
	el.mu.Lock()
	defer el.mu.Unlock()
	linkAfter(el.descArena, el.bulk, ep)
}

// UnlinkBulk detaches ep's queue head from the bulk queue.
func (el *EndpointList) UnlinkBulk(ep queueHead) {
	el.mu.Lock()
	defer el.mu.Unlock()
	unlink(el.descArena, el.bulk.nextWord(), qhAddr(el.descArena, ep.idx))
}

// FrameListBaseBytes exposes the raw frame-list storage so hc.go can
// program FRBASEADD with its address.
func (el *EndpointList) FrameListBaseBytes() []byte {
	return el.frameArena.Bytes(el.frameIdx)
}
