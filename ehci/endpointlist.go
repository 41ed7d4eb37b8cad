package ehci

import (
	"math/bits"
	"sync"

	"github.com/ardnew/usbhcd/internal/barrier"
	"github.com/ardnew/usbhcd/internal/dma"
)

// frameListEntries is the number of 1ms frames this module's periodic
// list addresses (EHCI spec 3.3 permits 256, 512 or 1024; this module
// always programs the 1024-entry size, matching USB_CMD_FRAME_LIST_SIZE_1024).
const frameListEntries = 1024

// numIntervalBuckets mirrors the UHCI/OHCI packages' cascading-bucket
// trick: one dummy interrupt QH per power-of-two interval (1, 2, 4,
// ..., 512 frames) rather than the full depth a real driver's bandwidth
// allocator would build.
const numIntervalBuckets = 10

// EndpointList is the software mirror of EHCI's two independent
// schedules: the periodic frame list (reached through
// PERIODICLISTBASE) whose 1024 entries fan into the cascading
// interrupt-QH buckets, and the circular asynchronous queue-head ring
// (reached through ASYNCLISTADDR) every control and bulk endpoint
// shares, with a permanent head QH marked H=1 so the controller never
// runs the ring dry the way UHCI's and OHCI's dummy heads prevent the
// same thing.
type EndpointList struct {
	descArena  *dma.Arena
	frameArena *dma.Arena
	frameIdx   dma.Index

	mu      sync.Mutex
	buckets [numIntervalBuckets]qh
	asyncHead qh
}

// NewEndpointList allocates the frame list and the fixed dummy queue
// heads, and wires the periodic tree's 1024 entries down to the
// matching bucket.
func NewEndpointList(descArena, frameArena *dma.Arena) (*EndpointList, error) {
	frameIdx, err := frameArena.Alloc()
	if err != nil {
		return nil, err
	}
	el := &EndpointList{descArena: descArena, frameArena: frameArena, frameIdx: frameIdx}

	for i := range el.buckets {
		q, err := newQH(descArena)
		if err != nil {
			return nil, err
		}
		q.init(0, 0, 0, qhSpeedHigh, false, false)
		el.buckets[i] = q
	}
	for i := numIntervalBuckets - 1; i > 0; i-- {
		el.buckets[i].setLink(slotAddr(descArena, el.buckets[i-1].idx))
	}
	el.buckets[0].setLinkTerminate()

	el.asyncHead, err = newQH(descArena)
	if err != nil {
		return nil, err
	}
	el.asyncHead.init(0, 0, 0, qhSpeedHigh, false, true)
	el.asyncHead.setLink(slotAddr(descArena, el.asyncHead.idx)) // ring of one

	fl := el.frameWords()
	for f := 0; f < frameListEntries; f++ {
		depth := bits.TrailingZeros(uint(f + 1))
		if depth > numIntervalBuckets-1 {
			depth = numIntervalBuckets - 1
		}
		barrier.Publish(fl[f], (slotAddr(descArena, el.buckets[depth].idx)&^0x1F)|linkTypeQH)
	}
	return el, nil
}

func (el *EndpointList) frameWords() []*uint32 {
	buf := el.frameArena.Bytes(el.frameIdx)
	out := make([]*uint32, len(buf)/4)
	for i := range out {
		out[i] = (*uint32)(wordAt(buf, i*4))
	}
	return out
}

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

func linkAfter(descArena *dma.Arena, head qh, q qh) {
	old := barrier.Observe(head.linkWord())
	barrier.Publish(q.linkWord(), old)
	head.setLink(slotAddr(descArena, q.idx))
}

func unlink(descArena *dma.Arena, headWord *uint32, targetAddr uint32, limit int) bool {
	cur := headWord
	for i := 0; i < limit; i++ {
		v := barrier.Observe(cur)
		if v&linkTerm != 0 {
			return false
		}
		addr := v &^ 0x1F
		if addr == targetAddr {
			target := qhAt(descArena, targetAddr)
			barrier.Publish(cur, barrier.Observe(target.linkWord()))
			return true
		}
		cur = qhAt(descArena, addr).linkWord()
	}
	return false
}

func qhAt(arena *dma.Arena, addr uint32) qh {
	return qh{arena: arena, idx: atAddr(arena, addr)}
}

// LinkInterrupt attaches ep's queue head to the bucket matching
// interval.
func (el *EndpointList) LinkInterrupt(q qh, interval uint8) {
	el.mu.Lock()
	defer el.mu.Unlock()
	linkAfter(el.descArena, el.buckets[intervalDepth(interval)], q)
}

// UnlinkInterrupt detaches ep's queue head from the bucket matching
// interval.
func (el *EndpointList) UnlinkInterrupt(q qh, interval uint8) {
	el.mu.Lock()
	defer el.mu.Unlock()
	unlink(el.descArena, el.buckets[intervalDepth(interval)].linkWord(), slotAddr(el.descArena, q.idx), frameListEntries)
}

// LinkAsync attaches ep's queue head to the shared control/bulk ring.
func (el *EndpointList) LinkAsync(q qh) {
	el.mu.Lock()
	defer el.mu.Unlock()
	linkAfter(el.descArena, el.asyncHead, q)
}

// UnlinkAsync detaches ep's queue head from the shared ring.
func (el *EndpointList) UnlinkAsync(q qh) {
	el.mu.Lock()
	defer el.mu.Unlock()
	unlink(el.descArena, el.asyncHead.linkWord(), slotAddr(el.descArena, q.idx), el.descArena.Capacity())
}

// FrameListBaseBytes exposes the raw frame-list storage so hc.go can
// program PERIODICLISTBASE with its address.
func (el *EndpointList) FrameListBaseBytes() []byte {
	return el.frameArena.Bytes(el.frameIdx)
}

// AsyncHeadAddr exposes the async ring's permanent head so hc.go can
// program ASYNCLISTADDR at start-up.
func (el *EndpointList) AsyncHeadAddr() uint32 {
	return slotAddr(el.descArena, el.asyncHead.idx)
}
