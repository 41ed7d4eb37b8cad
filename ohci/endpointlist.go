package ohci

import (
	"math/bits"
	"sync"

	"github.com/ardnew/usbhcd/internal/barrier"
	"github.com/ardnew/usbhcd/internal/dma"
)

// numIntervalBuckets mirrors the UHCI package's cascading-bucket trick
// applied to OHCI's interrupt tree: rather than building the full
// 32-leaf binary tree OHCI's HCCA interrupt table technically allows,
// this module collapses it to one dummy ED per power-of-two interval
// (1, 2, 4, ..., 32 frames) and fans the 32 HCCA leaf slots out to
// whichever bucket evenly divides them, the same way Linux's ohci-hcd
// builds its reduced periodic tree.
const numIntervalBuckets = 6

// EndpointList is the software mirror of OHCI's three independent
// schedules: the periodic (interrupt) tree reached through the HCCA,
// and the control/bulk lists reached through HcControlHeadED and
// HcBulkHeadED. Every list has a permanent dummy head ED with an empty
// TD queue; hardware walking an empty ED does no work, so the dummy
// never needs to be special-cased by NextED patching the way a real
// queue's head would.
type EndpointList struct {
	descArena *dma.Arena
	hcca      hcca

	mu      sync.Mutex
	buckets [numIntervalBuckets]ed
	control ed
	bulk    ed
}

// NewEndpointList allocates the dummy heads and the HCCA, and wires the
// interrupt tree's 32 leaf entries down to the matching bucket.
func NewEndpointList(descArena *dma.Arena, hccaArena *dma.Arena) (*EndpointList, error) {
	h, err := newHCCA(hccaArena)
	if err != nil {
		return nil, err
	}
	el := &EndpointList{descArena: descArena, hcca: h}

	for i := range el.buckets {
		e, err := newED(descArena)
		if err != nil {
			return nil, err
		}
		e.init(0, 0, 0, edDirFromTD, false)
		e.setTail(0)
		e.setHead(0, false)
		el.buckets[i] = e
	}
	el.control, err = newED(descArena)
	if err != nil {
		return nil, err
	}
	el.control.init(0, 0, 0, edDirFromTD, false)

	el.bulk, err = newED(descArena)
	if err != nil {
		return nil, err
	}
	el.bulk.init(0, 0, 0, edDirFromTD, false)

	for i := 0; i < numIntervalTableEntries(); i++ {
		depth := bits.TrailingZeros(uint(i + 1))
		if depth > numIntervalBuckets-1 {
			depth = numIntervalBuckets - 1
		}
		el.hcca.setInterruptTable(i, edAddr(descArena, el.buckets[depth].idx))
	}
	return el, nil
}

func numIntervalTableEntries() int { return numInterruptTableEntries }

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

// linkAfter appends e to the tail of the hardware chain beginning at
// head, walking NextED to find the current last entry so newly linked
// endpoints are serviced after whatever is already scheduled rather
// than jumping ahead of it.
func linkAfter(descArena *dma.Arena, head ed, e ed) {
	tail := head
	limit := descArena.Capacity()
	for i := 0; i < limit; i++ {
		addr := barrier.Observe(tail.nextWord())
		if addr == 0 {
			break
		}
		tail = edAt(descArena, addr)
	}
	e.setNext(0)
	tail.setNext(edAddr(descArena, e.idx))
}

// unlinkFrom removes the ED at targetAddr from the chain starting at
// headWord, reporting whether it was found. Bounded by descArena's
// capacity rather than a frame count, since OHCI's lists are not
// frame-indexed the way UHCI's is.
func unlinkFrom(descArena *dma.Arena, headWord *uint32, targetAddr uint32) bool {
	cur := headWord
	limit := descArena.Capacity()
	for i := 0; i < limit; i++ {
		addr := barrier.Observe(cur)
		if addr == 0 {
			return false
		}
		if addr == targetAddr {
			target := edAt(descArena, targetAddr)
			barrier.Publish(cur, barrier.Observe(target.nextWord()))
			return true
		}
		cur = edAt(descArena, addr).nextWord()
	}
	return false
}

func (el *EndpointList) LinkInterrupt(e ed, interval uint8) {
	el.mu.Lock()
	defer el.mu.Unlock()
	linkAfter(el.descArena, el.buckets[intervalDepth(interval)], e)
}

func (el *EndpointList) UnlinkInterrupt(e ed, interval uint8) {
	el.mu.Lock()
	defer el.mu.Unlock()
	unlinkFrom(el.descArena, el.buckets[intervalDepth(interval)].nextWord(), edAddr(el.descArena, e.idx))
}

func (el *EndpointList) LinkControl(e ed) {
	el.mu.Lock()
	defer el.mu.Unlock()
	linkAfter(el.descArena, el.control, e)
}

func (el *EndpointList) UnlinkControl(e ed) {
	el.mu.Lock()
	defer el.mu.Unlock()
	unlinkFrom(el.descArena, el.control.nextWord(), edAddr(el.descArena, e.idx))
}

func (el *EndpointList) LinkBulk(e ed) {
	el.mu.Lock()
	defer el.mu.Unlock()
	linkAfter(el.descArena, el.bulk, e)
}

func (el *EndpointList) UnlinkBulk(e ed) {
	el.mu.Lock()
	defer el.mu.Unlock()
	unlinkFrom(el.descArena, el.bulk.nextWord(), edAddr(el.descArena, e.idx))
}

// ControlHeadAddr/BulkHeadAddr/HCCAAddr expose the dummy heads' and
// HCCA's addresses so hc.go can program HcControlHeadED, HcBulkHeadED
// and HcHCCA at start-up.
func (el *EndpointList) ControlHeadAddr() uint32 { return edAddr(el.descArena, el.control.idx) }
func (el *EndpointList) BulkHeadAddr() uint32    { return edAddr(el.descArena, el.bulk.idx) }
func (el *EndpointList) HCCAAddr() uint32        { return el.hcca.physAddr() }

func (el *EndpointList) FrameNumber() uint16         { return el.hcca.frameNumber() }
func (el *EndpointList) DoneHead() (uint32, bool)    { return el.hcca.doneHead() }
