package ohci

import (
	"github.com/ardnew/usbhcd/bus"
	"github.com/ardnew/usbhcd/internal/dma"
	"github.com/ardnew/usbhcd/pkg"
)

// segment pairs one TD with the portion of the caller's data buffer it
// carries. isData distinguishes a control transfer's SETUP/STATUS TDs
// (which never count toward the reported transferred length) from its
// DATA-stage TDs and every bulk/interrupt TD, mirroring the host
// controller driver convention this package is grounded on: the
// reported size starts at the data stage's length alone, and every
// successfully executed TD's unused remainder is subtracted from it.
type segment struct {
	t       td
	bufIdx  dma.Index
	bounce  []byte
	dst     []byte
	isData  bool
	reqLen  int
}

// Batch is one scheduled OHCI transfer: a chain of TDs beginning in
// the endpoint's permanent "cur" slot and ending at its permanent
// "next" slot, which becomes the new tail sentinel once scheduled.
type Batch struct {
	bus.BatchBase

	descArena *dma.Arena
	dataArena *dma.Arena
	ep        *Endpoint
	segs      []segment
	firstAddr uint32
}

// buildBatch constructs (but does not yet schedule) a batch for ep.
// setup is nil for bulk/interrupt transfers.
func buildBatch(descArena, dataArena *dma.Arena, ep *Endpoint, setup *bus.SetupPacket, data []byte) (*Batch, error) {
	b := &Batch{
		BatchBase: bus.NewBatchBase(),
		descArena: descArena,
		dataArena: dataArena,
		ep:        ep,
	}

	maxPkt := ep.MaxPacketSize()
	if maxPkt == 0 {
		maxPkt = 8
	}

	type plan struct {
		dp     int
		toggle int
		chunk  []byte
		reqLen int
		isData bool
	}
	var plans []plan

	if setup != nil {
		setupBuf := make([]byte, bus.SetupPacketSize)
		setup.MarshalTo(setupBuf)
		plans = append(plans, plan{dp: dpSetup, toggle: tData0, chunk: setupBuf, reqLen: bus.SetupPacketSize, isData: false})

		dataDir := dpOut
		if setup.RequestType&0x80 != 0 {
			dataDir = dpIn
		}
		toggle := tData1
		remaining := data
		for len(remaining) > 0 {
			n := len(remaining)
			if n > int(maxPkt) {
				n = int(maxPkt)
			}
			plans = append(plans, plan{dp: dataDir, toggle: toggle, chunk: remaining[:n], reqLen: n, isData: true})
			toggle = tUseED
			remaining = remaining[n:]
		}

		statusDP := dpIn
		if dataDir == dpIn {
			statusDP = dpOut
		}
		plans = append(plans, plan{dp: statusDP, toggle: tData1, chunk: nil, reqLen: 0, isData: false})
	} else {
		dp := dpOut
		if ep.Direction() == bus.DirectionIn {
			dp = dpIn
		}
		remaining := data
		if len(remaining) == 0 {
			plans = append(plans, plan{dp: dp, toggle: tUseED, chunk: nil, reqLen: 0, isData: true})
		}
		for len(remaining) > 0 {
			n := len(remaining)
			if n > int(maxPkt) {
				n = int(maxPkt)
			}
			plans = append(plans, plan{dp: dp, toggle: tUseED, chunk: remaining[:n], reqLen: n, isData: true})
			remaining = remaining[n:]
		}
	}

	slots := make([]td, len(plans))
	slots[0] = ep.cur
	for i := 1; i < len(plans); i++ {
		t, err := newTD(descArena)
		if err != nil {
			for j := 1; j < i; j++ {
				slots[j].free()
			}
			return nil, err
		}
		slots[i] = t
	}
	b.firstAddr = edAddr(descArena, ep.cur.idx)

	for i, p := range plans {
		t := slots[i]
		isIn := p.dp == dpIn
		var bidx dma.Index
		var bounce []byte
		if p.reqLen > 0 {
			var err error
			bidx, err = dataArena.Alloc()
			if err != nil {
				for j := 1; j < len(slots); j++ {
					slots[j].free()
				}
				return nil, err
			}
			bounce = dataArena.Bytes(bidx)[:p.reqLen]
			if !isIn {
				copy(bounce, p.chunk)
			}
			t.setBuffer(edAddr(dataArena, bidx), p.reqLen)
		} else {
			t.setBuffer(0, 0)
		}
		rounding := isIn
		ioc := i == len(plans)-1
		t.setControl(p.dp, p.toggle, ioc, rounding)
		b.segs = append(b.segs, segment{t: t, bufIdx: bidx, bounce: bounce, dst: chunkDst(isIn, p.chunk), isData: p.isData, reqLen: p.reqLen})
	}

	for i := 0; i < len(slots)-1; i++ {
		slots[i].setNext(edAddr(descArena, slots[i+1].idx))
	}
	slots[len(slots)-1].setNext(edAddr(descArena, ep.next.idx))

	for i := len(slots) - 1; i >= 0; i-- {
		slots[i].publish()
	}

	return b, nil
}

func chunkDst(isIn bool, chunk []byte) []byte {
	if isIn {
		return chunk
	}
	return nil
}

// schedule links the batch into the endpoint's ED by moving its tail
// to the endpoint's (still-unfilled) next slot, then swaps cur/next so
// the following batch builds into what is now the sentinel.
func (b *Batch) schedule() {
	b.ep.e.setTail(edAddr(b.descArena, b.ep.next.idx))
	b.ep.swap()
}

// scan inspects the TD chain for completion. Mirrors the grounded
// driver's check: an error on any TD halts the ED, so on error this
// resets the ED's head back to the batch's first TD and clears the
// halted bit, readying the endpoint for its next transfer.
func (b *Batch) scan() (done bool, transferred int, err error) {
	for _, seg := range b.segs {
		if seg.t.isActive() {
			return false, 0, nil
		}
	}
	for _, seg := range b.segs {
		cc := seg.t.conditionCode()
		if cc != ccNoError {
			err = ohciError(cc)
			b.ep.e.setHead(b.firstAddr, false)
			break
		}
		if seg.isData {
			n := seg.reqLen - seg.t.remaining()
			if seg.dst != nil {
				copy(seg.dst, seg.bounce[:n])
			}
			transferred += n
		}
	}
	return true, transferred, err
}

func ohciError(cc uint32) error {
	switch cc {
	case ccStall:
		return pkg.ErrStall
	case ccCRC:
		return pkg.ErrCRC
	case ccBitstuffing:
		return pkg.ErrBitStuff
	case ccDataOverrun, ccBufferOverrun:
		return pkg.ErrOverrun
	case ccDataUnderrun, ccBufferUnderrun:
		return pkg.ErrOverrun
	case ccDeviceNotResponding:
		return pkg.ErrNAK
	case ccDataToggleMismatch:
		return pkg.ErrCRC
	default:
		return pkg.ErrProtocol
	}
}

// release frees every scratch TD this batch allocated (all but the
// permanent cur slot, which the endpoint keeps) along with their data
// bounce buffers. Called when a batch is abandoned before scheduling.
func (b *Batch) release() {
	for i, seg := range b.segs {
		if i > 0 {
			seg.t.free()
		}
		if seg.reqLen > 0 {
			b.dataArena.Free(seg.bufIdx)
		}
	}
	b.segs = nil
}

// destroy frees a scheduled batch's scratch TDs and bounce buffers
// once its completion has been observed. The permanent cur/next slots
// are never freed here; they live for the endpoint's lifetime.
func (b *Batch) destroy() {
	for i, seg := range b.segs {
		if i > 0 {
			seg.t.free()
		}
		if seg.reqLen > 0 {
			b.dataArena.Free(seg.bufIdx)
		}
	}
}
