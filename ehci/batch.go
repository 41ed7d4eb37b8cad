package ehci

import (
	"github.com/ardnew/usbhcd/bus"
	"github.com/ardnew/usbhcd/internal/dma"
	"github.com/ardnew/usbhcd/pkg"
)

// maxChunkSize is the largest data payload this package ever gives a
// single qTD, even though five buffer pointers could in principle
// cover 20KiB: a qTD only guarantees that much when its buffer starts
// exactly page-aligned, so - mirroring the grounded driver's
// EHCI_TD_MAX_TRANSFER - this package stays within the 16KiB bound
// that holds for any starting offset.
const maxChunkSize = 16 * 1024

// segment pairs one qTD with the portion of the caller's data buffer
// it carries. isData distinguishes a control transfer's SETUP/STATUS
// qTDs, which never count toward the reported transferred length,
// from its DATA-stage qTDs and every bulk/interrupt qTD.
type segment struct {
	t      td
	bufIdx dma.Index
	bounce []byte
	dst    []byte
	isData bool
	reqLen int
}

// Batch is one scheduled EHCI transfer: a freshly allocated chain of
// qTDs spliced onto the endpoint's queue head overlay. Unlike OHCI,
// EHCI needs no permanent TD slots - every batch allocates its own
// scratch descriptors and the queue head's overlay simply points at
// whichever chain is current.
type Batch struct {
	bus.BatchBase

	descArena *dma.Arena
	dataArena *dma.Arena
	ep        *Endpoint
	segs      []segment
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

	type plan struct {
		pid    int
		toggle bool
		chunk  []byte
		reqLen int
		isData bool
	}
	var plans []plan

	if setup != nil {
		setupBuf := make([]byte, bus.SetupPacketSize)
		setup.MarshalTo(setupBuf)
		plans = append(plans, plan{pid: pidSetup, toggle: false, chunk: setupBuf, reqLen: bus.SetupPacketSize, isData: false})

		dataPID := pidOut
		if setup.RequestType&0x80 != 0 {
			dataPID = pidIn
		}
		toggle := true
		remaining := data
		for len(remaining) > 0 {
			n := len(remaining)
			if n > maxChunkSize {
				n = maxChunkSize
			}
			plans = append(plans, plan{pid: dataPID, toggle: toggle, chunk: remaining[:n], reqLen: n, isData: true})
			toggle = !toggle
			remaining = remaining[n:]
		}

		statusPID := pidIn
		if dataPID == pidIn {
			statusPID = pidOut
		}
		plans = append(plans, plan{pid: statusPID, toggle: true, chunk: nil, reqLen: 0, isData: false})
	} else {
		pid := pidOut
		if ep.Direction() == bus.DirectionIn {
			pid = pidIn
		}
		toggle := ep.currentToggle()
		remaining := data
		if len(remaining) == 0 {
			plans = append(plans, plan{pid: pid, toggle: toggle, chunk: nil, reqLen: 0, isData: true})
		}
		for len(remaining) > 0 {
			n := len(remaining)
			if n > maxChunkSize {
				n = maxChunkSize
			}
			plans = append(plans, plan{pid: pid, toggle: toggle, chunk: remaining[:n], reqLen: n, isData: true})
			toggle = !toggle
			remaining = remaining[n:]
		}
	}

	slots := make([]td, len(plans))
	for i := range plans {
		t, err := newTD(descArena)
		if err != nil {
			for j := 0; j < i; j++ {
				slots[j].free()
			}
			return nil, err
		}
		slots[i] = t
	}

	for i, p := range plans {
		t := slots[i]
		isIn := p.pid == pidIn
		var bidx dma.Index
		var bounce []byte
		if p.reqLen > 0 {
			var err error
			bidx, err = dataArena.Alloc()
			if err != nil {
				for j := 0; j < len(slots); j++ {
					slots[j].free()
				}
				return nil, err
			}
			bounce = dataArena.Bytes(bidx)[:p.reqLen]
			if !isIn {
				copy(bounce, p.chunk)
			}
			t.setBuffer(slotAddr(dataArena, bidx), p.reqLen)
		} else {
			t.setBuffer(0, 0)
		}
		t.setAltNext()
		ioc := i == len(plans)-1
		t.setToken(p.pid, p.toggle, p.reqLen, ioc)
		b.segs = append(b.segs, segment{t: t, bufIdx: bidx, bounce: bounce, dst: chunkDst(isIn, p.chunk), isData: p.isData, reqLen: p.reqLen})
	}

	for i := 0; i < len(slots)-1; i++ {
		slots[i].setNext(slotAddr(descArena, slots[i+1].idx))
	}
	slots[len(slots)-1].setNext(0)

	for i := len(slots) - 1; i >= 0; i-- {
		slots[i].activate()
	}

	return b, nil
}

func chunkDst(isIn bool, chunk []byte) []byte {
	if isIn {
		return chunk
	}
	return nil
}

// schedule splices the batch's qTD chain onto the endpoint's queue
// head overlay, kicking the controller into fetching it the next
// time the queue head comes up in its schedule.
func (b *Batch) schedule() {
	b.ep.q.setNextTD(slotAddr(b.descArena, b.segs[0].t.idx))
}

// scan inspects the queue head overlay and TD chain for completion,
// mirroring the grounded driver's qh_halted/qh_transfer_pending check:
// not done while the queue head is neither halted nor finished
// walking the chain. On error the loop stops at the first failing TD
// and clears the queue head's halt so it can accept the next batch.
func (b *Batch) scan() (done bool, transferred int, err error) {
	if !b.ep.q.isHalted() && (b.ep.q.transferPending() || b.ep.q.isActive()) {
		return false, 0, nil
	}

	for _, seg := range b.segs {
		if bits := seg.t.errorBits(); bits != 0 {
			err = ehciError(bits)
			b.ep.q.clearHalt()
			break
		}
		if seg.isData {
			n := seg.reqLen - seg.t.bytesRemaining()
			if seg.dst != nil {
				copy(seg.dst, seg.bounce[:n])
			}
			transferred += n
		}
	}

	b.ep.q.clearTDPointers()
	return true, transferred, err
}

func ehciError(bits uint32) error {
	switch {
	case bits&tokStatusBabble != 0:
		return pkg.ErrBabble
	case bits&tokStatusDataBufErr != 0:
		return pkg.ErrOverrun
	case bits&tokStatusXactErr != 0:
		return pkg.ErrCRC
	case bits&tokStatusHalted != 0:
		return pkg.ErrStall
	default:
		return pkg.ErrProtocol
	}
}

// release frees every TD and data bounce buffer this batch allocated.
// Called when a batch is abandoned before scheduling.
func (b *Batch) release() {
	for _, seg := range b.segs {
		seg.t.free()
		if seg.reqLen > 0 {
			b.dataArena.Free(seg.bufIdx)
		}
	}
	b.segs = nil
}

// destroy frees a scheduled batch's TDs and bounce buffers once its
// completion has been observed.
func (b *Batch) destroy() {
	for _, seg := range b.segs {
		seg.t.free()
		if seg.reqLen > 0 {
			b.dataArena.Free(seg.bufIdx)
		}
	}
}
