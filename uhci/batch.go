package uhci

import (
	"github.com/ardnew/usbhcd/bus"
	"github.com/ardnew/usbhcd/internal/dma"
	"github.com/ardnew/usbhcd/pkg"
)

// segment pairs one TD with the portion of the caller's data buffer it
// carries, so completion scanning can copy IN data back and compute
// the transferred byte count per TD rather than per batch.
type segment struct {
	t      td
	bufIdx dma.Index
	bounce []byte
	dst    []byte // nil for SETUP/STATUS segments, which carry no caller data
	isIn   bool
	reqLen int
}

// Batch is one scheduled UHCI transfer: a chain of TDs hung off an
// endpoint's queue head element pointer, built according to the
// classic three-stage control transfer or a flat chain of
// max-packet-sized data TDs for bulk/interrupt.
type Batch struct {
	bus.BatchBase

	descArena *dma.Arena
	dataArena *dma.Arena
	ep        *Endpoint
	segs      []segment
	isControl bool
}

// buildBatch constructs (but does not yet schedule) a batch for ep.
// setup is nil for bulk/interrupt transfers. data is read for OUT
// transfers and written for IN transfers once the batch completes.
func buildBatch(descArena, dataArena *dma.Arena, ep *Endpoint, setup *bus.SetupPacket, data []byte) (*Batch, error) {
	b := &Batch{
		BatchBase: bus.NewBatchBase(),
		descArena: descArena,
		dataArena: dataArena,
		ep:        ep,
		isControl: setup != nil,
	}

	toggle := ep.currentToggle()
	maxPkt := ep.MaxPacketSize()
	if maxPkt == 0 {
		maxPkt = 8
	}
	lowSpeed := ep.Cfg.Speed == bus.SpeedLow

	addSegment := func(pid byte, dir bus.Direction, chunk []byte, reqLen int) error {
		t, err := newTD(descArena)
		if err != nil {
			return err
		}
		bidx, err := dataArena.Alloc()
		if err != nil {
			t.free()
			return err
		}
		bounce := dataArena.Bytes(bidx)[:reqLen]
		isIn := dir == bus.DirectionIn
		if !isIn {
			copy(bounce, chunk)
		}
		t.setBuffer(qhAddr(dataArena, bidx))
		t.setToken(pid, ep.Address(), ep.Number(), toggle, uint16(reqLen))
		t.setStatus(3, lowSpeed, false, isIn)
		b.segs = append(b.segs, segment{t: t, bufIdx: bidx, bounce: bounce, dst: chunkDst(isIn, chunk), isIn: isIn, reqLen: reqLen})
		toggle = !toggle
		return nil
	}

	if setup != nil {
		setupBuf := make([]byte, bus.SetupPacketSize)
		setup.MarshalTo(setupBuf)
		toggle = false
		if err := addSegment(PIDSetup, bus.DirectionOut, setupBuf, bus.SetupPacketSize); err != nil {
			b.release()
			return nil, err
		}

		dataDir := bus.DirectionOut
		if setup.RequestType&0x80 != 0 {
			dataDir = bus.DirectionIn
		}
		pid := byte(PIDOut)
		if dataDir == bus.DirectionIn {
			pid = PIDIn
		}
		toggle = true
		remaining := data
		for len(remaining) > 0 {
			n := len(remaining)
			if n > int(maxPkt) {
				n = int(maxPkt)
			}
			if err := addSegment(pid, dataDir, remaining[:n], n); err != nil {
				b.release()
				return nil, err
			}
			remaining = remaining[n:]
		}

		statusPID := byte(PIDIn)
		if dataDir == bus.DirectionIn {
			statusPID = PIDOut
		}
		statusDir := bus.DirectionOut
		if statusPID == PIDIn {
			statusDir = bus.DirectionIn
		}
		toggle = true
		if err := addSegment(statusPID, statusDir, nil, 0); err != nil {
			b.release()
			return nil, err
		}
	} else {
		dir := ep.Direction()
		pid := byte(PIDOut)
		if dir == bus.DirectionIn {
			pid = PIDIn
		}
		remaining := data
		if len(remaining) == 0 {
			if err := addSegment(pid, dir, nil, 0); err != nil {
				b.release()
				return nil, err
			}
		}
		for len(remaining) > 0 {
			n := len(remaining)
			if n > int(maxPkt) {
				n = int(maxPkt)
			}
			if err := addSegment(pid, dir, remaining[:n], n); err != nil {
				b.release()
				return nil, err
			}
			remaining = remaining[n:]
		}
	}

	// Chain the TDs: every segment's link points at the next; the last
	// terminates. Mark the last IOC so the controller raises an
	// interrupt when the batch finishes, and SPD on every IN segment so
	// a short packet ends the transfer early instead of stalling on a
	// full-length TD that will never arrive.
	for i, seg := range b.segs {
		if i == len(b.segs)-1 {
			seg.t.setLink(linkTerm)
		} else {
			seg.t.setLink(linkTD(qhAddr(descArena, b.segs[i+1].t.idx)))
		}
	}
	last := b.segs[len(b.segs)-1].t
	*last.statusWord() |= tdStatusIOC

	// Activate in reverse order so a controller racing the frame list
	// never observes an active TD whose successor is still being built.
	for i := len(b.segs) - 1; i >= 0; i-- {
		b.segs[i].t.publishActive()
	}

	return b, nil
}

func chunkDst(isIn bool, chunk []byte) []byte {
	if isIn {
		return chunk
	}
	return nil
}

func (b *Batch) release() {
	for _, seg := range b.segs {
		seg.t.free()
		b.dataArena.Free(seg.bufIdx)
	}
	b.segs = nil
}

// schedule arms the endpoint's queue head, handing the batch to
// hardware.
func (b *Batch) schedule() {
	b.ep.qh.setElementTD(qhAddr(b.descArena, b.segs[0].t.idx))
}

// scan inspects the TD chain for completion, returning done=false if
// the controller is still processing it. On success it copies IN data
// back into the caller's buffer and reports the endpoint's new toggle.
func (b *Batch) scan() (done bool, transferred int, newToggle bool, err error) {
	for i, seg := range b.segs {
		if seg.t.isActive() {
			return false, 0, false, nil
		}
		if kind := seg.t.errorKind(); kind != errNone {
			return true, transferred, seg.t.toggle(), uhciError(kind)
		}
		n := seg.t.actualLength()
		if seg.dst != nil {
			copy(seg.dst, seg.bounce[:n])
		}
		transferred += n
		if seg.isIn && n < seg.reqLen {
			return true, transferred, !seg.t.toggle(), nil
		}
		if i == len(b.segs)-1 {
			return true, transferred, !seg.t.toggle(), nil
		}
	}
	return true, transferred, false, nil
}

func uhciError(kind errorKind) error {
	switch kind {
	case errStall:
		return pkg.ErrStall
	case errBabble:
		return pkg.ErrBabble
	case errCRCTimeout:
		return pkg.ErrCRC
	case errBitstuff:
		return pkg.ErrBitStuff
	case errDataBuffer:
		return pkg.ErrOverrun
	case errNAK:
		return pkg.ErrNAK
	default:
		return pkg.ErrProtocol
	}
}

func (b *Batch) destroy() {
	for _, seg := range b.segs {
		seg.t.free()
		b.dataArena.Free(seg.bufIdx)
	}
}
