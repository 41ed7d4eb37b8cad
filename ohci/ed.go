package ohci

import (
	"github.com/ardnew/usbhcd/internal/barrier"
	"github.com/ardnew/usbhcd/internal/dma"
)

// edStride is the byte size of one Endpoint Descriptor slot: Control,
// TailP, HeadP (with the halted/toggle-carry bits packed into its low
// two bits), NextED - the natural 16-byte hardware layout needs no
// padding the way [tdStride] does.
const edStride = 16

// ED Control word fields (OHCI spec 4.2).
const (
	edCtrlFAMask    = 0x7F
	edCtrlENShift   = 7
	edCtrlENMask    = 0xF
	edCtrlDShift    = 11
	edCtrlDMask     = 0x3
	edCtrlSpeedMask = 1 << 13 // S: 1 = low speed
	edCtrlSkip      = 1 << 14 // K
	edCtrlFormat    = 1 << 15 // F: 1 = isochronous TD format
	edCtrlMPSShift  = 16
	edCtrlMPSMask   = 0x7FF
)

// Direction encodings for the ED Control word's D field. 00/11 mean
// "get direction from TD"; 01 is OUT, 10 is IN.
const (
	edDirFromTD = 0
	edDirOut    = 1
	edDirIn     = 2
)

// HeadP low bits: C is the toggle carry bit, H is the halted bit set
// by the HC when a TD in this ED's chain reports an unrecoverable
// error.
const (
	headPHalted      = 1 << 0
	headPToggleCarry = 1 << 1
	headPMask        = ^uint32(0xF)
)

type ed struct {
	arena *dma.Arena
	idx   dma.Index
}

func newED(arena *dma.Arena) (ed, error) {
	idx, err := arena.Alloc()
	if err != nil {
		return ed{}, err
	}
	return ed{arena: arena, idx: idx}, nil
}

func (e ed) bytes() []byte        { return e.arena.Bytes(e.idx) }
func (e ed) controlWord() *uint32 { return wordPtr(e.bytes(), 0) }
func (e ed) tailPWord() *uint32   { return wordPtr(e.bytes(), 4) }
func (e ed) headPWord() *uint32   { return wordPtr(e.bytes(), 8) }
func (e ed) nextWord() *uint32    { return wordPtr(e.bytes(), 12) }

func (e ed) init(address, endpoint int, maxPacket uint16, dir int, lowSpeed bool) {
	v := uint32(address & edCtrlFAMask)
	v |= uint32(endpoint&edCtrlENMask) << edCtrlENShift
	v |= uint32(dir&edCtrlDMask) << edCtrlDShift
	if lowSpeed {
		v |= edCtrlSpeedMask
	}
	v |= uint32(maxPacket&edCtrlMPSMask) << edCtrlMPSShift
	*e.controlWord() = v
	*e.tailPWord() = 0
	*e.headPWord() = 0
	*e.nextWord() = 0
}

// setSkip sets or clears the K bit, the software-only way to pull an
// ED out of the schedule's consideration without unlinking it (used
// by EndpointUnregister before the ED is unlinked).
func (e ed) setSkip(skip bool) {
	v := barrier.Observe(e.controlWord())
	if skip {
		v |= edCtrlSkip
	} else {
		v &^= edCtrlSkip
	}
	barrier.Publish(e.controlWord(), v)
}

func (e ed) setNext(addr uint32) { *e.nextWord() = addr &^ 0xF }

// setTail points TailP at the list's sentinel/terminal TD - the ED's
// queue is empty exactly when HeadP (masked) equals TailP.
func (e ed) setTail(addr uint32) { *e.tailPWord() = addr &^ 0xF }

func (e ed) setHead(addr uint32, toggle bool) {
	v := addr &^ 0xF
	if toggle {
		v |= headPToggleCarry
	}
	barrier.Publish(e.headPWord(), v)
}

func (e ed) headAddr() uint32 { return barrier.Observe(e.headPWord()) &^ 0xF }
func (e ed) tailAddr() uint32 { return *e.tailPWord() &^ 0xF }

func (e ed) toggleCarry() bool { return barrier.Observe(e.headPWord())&headPToggleCarry != 0 }
func (e ed) halted() bool      { return barrier.Observe(e.headPWord())&headPHalted != 0 }

func (e ed) isEmpty() bool { return e.headAddr() == e.tailAddr() }

func (e ed) free() { e.arena.Free(e.idx) }
