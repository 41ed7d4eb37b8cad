package ehci

import (
	"github.com/ardnew/usbhcd/internal/barrier"
	"github.com/ardnew/usbhcd/internal/dma"
)

// qhStride is the byte size of one Queue Head: horizontal link
// pointer, endpoint characteristics, endpoint capabilities, current
// qTD pointer, and the qTD overlay (next/alt-next/token/five buffer
// pointers) hardware copies its active transfer descriptor into. The
// 48-byte hardware layout is padded to 64 bytes so every slot starts on
// the 32-byte boundary link pointers encode (their low 5 bits are
// flags, masked off by every link write).
const qhStride = 64

// Horizontal link pointer type tag (bits 1-2), shared by every EHCI
// list pointer.
const (
	linkTypeITD  = 0 << 1
	linkTypeQH   = 1 << 1
	linkTypeSITD = 2 << 1
	linkTypeFSTN = 3 << 1
	linkTerm     = 1
)

// Endpoint Characteristics word fields (EHCI spec 3.6.2).
const (
	qhCharAddrMask      = 0x7F
	qhCharInactiveOnNext = 1 << 7
	qhCharEndpointShift = 8
	qhCharEndpointMask  = 0xF
	qhCharSpeedShift    = 12
	qhCharSpeedMask     = 0x3
	qhCharDTC           = 1 << 14
	qhCharHead          = 1 << 15
	qhCharMaxPacketShift = 16
	qhCharMaxPacketMask  = 0x7FF
	qhCharControlEP     = 1 << 27
	qhCharNakReloadShift = 28
	qhCharNakReloadMask  = 0xF
)

// Endpoint speed encodings for the Characteristics word.
const (
	qhSpeedFull = 0
	qhSpeedLow  = 1
	qhSpeedHigh = 2
)

// Endpoint Capabilities word fields (EHCI spec 3.6.2), used only for
// split transactions through a transaction-translating hub - out of
// scope (see Non-goals), so this module always leaves them zero.
const (
	qhCapSMaskShift = 0
	qhCapCMaskShift = 8
	qhCapHubAddrShift = 16
	qhCapPortShift  = 23
	qhCapMultShift  = 30
)

type qh struct {
	arena *dma.Arena
	idx   dma.Index
}

func newQH(arena *dma.Arena) (qh, error) {
	idx, err := arena.Alloc()
	if err != nil {
		return qh{}, err
	}
	return qh{arena: arena, idx: idx}, nil
}

func (q qh) bytes() []byte          { return q.arena.Bytes(q.idx) }
func (q qh) linkWord() *uint32      { return wordPtr(q.bytes(), 0) }
func (q qh) charWord() *uint32      { return wordPtr(q.bytes(), 4) }
func (q qh) capWord() *uint32       { return wordPtr(q.bytes(), 8) }
func (q qh) currentWord() *uint32   { return wordPtr(q.bytes(), 12) }
func (q qh) overlayNextWord() *uint32 { return wordPtr(q.bytes(), 16) }
func (q qh) overlayAltWord() *uint32  { return wordPtr(q.bytes(), 20) }
func (q qh) overlayTokenWord() *uint32 { return wordPtr(q.bytes(), 24) }
func (q qh) overlayBufferWord(i int) *uint32 { return wordPtr(q.bytes(), 28+4*i) }

func (q qh) init(address, endpoint int, maxPacket uint16, speed int, isControlEP, isHead bool) {
	v := uint32(address & qhCharAddrMask)
	v |= uint32(endpoint&qhCharEndpointMask) << qhCharEndpointShift
	v |= uint32(speed&qhCharSpeedMask) << qhCharSpeedShift
	v |= qhCharDTC
	if isHead {
		v |= qhCharHead
	}
	v |= uint32(maxPacket&qhCharMaxPacketMask) << qhCharMaxPacketShift
	if isControlEP && speed != qhSpeedHigh {
		v |= qhCharControlEP
	}
	v |= uint32(3) << qhCharNakReloadShift
	*q.charWord() = v
	*q.capWord() = 0
	*q.currentWord() = 0
	*q.overlayNextWord() = linkTerm
	*q.overlayAltWord() = linkTerm
	*q.overlayTokenWord() = 0
}

func (q qh) setLink(addr uint32) {
	barrier.Publish(q.linkWord(), (addr&^0x1F)|linkTypeQH)
}

func (q qh) setLinkTerminate() { barrier.Publish(q.linkWord(), linkTerm) }

// setNextTD points the overlay's NextqTD field at a fresh TD chain,
// kicking the controller into fetching it the next time this QH comes
// up in the schedule. Callers must ensure the overlay's Active bit is
// already clear (true for any endpoint not currently holding a batch,
// which is exactly the single-flight invariant [bus.EndpointBase]
// enforces).
func (q qh) setNextTD(addr uint32) {
	barrier.Publish(q.overlayNextWord(), addr&^0x1F)
}

func (q qh) clearTDPointers() {
	*q.currentWord() = linkTerm
	barrier.Publish(q.overlayNextWord(), linkTerm)
}

func (q qh) overlayToken() uint32 { return barrier.Observe(q.overlayTokenWord()) }

func (q qh) isActive() bool { return q.overlayToken()&tokStatusActive != 0 }
func (q qh) isHalted() bool { return q.overlayToken()&tokStatusHalted != 0 }

// transferPending reports whether the overlay's NextqTD still points
// at an un-fetched TD, the condition the grounded driver calls
// qh_transfer_pending.
func (q qh) transferPending() bool {
	return barrier.Observe(q.overlayNextWord())&linkTerm == 0
}

func (q qh) clearHalt() {
	v := q.overlayToken() &^ uint32(tokStatusHalted)
	barrier.Publish(q.overlayTokenWord(), v)
}

// clearToggle zeroes the overlay token's stored data toggle, used when
// resetting an endpoint's sequence (SET_CONFIGURATION or
// CLEAR_FEATURE(ENDPOINT_HALT) per USB 2.0 9.4.5).
func (q qh) clearToggle() {
	v := q.overlayToken() &^ uint32(tokToggle)
	barrier.Publish(q.overlayTokenWord(), v)
}

func (q qh) free() { q.arena.Free(q.idx) }
