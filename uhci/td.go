package uhci

import (
	"github.com/ardnew/usbhcd/internal/barrier"
	"github.com/ardnew/usbhcd/internal/dma"
)

// tdStride is the byte size of one UHCI TD slot: Link(4) + Status(4) +
// Token(4) + BufferPtr(4) = 16 bytes, padded to a 32-byte slot, which
// keeps every TD on the 16-byte boundary the hardware requires
// (UHCI spec 3.2).
const tdStride = 32

// TD token (device word) field shifts and masks (UHCI spec 3.2.2).
const (
	tokenPIDShift     = 0
	tokenPIDMask      = 0xFF
	tokenDeviceShift  = 8
	tokenDeviceMask   = 0x7F
	tokenEndpointShift = 15
	tokenEndpointMask = 0x0F
	tokenToggleShift  = 19
	tokenMaxLenShift  = 21
)

// PID tokens a TD can carry.
const (
	PIDIn   = 0x69
	PIDOut  = 0xE1
	PIDSetup = 0x2D
)

// TD status word bits (UHCI spec 3.2.1).
const (
	tdStatusActLenMask  = 0x7FF
	tdStatusBitstuff    = 1 << 17
	tdStatusCRCTimeout  = 1 << 18
	tdStatusNAK         = 1 << 19
	tdStatusBabble      = 1 << 20
	tdStatusDataBuffer  = 1 << 21
	tdStatusStalled     = 1 << 22
	tdStatusActive      = 1 << 23
	tdStatusIOC         = 1 << 24
	tdStatusIsochronous = 1 << 25
	tdStatusLowSpeed    = 1 << 26
	tdStatusErrCtrShift = 27
	tdStatusSPD         = 1 << 29
)

// td is a software handle to one TD slot in the shared [dma.Arena].
type td struct {
	arena *dma.Arena
	idx   dma.Index
}

func newTD(arena *dma.Arena) (td, error) {
	idx, err := arena.Alloc()
	if err != nil {
		return td{}, err
	}
	return td{arena: arena, idx: idx}, nil
}

func (t td) bytes() []byte { return t.arena.Bytes(t.idx) }

func (t td) linkWord() *uint32  { return (*uint32)(wordAt(t.bytes(), 0)) }
func (t td) statusWord() *uint32 { return (*uint32)(wordAt(t.bytes(), 4)) }
func (t td) tokenWord() *uint32  { return (*uint32)(wordAt(t.bytes(), 8)) }
func (t td) bufferWord() *uint32 { return (*uint32)(wordAt(t.bytes(), 12)) }

// setLink sets the Link Pointer without publishing it; callers must
// write the token and status first, then call publishActive.
func (t td) setLink(l linkPointer) { *t.linkWord() = uint32(l) }

func (t td) setBuffer(addr uint32) { *t.bufferWord() = addr }

// setToken encodes PID/device/endpoint/toggle/maxlen into the token
// word, stored but not yet published.
func (t td) setToken(pid byte, device, endpoint uint8, toggle bool, maxLen uint16) {
	v := uint32(pid) << tokenPIDShift
	v |= uint32(device&tokenDeviceMask) << tokenDeviceShift
	v |= uint32(endpoint&tokenEndpointMask) << tokenEndpointShift
	if toggle {
		v |= 1 << tokenToggleShift
	}
	// UHCI encodes (maxLen - 1) in an 11-bit field; 0x7FF means a
	// zero-length packet.
	length := uint32(0x7FF)
	if maxLen > 0 {
		length = uint32(maxLen-1) & 0x7FF
	}
	v |= length << tokenMaxLenShift
	*t.tokenWord() = v
}

// setStatus stores the initial status word (error counter, low-speed,
// SPD, IOC flags) but does not set the active bit; callers call
// publishActive to hand the TD to hardware.
func (t td) setStatus(errCounter uint8, lowSpeed, ioc, spd bool) {
	v := uint32(errCounter&0x3) << tdStatusErrCtrShift
	if lowSpeed {
		v |= tdStatusLowSpeed
	}
	if ioc {
		v |= tdStatusIOC
	}
	if spd {
		v |= tdStatusSPD
	}
	*t.statusWord() = v
}

// publishActive sets the active bit last, after every other field has
// been written, so a controller walking the frame list never observes
// a TD that is active but only partially initialized.
func (t td) publishActive() {
	addr := t.statusWord()
	barrier.Publish(addr, *addr|tdStatusActive)
}

func (t td) status() uint32 { return barrier.Observe(t.statusWord()) }

func (t td) isActive() bool { return t.status()&tdStatusActive != 0 }

// actualLength returns the number of bytes the controller actually
// transferred, decoded from the low 11 bits of the status word with the
// UHCI 1's-complement-style wraparound (0x7FF means 0 bytes).
func (t td) actualLength() int {
	n := t.status() & tdStatusActLenMask
	if n == 0x7FF {
		return 0
	}
	return int(n) + 1
}

// isShort reports whether fewer bytes were transferred than the TD's
// token requested - the condition an SPD-armed TD uses to short-circuit
// the rest of its batch.
func (t td) isShort(requested int) bool {
	return !t.isActive() && t.actualLength() < requested
}

// errorKind maps the status word's error bits to the shared error
// taxonomy's classification scheme; the concrete pkg.Err* value is
// chosen by uhciError in batch.go.
type errorKind int

const (
	errNone errorKind = iota
	errStall
	errBabble
	errCRCTimeout
	errBitstuff
	errDataBuffer
	errNAK
)

func (t td) errorKind() errorKind {
	s := t.status()
	switch {
	case s&tdStatusStalled != 0:
		return errStall
	case s&tdStatusBabble != 0:
		return errBabble
	case s&tdStatusDataBuffer != 0:
		return errDataBuffer
	case s&tdStatusBitstuff != 0:
		return errBitstuff
	case s&tdStatusCRCTimeout != 0:
		return errCRCTimeout
	case s&tdStatusNAK != 0:
		return errNAK
	default:
		return errNone
	}
}

// toggle returns the data-toggle bit this TD was programmed with.
func (t td) toggle() bool {
	return (*t.tokenWord()>>tokenToggleShift)&1 != 0
}

func (t td) free() { t.arena.Free(t.idx) }
