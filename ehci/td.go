package ehci

import (
	"github.com/ardnew/usbhcd/internal/barrier"
	"github.com/ardnew/usbhcd/internal/dma"
)

// tdStride is the byte size of one qTD (Queue Element Transfer
// Descriptor): NextqTD pointer, AltNext pointer, Token, and five
// 4-byte buffer pointers - the real 32-byte hardware layout needs no
// padding.
const tdStride = 32

// pageSize is the buffer-pointer page granularity every qTD buffer
// pointer past the first must be aligned to (EHCI spec 3.5).
const pageSize = 4096

// maxTransferSize is the most a single qTD can move: five full pages,
// reached only when the buffer starts page-aligned (any offset into
// the first page reduces it by that much).
const maxTransferSize = 5 * pageSize

// Token word fields (EHCI spec 3.5.3).
const (
	tokStatusPing       = 1 << 0
	tokStatusSplitXState = 1 << 1
	tokStatusMissedUFrame = 1 << 2
	tokStatusXactErr    = 1 << 3
	tokStatusBabble     = 1 << 4
	tokStatusDataBufErr = 1 << 5
	tokStatusHalted     = 1 << 6
	tokStatusActive     = 1 << 7
	tokStatusMask       = 0xFF

	tokPIDShift = 8
	tokPIDMask  = 0x3

	tokCErrShift = 10
	tokCErrMask  = 0x3

	tokCPageShift = 12
	tokCPageMask  = 0x7

	tokIOC = 1 << 15

	tokBytesShift = 16
	tokBytesMask  = 0x7FFF

	tokToggle = 1 << 31
)

// PID codes for the Token word's PID field.
const (
	pidOut   = 0
	pidIn    = 1
	pidSetup = 2
)

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

func (t td) bytes() []byte         { return t.arena.Bytes(t.idx) }
func (t td) nextWord() *uint32     { return wordPtr(t.bytes(), 0) }
func (t td) altNextWord() *uint32  { return wordPtr(t.bytes(), 4) }
func (t td) tokenWord() *uint32    { return wordPtr(t.bytes(), 8) }
func (t td) bufferWord(i int) *uint32 { return wordPtr(t.bytes(), 12+4*i) }

func (t td) setNext(addr uint32) {
	if addr == 0 {
		*t.nextWord() = 1 // Terminate
		return
	}
	*t.nextWord() = addr &^ 0x1F
}

// setAltNext always terminates: this module never uses the short-packet
// alternate-next mechanism (no isochronous/interrupt splitting needs
// it), so every qTD's AltNext simply marks itself invalid.
func (t td) setAltNext() { *t.altNextWord() = 1 }

// setBuffer programs the five buffer pointers for a transfer of length
// bytes starting at addr, splitting across 4KiB page boundaries the way
// hardware requires: only bp0 carries the in-page byte offset, every
// later pointer is page-aligned.
func (t td) setBuffer(addr uint32, length int) {
	for i := 0; i < 5; i++ {
		*t.bufferWord(i) = 0
	}
	if length == 0 {
		return
	}
	page0 := addr &^ uint32(pageSize-1)
	*t.bufferWord(0) = addr
	end := addr + uint32(length) - 1
	for i := 1; i < 5; i++ {
		p := page0 + uint32(i*pageSize)
		if p > end {
			break
		}
		*t.bufferWord(i) = p
	}
}

// setToken primes the token word: PID, data toggle, error-counter
// budget, interrupt-on-complete, and the byte count hardware will
// count down as it moves data, with the Active bit left unset until
// [td.activate].
func (t td) setToken(pid int, toggle bool, length int, ioc bool) {
	v := uint32(3) << tokCErrShift // arm the 2-bit error counter at its max
	v |= uint32(pid&tokPIDMask) << tokPIDShift
	v |= uint32(length&tokBytesMask) << tokBytesShift
	if toggle {
		v |= tokToggle
	}
	if ioc {
		v |= tokIOC
	}
	*t.tokenWord() = v
}

// activate sets the Active bit last, via [barrier.Publish], so hardware
// never observes a partially-built qTD.
func (t td) activate() {
	v := *t.tokenWord() | tokStatusActive
	barrier.Publish(t.tokenWord(), v)
}

func (t td) token() uint32 { return barrier.Observe(t.tokenWord()) }

func (t td) isActive() bool { return t.token()&tokStatusActive != 0 }

func (t td) isHalted() bool { return t.token()&tokStatusHalted != 0 }

func (t td) errorBits() uint32 { return t.token() & (tokStatusXactErr | tokStatusBabble | tokStatusDataBufErr | tokStatusHalted) }

// bytesRemaining reads back the Total Bytes to Transfer field, which
// hardware counts down as it moves data - the same "remaining, not
// transferred" convention OHCI's buffer-pointer pair uses.
func (t td) bytesRemaining() int {
	return int((t.token() >> tokBytesShift) & tokBytesMask)
}

func (t td) free() { t.arena.Free(t.idx) }

func wordPtr(buf []byte, off int) *uint32 {
	return (*uint32)(wordAt(buf, off))
}
