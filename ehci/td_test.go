package ehci

import (
	"testing"

	"github.com/ardnew/usbhcd/internal/dma"
)

func TestTD_SetNext_Terminate(t *testing.T) {
	arena := dma.New(tdStride, 4)
	td, err := newTD(arena)
	if err != nil {
		t.Fatalf("newTD: %v", err)
	}
	td.setNext(0)
	if *td.nextWord()&1 == 0 {
		t.Error("setNext(0) should set the terminate bit")
	}
	td.setNext(0x1020)
	if *td.nextWord() != 0x1020 {
		t.Errorf("nextWord() = 0x%X, want 0x1020", *td.nextWord())
	}
}

func TestTD_SetBuffer_SinglePage(t *testing.T) {
	arena := dma.New(tdStride, 4)
	td, err := newTD(arena)
	if err != nil {
		t.Fatalf("newTD: %v", err)
	}
	td.setBuffer(0x2000, 512)
	if *td.bufferWord(0) != 0x2000 {
		t.Errorf("bufferWord(0) = 0x%X, want 0x2000", *td.bufferWord(0))
	}
	if *td.bufferWord(1) != 0 {
		t.Errorf("bufferWord(1) should stay 0 for a transfer within one page, got 0x%X", *td.bufferWord(1))
	}
}

func TestTD_SetBuffer_CrossesPageBoundary(t *testing.T) {
	arena := dma.New(tdStride, 4)
	td, err := newTD(arena)
	if err != nil {
		t.Fatalf("newTD: %v", err)
	}
	// Starts 100 bytes before a page boundary, transfers past it.
	addr := uint32(pageSize - 100)
	td.setBuffer(addr, 300)
	if *td.bufferWord(0) != addr {
		t.Errorf("bufferWord(0) = 0x%X, want 0x%X", *td.bufferWord(0), addr)
	}
	wantPage1 := (addr &^ uint32(pageSize-1)) + pageSize
	if *td.bufferWord(1) != wantPage1 {
		t.Errorf("bufferWord(1) = 0x%X, want 0x%X", *td.bufferWord(1), wantPage1)
	}
}

func TestTD_SetTokenAndActivate(t *testing.T) {
	arena := dma.New(tdStride, 4)
	td, err := newTD(arena)
	if err != nil {
		t.Fatalf("newTD: %v", err)
	}
	td.setToken(pidIn, true, 64, true)
	if td.isActive() {
		t.Fatal("token should not be active before activate()")
	}
	td.activate()
	if !td.isActive() {
		t.Error("activate() should set the active bit")
	}
	if got := td.bytesRemaining(); got != 64 {
		t.Errorf("bytesRemaining() = %d, want 64", got)
	}
}

func TestTD_ErrorBits(t *testing.T) {
	arena := dma.New(tdStride, 4)
	td, err := newTD(arena)
	if err != nil {
		t.Fatalf("newTD: %v", err)
	}
	td.setToken(pidOut, false, 0, false)
	*td.tokenWord() |= tokStatusBabble
	if td.errorBits()&tokStatusBabble == 0 {
		t.Error("errorBits() should report the babble bit")
	}
}

func TestTD_FreeReturnsSlotToArena(t *testing.T) {
	arena := dma.New(tdStride, 1)
	td, err := newTD(arena)
	if err != nil {
		t.Fatalf("newTD: %v", err)
	}
	td.free()
	if _, err := newTD(arena); err != nil {
		t.Fatalf("newTD after free should succeed, got %v", err)
	}
}
