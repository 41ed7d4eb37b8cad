package ohci

import (
	"testing"

	"github.com/ardnew/usbhcd/internal/dma"
)

func TestED_InitEncodesControlWord(t *testing.T) {
	arena := dma.New(edStride, 4)
	e, err := newED(arena)
	if err != nil {
		t.Fatalf("newED: %v", err)
	}
	e.init(9, 3, 64, edDirIn, false)

	v := *e.controlWord()
	if v&edCtrlFAMask != 9 {
		t.Errorf("address = %d, want 9", v&edCtrlFAMask)
	}
	if (v>>edCtrlENShift)&edCtrlENMask != 3 {
		t.Errorf("endpoint = %d, want 3", (v>>edCtrlENShift)&edCtrlENMask)
	}
	if (v>>edCtrlDShift)&edCtrlDMask != edDirIn {
		t.Errorf("direction = %d, want %d", (v>>edCtrlDShift)&edCtrlDMask, edDirIn)
	}
	if v&edCtrlSpeedMask != 0 {
		t.Error("low-speed bit should be clear")
	}
	if (v>>edCtrlMPSShift)&edCtrlMPSMask != 64 {
		t.Errorf("max packet = %d, want 64", (v>>edCtrlMPSShift)&edCtrlMPSMask)
	}
}

func TestED_InitLowSpeed(t *testing.T) {
	arena := dma.New(edStride, 4)
	e, err := newED(arena)
	if err != nil {
		t.Fatalf("newED: %v", err)
	}
	e.init(1, 0, 8, edDirFromTD, true)
	if *e.controlWord()&edCtrlSpeedMask == 0 {
		t.Error("low-speed bit should be set")
	}
}

func TestED_SetSkip(t *testing.T) {
	arena := dma.New(edStride, 4)
	e, err := newED(arena)
	if err != nil {
		t.Fatalf("newED: %v", err)
	}
	e.init(1, 0, 8, edDirFromTD, false)

	e.setSkip(true)
	if *e.controlWord()&edCtrlSkip == 0 {
		t.Error("setSkip(true) should set the K bit")
	}
	e.setSkip(false)
	if *e.controlWord()&edCtrlSkip != 0 {
		t.Error("setSkip(false) should clear the K bit")
	}
}

func TestED_HeadTailEmptyQueue(t *testing.T) {
	arena := dma.New(edStride, 4)
	e, err := newED(arena)
	if err != nil {
		t.Fatalf("newED: %v", err)
	}
	e.init(1, 0, 8, edDirFromTD, false)

	e.setTail(0x100)
	e.setHead(0x100, false)
	if !e.isEmpty() {
		t.Error("equal head/tail should report isEmpty")
	}

	e.setHead(0x200, true)
	if e.isEmpty() {
		t.Error("distinct head/tail should not report isEmpty")
	}
	if !e.toggleCarry() {
		t.Error("toggleCarry should be true after setHead(..., true)")
	}
}

func TestED_Halted(t *testing.T) {
	arena := dma.New(edStride, 4)
	e, err := newED(arena)
	if err != nil {
		t.Fatalf("newED: %v", err)
	}
	e.init(1, 0, 8, edDirFromTD, false)
	*e.headPWord() |= headPHalted
	if !e.halted() {
		t.Error("halted() should be true after setting the H bit")
	}
}
