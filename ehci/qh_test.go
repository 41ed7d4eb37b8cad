package ehci

import (
	"testing"

	"github.com/ardnew/usbhcd/internal/dma"
)

func TestQH_InitEncodesCharacteristics(t *testing.T) {
	arena := dma.New(qhStride, 4)
	q, err := newQH(arena)
	if err != nil {
		t.Fatalf("newQH: %v", err)
	}
	q.init(5, 2, 64, qhSpeedHigh, false, true)

	v := *q.charWord()
	if v&qhCharAddrMask != 5 {
		t.Errorf("address field = %d, want 5", v&qhCharAddrMask)
	}
	if (v>>qhCharEndpointShift)&qhCharEndpointMask != 2 {
		t.Errorf("endpoint field = %d, want 2", (v>>qhCharEndpointShift)&qhCharEndpointMask)
	}
	if (v>>qhCharSpeedShift)&qhCharSpeedMask != qhSpeedHigh {
		t.Errorf("speed field = %d, want %d", (v>>qhCharSpeedShift)&qhCharSpeedMask, qhSpeedHigh)
	}
	if v&qhCharHead == 0 {
		t.Error("isHead=true should set qhCharHead")
	}
	if (v>>qhCharMaxPacketShift)&qhCharMaxPacketMask != 64 {
		t.Errorf("max packet field = %d, want 64", (v>>qhCharMaxPacketShift)&qhCharMaxPacketMask)
	}
}

func TestQH_InitControlEPBitOnlyBelowHighSpeed(t *testing.T) {
	arena := dma.New(qhStride, 4)

	qHigh, _ := newQH(arena)
	qHigh.init(1, 0, 64, qhSpeedHigh, true, false)
	if *qHigh.charWord()&qhCharControlEP != 0 {
		t.Error("qhCharControlEP should not be set for a high-speed control endpoint")
	}

	qFull, _ := newQH(arena)
	qFull.init(1, 0, 8, qhSpeedFull, true, false)
	if *qFull.charWord()&qhCharControlEP == 0 {
		t.Error("qhCharControlEP should be set for a full-speed control endpoint")
	}
}

func TestQH_InitLeavesOverlayTerminated(t *testing.T) {
	arena := dma.New(qhStride, 4)
	q, err := newQH(arena)
	if err != nil {
		t.Fatalf("newQH: %v", err)
	}
	q.init(1, 0, 64, qhSpeedHigh, false, false)

	if q.isActive() {
		t.Error("freshly initialized QH should not be active")
	}
	if q.transferPending() {
		t.Error("freshly initialized QH should have no transfer pending")
	}
}

func TestQH_SetNextTDAndClearTDPointers(t *testing.T) {
	arena := dma.New(qhStride, 4)
	q, err := newQH(arena)
	if err != nil {
		t.Fatalf("newQH: %v", err)
	}
	q.init(1, 0, 64, qhSpeedHigh, false, false)

	q.setNextTD(0x4000)
	if !q.transferPending() {
		t.Error("setNextTD should leave a transfer pending")
	}

	q.clearTDPointers()
	if q.transferPending() {
		t.Error("clearTDPointers should clear the pending transfer")
	}
}

func TestQH_ClearHaltAndClearToggle(t *testing.T) {
	arena := dma.New(qhStride, 4)
	q, err := newQH(arena)
	if err != nil {
		t.Fatalf("newQH: %v", err)
	}
	q.init(1, 0, 64, qhSpeedHigh, false, false)

	*q.overlayTokenWord() = tokStatusHalted | tokToggle
	if !q.isHalted() {
		t.Fatal("expected isHalted() true")
	}

	q.clearHalt()
	if q.isHalted() {
		t.Error("clearHalt should clear the halted bit")
	}
	if q.overlayToken()&tokToggle == 0 {
		t.Error("clearHalt should not disturb the toggle bit")
	}

	q.clearToggle()
	if q.overlayToken()&tokToggle != 0 {
		t.Error("clearToggle should clear the toggle bit")
	}
}
