package ohci

import (
	"testing"

	"github.com/ardnew/usbhcd/internal/dma"
)

func TestTD_SetControlPrimesNotAccessed(t *testing.T) {
	arena := dma.New(tdStride, 4)
	td, err := newTD(arena)
	if err != nil {
		t.Fatalf("newTD: %v", err)
	}
	td.setControl(dpIn, tData1, true, false)
	td.publish()

	if !td.isActive() {
		t.Error("a freshly primed TD should report isActive (CC == notAccessed)")
	}
	if got := td.conditionCode(); got != ccNotAccessed {
		t.Errorf("conditionCode() = 0x%X, want 0x%X", got, ccNotAccessed)
	}
}

func TestTD_SetBufferZeroLength(t *testing.T) {
	arena := dma.New(tdStride, 4)
	td, err := newTD(arena)
	if err != nil {
		t.Fatalf("newTD: %v", err)
	}
	td.setBuffer(0x1000, 0)
	if *td.cbpWord() != 0 || *td.beWord() != 0 {
		t.Error("zero-length buffer should leave CBP and BE at zero")
	}
}

func TestTD_Remaining_FullyConsumed(t *testing.T) {
	arena := dma.New(tdStride, 4)
	td, err := newTD(arena)
	if err != nil {
		t.Fatalf("newTD: %v", err)
	}
	td.setBuffer(0x1000, 64)
	// Simulate hardware having consumed the entire buffer: CBP is
	// cleared to zero once the last byte is moved.
	*td.cbpWord() = 0
	if got := td.remaining(); got != 0 {
		t.Errorf("remaining() = %d, want 0", got)
	}
}

func TestTD_Remaining_Partial(t *testing.T) {
	arena := dma.New(tdStride, 4)
	td, err := newTD(arena)
	if err != nil {
		t.Fatalf("newTD: %v", err)
	}
	td.setBuffer(0x1000, 64)
	// Hardware has advanced CBP by 32 bytes; 32 remain (BE-CBP+1).
	*td.cbpWord() = 0x1000 + 32
	if got := td.remaining(); got != 32 {
		t.Errorf("remaining() = %d, want 32", got)
	}
}

func TestTD_ConditionCodeAfterError(t *testing.T) {
	arena := dma.New(tdStride, 4)
	td, err := newTD(arena)
	if err != nil {
		t.Fatalf("newTD: %v", err)
	}
	td.setControl(dpOut, tUseED, false, false)
	td.publish()

	v := *td.controlWord() &^ (uint32(tdCtrlCCMask) << tdCtrlCCShift)
	v |= uint32(ccStall) << tdCtrlCCShift
	*td.controlWord() = v

	if td.isActive() {
		t.Error("a TD with CC=stall should not report isActive")
	}
	if got := td.conditionCode(); got != ccStall {
		t.Errorf("conditionCode() = 0x%X, want 0x%X (stall)", got, ccStall)
	}
}
