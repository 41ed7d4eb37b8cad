package uhci

import (
	"testing"

	"github.com/ardnew/usbhcd/bus"
	"github.com/ardnew/usbhcd/internal/dma"
	"github.com/ardnew/usbhcd/pkg"
)

func newTestEndpoint(t *testing.T, descArena *dma.Arena, cfg bus.EndpointConfig) *Endpoint {
	t.Helper()
	frameArena := dma.New(frameListEntries*4, 1)
	list, err := NewEndpointList(descArena, frameArena)
	if err != nil {
		t.Fatalf("NewEndpointList: %v", err)
	}
	ep, err := newEndpoint(descArena, list, cfg)
	if err != nil {
		t.Fatalf("newEndpoint: %v", err)
	}
	return ep
}

// TestBuildBatch_ControlGetDeviceDescriptor exercises spec §8 scenario 1:
// an 18-byte GET_DEVICE_DESCRIPTOR on address 0 endpoint 0, full-speed,
// max-packet 8, should build exactly 5 TDs (SETUP, 3 DATA stages split
// 8/8/2, STATUS).
func TestBuildBatch_ControlGetDeviceDescriptor(t *testing.T) {
	descArena := dma.New(tdStride, 64)
	dataArena := dma.New(1024, 16)
	ep := newTestEndpoint(t, descArena, bus.EndpointConfig{
		Address: 0, Number: 0, Kind: bus.EndpointControl,
		Speed: bus.SpeedFull, MaxPacketSize: 8,
	})

	setup := &bus.SetupPacket{RequestType: 0x80, Request: bus.RequestGetDescriptor, Value: 0x0100, Length: 18}
	data := make([]byte, 18)

	b, err := buildBatch(descArena, dataArena, ep, setup, data)
	if err != nil {
		t.Fatalf("buildBatch: %v", err)
	}
	if len(b.segs) != 5 {
		t.Fatalf("expected 5 TDs, got %d", len(b.segs))
	}

	wantPID := []byte{PIDSetup, PIDIn, PIDIn, PIDIn, PIDOut}
	wantToggle := []bool{false, true, false, true, true}
	wantLen := []int{8, 8, 8, 2, 0}
	for i, seg := range b.segs {
		tok := *seg.t.tokenWord()
		gotPID := byte(tok & tokenPIDMask)
		if gotPID != wantPID[i] {
			t.Errorf("seg %d: PID = 0x%02x, want 0x%02x", i, gotPID, wantPID[i])
		}
		gotToggle := (tok>>tokenToggleShift)&1 != 0
		if gotToggle != wantToggle[i] {
			t.Errorf("seg %d: toggle = %v, want %v", i, gotToggle, wantToggle[i])
		}
		if seg.reqLen != wantLen[i] {
			t.Errorf("seg %d: reqLen = %d, want %d", i, seg.reqLen, wantLen[i])
		}
	}

	last := b.segs[len(b.segs)-1].t
	if *last.statusWord()&tdStatusIOC == 0 {
		t.Error("last TD must carry IOC")
	}
	for _, seg := range b.segs {
		if !seg.t.isActive() {
			t.Error("every built TD must start active")
		}
	}
}

// TestBatch_Scan_Success simulates hardware completing every TD with
// its full requested length and checks that scan reports 18+8 bytes,
// which is transferred_size == 18 once scanPending subtracts the SETUP
// stage, per testable property "length correctness".
func TestBatch_Scan_Success(t *testing.T) {
	descArena := dma.New(tdStride, 64)
	dataArena := dma.New(1024, 16)
	ep := newTestEndpoint(t, descArena, bus.EndpointConfig{
		Address: 0, Number: 0, Kind: bus.EndpointControl,
		Speed: bus.SpeedFull, MaxPacketSize: 8,
	})
	setup := &bus.SetupPacket{RequestType: 0x80, Request: bus.RequestGetDescriptor, Value: 0x0100, Length: 18}
	data := make([]byte, 18)

	b, err := buildBatch(descArena, dataArena, ep, setup, data)
	if err != nil {
		t.Fatalf("buildBatch: %v", err)
	}

	for _, seg := range b.segs {
		seg.t.simulateComplete(seg.reqLen, errNone)
	}

	done, transferred, _, err := b.scan()
	if !done {
		t.Fatal("expected batch to be done")
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transferred != 18+bus.SetupPacketSize {
		t.Fatalf("transferred = %d before setup subtraction, want %d", transferred, 18+bus.SetupPacketSize)
	}
}

// TestBatch_Scan_Stall exercises spec §8 scenario 4: a DATA-stage TD
// stalls, so nothing past SETUP counts and the error is reported as
// stall.
func TestBatch_Scan_Stall(t *testing.T) {
	descArena := dma.New(tdStride, 64)
	dataArena := dma.New(1024, 16)
	ep := newTestEndpoint(t, descArena, bus.EndpointConfig{
		Address: 3, Number: 1, Kind: bus.EndpointControl,
		Speed: bus.SpeedFull, MaxPacketSize: 8,
	})
	setup := &bus.SetupPacket{RequestType: 0x00, Request: bus.RequestSetConfiguration, Value: 1}
	data := make([]byte, 1)

	b, err := buildBatch(descArena, dataArena, ep, setup, data)
	if err != nil {
		t.Fatalf("buildBatch: %v", err)
	}
	if len(b.segs) != 3 {
		t.Fatalf("expected SETUP+DATA+STATUS, got %d", len(b.segs))
	}

	b.segs[0].t.simulateComplete(8, errNone)
	b.segs[1].t.simulateComplete(0, errStall) // the DATA-stage TD stalls

	done, transferred, _, err := b.scan()
	if !done {
		t.Fatal("expected batch to be done")
	}
	if err != pkg.ErrStall {
		t.Fatalf("error = %v, want ErrStall", err)
	}
	if transferred != 8 {
		t.Fatalf("transferred = %d before setup subtraction, want 8 (SETUP only)", transferred)
	}
}

// simulateComplete marks t as though hardware finished it with the
// given actual length and error condition, clearing active and setting
// the matching status bits - the inverse of publishActive, used only by
// tests that cannot drive real hardware.
func (t td) simulateComplete(actualLen int, kind errorKind) {
	v := *t.statusWord()
	v &^= tdStatusActive
	v &^= tdStatusActLenMask
	v |= uint32(actualLen-1) & tdStatusActLenMask
	switch kind {
	case errStall:
		v |= tdStatusStalled
	case errBabble:
		v |= tdStatusBabble
	case errDataBuffer:
		v |= tdStatusDataBuffer
	case errBitstuff:
		v |= tdStatusBitstuff
	case errCRCTimeout:
		v |= tdStatusCRCTimeout
	case errNAK:
		v |= tdStatusNAK
	}
	*t.statusWord() = v
}
