package ehci

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

// TestBuildBatch_BulkOutPageCrossing exercises spec §8 scenario 2: an
// 8192-byte bulk OUT on a high-speed endpoint with max-packet 512 must
// build exactly one qTD (8192 <= maxChunkSize) carrying the whole
// two-page byte count, with IOC set and the Active bit on.
func TestBuildBatch_BulkOutPageCrossing(t *testing.T) {
	descArena := dma.New(qhStride, 64)
	dataArena := dma.New(pageSize*6, 4)
	ep := newTestEndpoint(t, descArena, bus.EndpointConfig{
		Address: 5, Number: 2, Kind: bus.EndpointBulk,
		Direction: bus.DirectionOut, Speed: bus.SpeedHigh, MaxPacketSize: 512,
	})

	data := make([]byte, 8192)
	for i := range data {
		data[i] = byte(i)
	}

	b, err := buildBatch(descArena, dataArena, ep, nil, data)
	if err != nil {
		t.Fatalf("buildBatch: %v", err)
	}
	if len(b.segs) != 1 {
		t.Fatalf("expected 1 qTD for an 8192B transfer, got %d", len(b.segs))
	}

	seg := b.segs[0]
	if seg.reqLen != 8192 {
		t.Fatalf("reqLen = %d, want 8192", seg.reqLen)
	}
	tok := *seg.t.tokenWord()
	if int((tok>>tokBytesShift)&tokBytesMask) != 8192 {
		t.Errorf("token byte count = %d, want 8192", (tok>>tokBytesShift)&tokBytesMask)
	}
	if tok&tokIOC == 0 {
		t.Error("single-qTD batch must carry IOC")
	}
	if !seg.t.isActive() {
		t.Error("built qTD must start active")
	}
}

// TestBatch_Scan_BulkSuccess simulates hardware counting the Total
// Bytes field down to zero and checks transferred_size == size, the
// "length correctness" testable property's equal-iff-full-length case.
func TestBatch_Scan_BulkSuccess(t *testing.T) {
	descArena := dma.New(qhStride, 64)
	dataArena := dma.New(pageSize*6, 4)
	ep := newTestEndpoint(t, descArena, bus.EndpointConfig{
		Address: 5, Number: 2, Kind: bus.EndpointBulk,
		Direction: bus.DirectionOut, Speed: bus.SpeedHigh, MaxPacketSize: 512,
	})
	data := make([]byte, 512)

	b, err := buildBatch(descArena, dataArena, ep, nil, data)
	if err != nil {
		t.Fatalf("buildBatch: %v", err)
	}
	b.schedule()

	seg := b.segs[0]
	v := *seg.t.tokenWord()
	v &^= tokStatusActive
	v &^= uint32(tokBytesMask) << tokBytesShift // hardware counted all bytes down
	*seg.t.tokenWord() = v
	// Pretend the controller finished walking the overlay's qTD chain:
	// the real hardware would leave NextqTD terminated once it has
	// fetched and retired the only qTD in this batch.
	*ep.q.overlayNextWord() = linkTerm

	done, transferred, err := b.scan()
	if !done {
		t.Fatal("expected batch to be done once neither pending nor active")
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transferred != 512 {
		t.Fatalf("transferred = %d, want 512", transferred)
	}
}

// TestBatch_Scan_Error exercises the halted/error path: a qTD reports
// a transaction error, so scan must report it and clear the queue
// head's halt bit so the next batch can be scheduled.
func TestBatch_Scan_Error(t *testing.T) {
	descArena := dma.New(qhStride, 64)
	dataArena := dma.New(pageSize*6, 4)
	ep := newTestEndpoint(t, descArena, bus.EndpointConfig{
		Address: 5, Number: 2, Kind: bus.EndpointBulk,
		Direction: bus.DirectionOut, Speed: bus.SpeedHigh, MaxPacketSize: 512,
	})
	data := make([]byte, 512)

	b, err := buildBatch(descArena, dataArena, ep, nil, data)
	if err != nil {
		t.Fatalf("buildBatch: %v", err)
	}
	b.schedule()

	seg := b.segs[0]
	v := *seg.t.tokenWord()
	v &^= tokStatusActive
	v |= tokStatusHalted | tokStatusXactErr
	*seg.t.tokenWord() = v
	// The queue head overlay mirrors the halt the hardware observed.
	*ep.q.overlayTokenWord() = tokStatusHalted

	done, _, err := b.scan()
	if !done {
		t.Fatal("expected batch to be done on halt")
	}
	if err != pkg.ErrCRC {
		t.Fatalf("error = %v, want ErrCRC (transaction error)", err)
	}
	if ep.q.isHalted() {
		t.Error("scan must clear the queue head's halt bit after recording the error")
	}
}
