package ohci

import (
	"testing"

	"github.com/ardnew/usbhcd/bus"
	"github.com/ardnew/usbhcd/internal/dma"
	"github.com/ardnew/usbhcd/pkg"
)

func newTestEndpoint(t *testing.T, cfg bus.EndpointConfig) (*Endpoint, *dma.Arena, *dma.Arena) {
	t.Helper()
	descArena := dma.New(tdStride, 32)
	dataArena := dma.New(64, 16)
	ep, err := newEndpoint(descArena, nil, cfg)
	if err != nil {
		t.Fatalf("newEndpoint: %v", err)
	}
	return ep, descArena, dataArena
}

func TestBuildBatch_Control(t *testing.T) {
	ep, descArena, dataArena := newTestEndpoint(t, bus.EndpointConfig{
		Address: 3, Number: 0, Kind: bus.EndpointControl, MaxPacketSize: 8,
	})

	setup := &bus.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18}
	data := make([]byte, 18)
	b, err := buildBatch(descArena, dataArena, ep, setup, data)
	if err != nil {
		t.Fatalf("buildBatch: %v", err)
	}
	// SETUP + ceil(18/8)=3 DATA segments + STATUS = 5 segments.
	if len(b.segs) != 5 {
		t.Fatalf("len(segs) = %d, want 5", len(b.segs))
	}
	if b.segs[0].isData {
		t.Error("SETUP segment should not be marked isData")
	}
	if !b.segs[1].isData {
		t.Error("first DATA segment should be marked isData")
	}
	if b.segs[len(b.segs)-1].isData {
		t.Error("STATUS segment should not be marked isData")
	}
}

func TestBuildBatch_BulkZeroLength(t *testing.T) {
	ep, descArena, dataArena := newTestEndpoint(t, bus.EndpointConfig{
		Address: 3, Number: 1, Kind: bus.EndpointBulk, Direction: bus.DirectionOut, MaxPacketSize: 64,
	})

	b, err := buildBatch(descArena, dataArena, ep, nil, nil)
	if err != nil {
		t.Fatalf("buildBatch: %v", err)
	}
	if len(b.segs) != 1 {
		t.Fatalf("len(segs) = %d, want 1 (a single zero-length packet)", len(b.segs))
	}
}

func TestBatch_ScanAndCompletion(t *testing.T) {
	ep, descArena, dataArena := newTestEndpoint(t, bus.EndpointConfig{
		Address: 1, Number: 1, Kind: bus.EndpointBulk, Direction: bus.DirectionIn, MaxPacketSize: 64,
	})

	data := make([]byte, 10)
	b, err := buildBatch(descArena, dataArena, ep, nil, data)
	if err != nil {
		t.Fatalf("buildBatch: %v", err)
	}

	if done, _, _ := b.scan(); done {
		t.Fatal("scan() should not report done while TDs are still active")
	}

	// Simulate hardware completing the transfer: clear the active (CC)
	// field and copy the requested bytes into the bounce buffer.
	seg := b.segs[0]
	copy(seg.bounce, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	v := *seg.t.controlWord() &^ (uint32(tdCtrlCCMask) << tdCtrlCCShift)
	v |= uint32(ccNoError) << tdCtrlCCShift
	*seg.t.controlWord() = v

	done, transferred, err := b.scan()
	if !done {
		t.Fatal("scan() should report done once CC leaves notAccessed")
	}
	if err != nil {
		t.Fatalf("scan() returned error: %v", err)
	}
	if transferred != 10 {
		t.Errorf("transferred = %d, want 10", transferred)
	}
	for i, v := range data {
		if v != byte(i+1) {
			t.Errorf("data[%d] = %d, want %d", i, v, i+1)
		}
	}
}

func TestBatch_ScanReportsError(t *testing.T) {
	ep, descArena, dataArena := newTestEndpoint(t, bus.EndpointConfig{
		Address: 1, Number: 1, Kind: bus.EndpointBulk, Direction: bus.DirectionOut, MaxPacketSize: 64,
	})

	b, err := buildBatch(descArena, dataArena, ep, nil, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("buildBatch: %v", err)
	}

	seg := b.segs[0]
	v := *seg.t.controlWord() &^ (uint32(tdCtrlCCMask) << tdCtrlCCShift)
	v |= uint32(ccStall) << tdCtrlCCShift
	*seg.t.controlWord() = v

	done, _, err := b.scan()
	if !done {
		t.Fatal("scan() should report done")
	}
	if err != pkg.ErrStall {
		t.Errorf("scan() error = %v, want %v", err, pkg.ErrStall)
	}
}

func TestOhciError_Mapping(t *testing.T) {
	tests := []struct {
		cc   uint32
		want error
	}{
		{ccStall, pkg.ErrStall},
		{ccCRC, pkg.ErrCRC},
		{ccBitstuffing, pkg.ErrBitStuff},
		{ccDataOverrun, pkg.ErrOverrun},
		{ccBufferUnderrun, pkg.ErrOverrun},
		{ccDeviceNotResponding, pkg.ErrNAK},
		{ccDataToggleMismatch, pkg.ErrCRC},
		{ccPIDCheckFailure, pkg.ErrProtocol},
	}
	for _, tt := range tests {
		if got := ohciError(tt.cc); got != tt.want {
			t.Errorf("ohciError(0x%X) = %v, want %v", tt.cc, got, tt.want)
		}
	}
}

func TestChunkDst(t *testing.T) {
	chunk := []byte{1, 2, 3}
	if got := chunkDst(true, chunk); len(got) != 3 {
		t.Errorf("chunkDst(true, ...) should return the chunk, got %v", got)
	}
	if got := chunkDst(false, chunk); got != nil {
		t.Errorf("chunkDst(false, ...) should return nil, got %v", got)
	}
}

func TestBatch_Schedule_SwapsEndpointSlots(t *testing.T) {
	ep, descArena, dataArena := newTestEndpoint(t, bus.EndpointConfig{
		Address: 1, Number: 1, Kind: bus.EndpointBulk, Direction: bus.DirectionOut, MaxPacketSize: 64,
	})
	oldCur := ep.cur

	b, err := buildBatch(descArena, dataArena, ep, nil, []byte{1})
	if err != nil {
		t.Fatalf("buildBatch: %v", err)
	}
	b.schedule()

	if ep.cur == oldCur {
		t.Error("schedule() should swap cur/next so the next batch builds into a fresh sentinel")
	}
}
