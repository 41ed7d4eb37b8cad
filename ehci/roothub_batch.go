package ehci

import (
	"context"

	"github.com/ardnew/usbhcd/bus"
	"github.com/ardnew/usbhcd/roothub"
)

// rootHubBatch is the [bus.Batch] implementation used whenever a
// transfer targets [rootHubAddress]: control requests are answered
// synchronously from register state via [roothub.Emulator.HandleControl];
// a nil setup means this is the hub's status-change interrupt pipe,
// answered via the NAK-park pattern in [roothub.Emulator.AwaitChange].
type rootHubBatch struct {
	hub   *roothub.Emulator
	setup *bus.SetupPacket
	data  []byte
}

func newRootHubBatch(hub *roothub.Emulator, setup *bus.SetupPacket, data []byte) *rootHubBatch {
	return &rootHubBatch{hub: hub, setup: setup, data: data}
}

// schedule is a no-op: a root-hub request has nothing to commit ahead
// of time - the work happens in Wait, the same point a caller would
// otherwise block on an interrupt.
func (b *rootHubBatch) schedule() error { return nil }

// Wait answers the request: immediately for control transfers, or
// parked behind [roothub.Emulator.AwaitChange] for the status-change
// pipe.
func (b *rootHubBatch) Wait(ctx context.Context) (int, error) {
	if b.setup != nil {
		return b.hub.HandleControl(ctx, b.setup, b.data)
	}
	return b.hub.AwaitChange(ctx, b.data)
}
