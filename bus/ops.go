package bus

import "context"

// PortStatus reports a root-hub port's current state, the software
// mirror of what each personality's root-hub emulator derives from its
// PORTSC-style register (§4.4).
type PortStatus struct {
	Connected     bool
	Enabled       bool
	Suspended     bool
	OverCurrent   bool
	Reset         bool
	PowerOn       bool
	Speed         Speed
	ConnectChange bool
	EnableChange  bool
	ResetChange   bool
}

// EndpointConfig describes the endpoint an Ops implementation is asked
// to create: everything a personality's endpoint-list node needs to
// know up front (address, direction, transfer type, speed, and
// scheduling interval for periodic endpoints) before it can be linked
// into hardware.
type EndpointConfig struct {
	Address       uint8 // device address (1-127), 0 during early enumeration
	Number        uint8 // endpoint number (0-15)
	Direction     Direction
	Kind          EndpointKind
	Speed         Speed
	MaxPacketSize uint16
	Interval      uint8 // polling interval in frames, periodic endpoints only
}

// Endpoint is a handle to an endpoint a personality has created. Its
// methods only expose read-only identity; all state transitions go
// through [Ops].
type Endpoint interface {
	Address() uint8
	Number() uint8
	Direction() Direction
	Kind() EndpointKind
	MaxPacketSize() uint16
}

// Batch is a handle to one transfer batch built against an [Endpoint].
// Wait blocks until the host controller's interrupt dispatcher (or the
// root-hub emulator, for transfers addressed to the emulated root hub) completes
// or cancels the batch, returning the number of bytes actually
// transferred in the data stage and the outcome mapped to the pkg error
// taxonomy (§7).
type Batch interface {
	Wait(ctx context.Context) (int, error)
}

// Ops is the outward contract a personality (uhci.Controller,
// ohci.Controller, ehci.Controller) implements so this package's [Bus]
// and [Device] can drive it without depending on any personality
// package (§6, "bus ops"). It is the batch-based analogue of the
// teacher's whole-transfer HostHAL: construction and scheduling of a
// batch are separated so a Device can build the batch once and await
// its single outcome, matching the "single flight" testable property.
type Ops interface {
	Init(ctx context.Context) error
	Start() error
	Stop() error
	Close() error

	NumPorts() int
	GetPortStatus(port int) (PortStatus, error)
	PortSpeed(port int) Speed
	ResetPort(port int) error
	EnablePort(port int, enable bool) error

	// EndpointCreate allocates an endpoint record (DMA backing included)
	// without linking it into any hardware schedule.
	EndpointCreate(cfg EndpointConfig) (Endpoint, error)
	// EndpointRegister links ep into the controller's schedule.
	EndpointRegister(ep Endpoint) error
	// EndpointUnregister takes ep out of the schedule, observing whatever
	// quiescence rule the personality needs before its memory can be
	// reused (§4.3, §9 async-doorbell).
	EndpointUnregister(ep Endpoint) error
	// EndpointDestroy releases ep's DMA backing. Must follow Unregister.
	EndpointDestroy(ep Endpoint) error

	// BatchCreate allocates, but does not schedule, a transfer batch
	// against ep. setup is non-nil only for control transfers.
	BatchCreate(ep Endpoint, setup *SetupPacket, data []byte) (Batch, error)
	// BatchSchedule commits b to hardware (or to the root-hub emulator,
	// for transfers addressed to the emulated root hub).
	BatchSchedule(b Batch) error
	// BatchDestroy releases a finished batch's DMA backing.
	BatchDestroy(b Batch) error

	WaitForConnection(ctx context.Context) (int, error)
	WaitForDisconnection(ctx context.Context) (int, error)
}

// RunBatch is the common create/schedule/wait/destroy sequence every
// transfer in this package follows. It exists once here so Device and
// the enumeration helper do not each re-implement the four-step
// protocol against [Ops].
func RunBatch(ctx context.Context, ops Ops, ep Endpoint, setup *SetupPacket, data []byte) (int, error) {
	b, err := ops.BatchCreate(ep, setup, data)
	if err != nil {
		return 0, err
	}
	defer ops.BatchDestroy(b)

	if err := ops.BatchSchedule(b); err != nil {
		return 0, err
	}
	return b.Wait(ctx)
}
