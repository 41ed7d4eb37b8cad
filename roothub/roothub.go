package roothub

import (
	"context"
	"sync"

	"github.com/ardnew/usbhcd/bus"
	"github.com/ardnew/usbhcd/pkg"
)

// PortOps is the personality-specific translation layer an [Emulator]
// drives: reading and mutating one root-hub port's hardware state. Each
// personality implements this directly against its register map; UHCI's
// 16-bit PORTSC, OHCI's separate RhPortStatus set/clear halves, and
// EHCI's combined PORTSC word each look different underneath but boil
// down to the same five operations.
type PortOps interface {
	NumPorts() int
	GetPortStatus(port int) (bus.PortStatus, error)
	SetPortFeature(port int, feature uint16) error
	ClearPortFeature(port int, feature uint16) error
	PortSpeed(port int) bus.Speed
}

// Emulator answers the control requests a USB hub driver sends to a
// root hub, translating them against a [PortOps] instead of a second
// tier of real hardware. It also implements the NAK-park pattern for
// the hub's status-change endpoint: [AwaitChange] blocks a polling
// transfer until some port's change bits are set, the way real
// hardware would leave an interrupt IN transfer pending until there is
// something to report.
type Emulator struct {
	ops PortOps

	mu      sync.Mutex
	changed chan struct{}
}

// New creates an Emulator driving ops.
func New(ops PortOps) *Emulator {
	return &Emulator{ops: ops, changed: make(chan struct{}, 1)}
}

// NotifyChange wakes any goroutine blocked in [AwaitChange]. A
// personality's interrupt dispatcher calls this whenever it observes a
// PORTSC (or equivalent) change bit flip.
func (e *Emulator) NotifyChange() {
	select {
	case e.changed <- struct{}{}:
	default:
	}
}

// changeBitmap computes the hub-status-change report: one bit per port
// (bit 0 reserved for the hub's own status change, which this emulator
// never reports), set when any of that port's *Change fields is true.
func (e *Emulator) changeBitmap() []byte {
	n := e.ops.NumPorts()
	buf := make([]byte, (n+8)/8)
	for port := 1; port <= n; port++ {
		st, err := e.ops.GetPortStatus(port)
		if err != nil {
			continue
		}
		if st.ConnectChange || st.EnableChange || st.ResetChange {
			buf[port/8] |= 1 << uint(port%8)
		}
	}
	return buf
}

// AwaitChange blocks until a port change is pending, then returns the
// hub status-change bitmap truncated/zero-padded to fit data. This
// mirrors a real hub's NAK-park behavior on the status-change endpoint:
// the transfer simply does not complete until there is something to
// report, rather than polling.
func (e *Emulator) AwaitChange(ctx context.Context, data []byte) (int, error) {
	for {
		bm := e.changeBitmap()
		hasChange := false
		for _, b := range bm {
			if b != 0 {
				hasChange = true
				break
			}
		}
		if hasChange {
			n := copy(data, bm)
			return n, nil
		}

		select {
		case <-e.changed:
			continue
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// HandleControl answers a control transfer directed at the root hub
// itself (as opposed to a real downstream device): GET_DESCRIPTOR for
// the hub class descriptor, GET_STATUS/GET_PORT_STATUS, and
// SET_FEATURE/CLEAR_FEATURE for port control including PORT_RESET.
func (e *Emulator) HandleControl(ctx context.Context, setup *bus.SetupPacket, data []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	recipient := setup.RequestType & bus.RequestTypeOther
	isClass := setup.RequestType&bus.RequestTypeClass != 0

	switch {
	case setup.Request == bus.RequestGetDescriptor &&
		uint8(setup.Value>>8) == DescriptorTypeHub:
		desc := Descriptor(e.ops.NumPorts())
		n := copy(data, desc)
		return n, nil

	case !isClass && setup.Request == bus.RequestGetDescriptor:
		// Device/configuration descriptor requests for the hub's own
		// (synthetic) device identity are not modeled; real hub drivers
		// only ask for these once during their own enumeration, which in
		// this module happens through the same bus.Device enumeration
		// path as any other device, not through HandleControl.
		return 0, pkg.ErrNotSupported

	case isClass && setup.Request == RequestGetPortStatus && recipient == bus.RequestTypeOther:
		port := int(setup.Index)
		st, err := e.ops.GetPortStatus(port)
		if err != nil {
			return 0, err
		}
		n := copy(data, encodePortStatus(st))
		return n, nil

	case isClass && setup.Request == RequestSetPortFeature && recipient == bus.RequestTypeOther:
		port := int(setup.Index)
		if err := e.ops.SetPortFeature(port, setup.Value); err != nil {
			return 0, err
		}
		return 0, nil

	case isClass && setup.Request == RequestClearPortFeature && recipient == bus.RequestTypeOther:
		port := int(setup.Index)
		if err := e.ops.ClearPortFeature(port, setup.Value); err != nil {
			return 0, err
		}
		return 0, nil

	case isClass && setup.Request == RequestClearHubFeature && recipient == bus.RequestTypeDevice:
		// Only C_HUB_OVER_CURRENT is accepted, as a no-op: this emulator
		// never reports a hub-level over-current change. Any other
		// selector, C_HUB_LOCAL_POWER included, stalls.
		if setup.Value != FeatureCHubOverCurrent {
			return 0, pkg.ErrNotSupported
		}
		return 0, nil

	case isClass && setup.Request == RequestGetHubStatus:
		// No global hub-level change condition (over-current/local-power)
		// is modeled; report a quiescent hub status.
		n := copy(data, []byte{0, 0, 0, 0})
		return n, nil

	default:
		return 0, pkg.ErrInvalidRequest
	}
}

// encodePortStatus packs a PortStatus into the 4-byte wPortStatus/
// wPortChange pair USB 2.0 section 11.24.2.7 describes.
func encodePortStatus(st bus.PortStatus) []byte {
	var status, change uint16
	if st.Connected {
		status |= 1 << 0
	}
	if st.Enabled {
		status |= 1 << 1
	}
	if st.Suspended {
		status |= 1 << 2
	}
	if st.OverCurrent {
		status |= 1 << 3
	}
	if st.Reset {
		status |= 1 << 4
	}
	if st.PowerOn {
		status |= 1 << 8
	}
	if st.Speed == bus.SpeedLow {
		status |= 1 << 9
	}
	if st.Speed == bus.SpeedHigh {
		status |= 1 << 10
	}

	if st.ConnectChange {
		change |= 1 << 0
	}
	if st.EnableChange {
		change |= 1 << 1
	}
	if st.ResetChange {
		change |= 1 << 4
	}

	return []byte{byte(status), byte(status >> 8), byte(change), byte(change >> 8)}
}
