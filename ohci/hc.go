package ohci

import (
	"context"
	"sync"
	"time"

	"github.com/ardnew/usbhcd/bus"
	"github.com/ardnew/usbhcd/internal/dma"
	"github.com/ardnew/usbhcd/pci"
	"github.com/ardnew/usbhcd/pkg"
	"github.com/ardnew/usbhcd/roothub"
)

// maxConsecutiveHostErrors is how many back-to-back unrecoverable-error
// interrupts this controller tolerates before declaring itself gone.
// The counter resets to zero on any successful completion scan, not
// just at reinit.
const maxConsecutiveHostErrors = 5

// hostErrorQuiesce is the drain time observed after pulling an ED out
// of its schedule before its DMA backing may be reused.
const hostErrorQuiesce = 1 * time.Millisecond

// defaultFmInterval is the number of bus clocks in one 1ms frame at
// full speed (OHCI spec 7.3.3, FI field); this module never needs to
// recompute it from bus bandwidth since it never changes the frame
// length itself.
const defaultFmInterval = 0x2EDF

// rootHubAddress is a reserved device address no real downstream
// device is ever assigned (bus.MaxDevices=16), used to route traffic
// aimed at the emulated root hub's own control/status pipes.
const rootHubAddress = 127

// Options configures a [Controller].
type Options struct {
	BAR      *pci.BAR
	Config   *pci.Config // unused by OHCI; present for symmetry with the other personalities
	NumPorts int

	DescriptorCapacity int // TD+ED slots; defaults to 512
	DataCapacity       int // bounce-buffer slots; defaults to 256
}

func (o Options) withDefaults() Options {
	if o.DescriptorCapacity == 0 {
		o.DescriptorCapacity = 512
	}
	if o.DataCapacity == 0 {
		o.DataCapacity = 256
	}
	if o.NumPorts == 0 {
		o.NumPorts = 2
	}
	return o
}

type pendingEntry struct {
	ep *Endpoint
	b  *Batch
}

// Controller drives one OHCI host controller chip and its emulated
// root hub, implementing [bus.Ops].
type Controller struct {
	opt  Options
	list *EndpointList

	descArena *dma.Arena
	dataArena *dma.Arena
	hccaArena *dma.Arena

	hub *roothub.Emulator

	mu       sync.Mutex
	pending  []pendingEntry
	gone     bool
	failures int

	irqCh  chan struct{}
	cancel context.CancelFunc

	portMu         sync.Mutex
	portLatchReset map[int]bool
}

// New allocates the DMA arenas and schedule lists for a controller but
// does not yet touch hardware; call [Controller.Init] once the BAR is
// mapped and bus-mastering is enabled.
func New(opt Options) (*Controller, error) {
	opt = opt.withDefaults()

	descArena := dma.New(tdStride, opt.DescriptorCapacity)
	dataArena := dma.New(1024, opt.DataCapacity)
	hccaArena := dma.New(hccaStride, 1)

	list, err := NewEndpointList(descArena, hccaArena)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		opt:            opt,
		list:           list,
		descArena:      descArena,
		dataArena:      dataArena,
		hccaArena:      hccaArena,
		irqCh:          make(chan struct{}, 1),
		portLatchReset: make(map[int]bool),
	}
	c.hub = roothub.New(c)
	return c, nil
}

// Init performs the OHCI bring-up sequence: take ownership from any
// SMM firmware, reset, program HCCA/control-list/bulk-list heads and
// the frame interval, then leave the controller in the operational
// state with interrupts still masked until [Controller.Start].
func (c *Controller) Init(ctx context.Context) error {
	bar := c.opt.BAR

	if bar.ReadU32(regControl)&controlIsoEnable == 0 {
		// Not owned by SMM firmware; nothing to hand off.
	} else if bar.ReadU32(regCommandStatus)&cmdOwnershipChangeRequest == 0 {
		bar.WriteU32(regCommandStatus, cmdOwnershipChangeRequest)
		_ = waitFor(ctx, 10*time.Millisecond, func() bool {
			return bar.ReadU32(regControl)&controlIsoEnable == 0
		})
	}

	bar.WriteU32(regCommandStatus, cmdHostControllerReset)
	if err := waitFor(ctx, 10*time.Millisecond, func() bool {
		return bar.ReadU32(regCommandStatus)&cmdHostControllerReset == 0
	}); err != nil {
		return pkg.ErrTimeout
	}

	bar.WriteU32(regHCCA, c.list.HCCAAddr())
	bar.WriteU32(regControlHeadED, c.list.ControlHeadAddr())
	bar.WriteU32(regControlCurrentED, 0)
	bar.WriteU32(regBulkHeadED, c.list.BulkHeadAddr())
	bar.WriteU32(regBulkCurrentED, 0)
	bar.WriteU32(regFmInterval, defaultFmInterval|((defaultFmInterval*9/10)<<16))
	bar.WriteU32(regPeriodicStart, defaultFmInterval*9/10)

	pkg.LogInfo(pkg.ComponentOHCI, "controller initialized")
	return nil
}

// Start moves the controller into the operational functional state,
// enables all schedules and the root-hub status-change interrupt, and
// launches the interrupt dispatcher and port-watcher fibrils.
func (c *Controller) Start() error {
	bar := c.opt.BAR

	v := bar.ReadU32(regControl)
	v &^= uint32(controlFunctionalStateMask)
	v |= uint32(hcfsOperational) << controlFunctionalStateShift
	v |= controlControlListEnable | controlBulkListEnable | controlPeriodicListEnable
	bar.WriteU32(regControl, v)

	bar.WriteU32(regInterruptEnable, intrWritebackDoneHead|intrUnrecoverableError|
		intrFrameNumberOverflow|intrRootHubStatusChange|intrMasterInterruptEnable)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.dispatchLoop(ctx)
	go c.portWatcher(ctx)

	pkg.LogInfo(pkg.ComponentOHCI, "controller started")
	return nil
}

// Stop moves the controller back to the reset functional state and
// halts the background fibrils.
func (c *Controller) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	bar := c.opt.BAR
	v := bar.ReadU32(regControl)
	v &^= uint32(controlFunctionalStateMask)
	v |= uint32(hcfsReset) << controlFunctionalStateShift
	bar.WriteU32(regControl, v)
	return nil
}

// Close releases hardware resources. The DMA arenas are left for the
// garbage collector; nothing references device-visible memory once the
// controller stops polling it.
func (c *Controller) Close() error { return c.Stop() }

// Interrupt is called once the platform's IRQ dispatch has confirmed
// this controller raised the line; it wakes the interrupt fibril
// without blocking the ISR.
func (c *Controller) Interrupt() {
	select {
	case c.irqCh <- struct{}{}:
	default:
	}
}

func (c *Controller) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.irqCh:
			c.handleInterrupt()
		}
	}
}

// handleInterrupt reads and acknowledges HcInterruptStatus, then
// dispatches to host-error recovery, root-hub notification, or
// completion scanning.
func (c *Controller) handleInterrupt() {
	bar := c.opt.BAR
	status := bar.ReadU32(regInterruptStatus)
	if status == 0 {
		return
	}
	bar.WriteU32(regInterruptStatus, status)

	if status&intrUnrecoverableError != 0 {
		c.handleHostError()
		return
	}
	if status&intrRootHubStatusChange != 0 {
		c.hub.NotifyChange()
	}
	if status&(intrWritebackDoneHead|intrFrameNumberOverflow) != 0 {
		c.scanPending()
	}
}

// handleHostError reinitializes up to [maxConsecutiveHostErrors] times,
// then declares the controller permanently gone and fails every
// outstanding batch.
func (c *Controller) handleHostError() {
	c.mu.Lock()
	c.failures++
	failures := c.failures
	c.mu.Unlock()

	pkg.LogError(pkg.ComponentOHCI, "host controller error", "consecutive", failures)

	if failures >= maxConsecutiveHostErrors {
		c.mu.Lock()
		c.gone = true
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, pe := range pending {
			pe.ep.Release(pe.b)
			pe.b.Finish(0, pkg.ErrHostGone)
		}
		pkg.LogError(pkg.ComponentOHCI, "host controller declared gone")
		return
	}

	if err := c.Init(context.Background()); err != nil {
		pkg.LogError(pkg.ComponentOHCI, "reinit failed", "error", err)
		return
	}
	_ = c.Start()
}

// scanPending walks every pending endpoint's TD chain and finishes
// whichever batches have stopped being active. OHCI reports its own
// toggle via the ED's HeadP carry bit, so unlike UHCI there is no
// software toggle to write back here.
func (c *Controller) scanPending() {
	c.mu.Lock()
	entries := make([]pendingEntry, len(c.pending))
	copy(entries, c.pending)
	c.mu.Unlock()

	var completed []*Endpoint
	for _, pe := range entries {
		done, transferred, err := pe.b.scan()
		if !done {
			continue
		}
		pe.ep.Release(pe.b)
		pe.b.Finish(transferred, err)
		completed = append(completed, pe.ep)
	}
	if len(completed) == 0 {
		return
	}

	c.mu.Lock()
	c.failures = 0
	kept := c.pending[:0]
	for _, pe := range c.pending {
		skip := false
		for _, ep := range completed {
			if pe.ep == ep {
				skip = true
				break
			}
		}
		if !skip {
			kept = append(kept, pe)
		}
	}
	c.pending = kept
	c.mu.Unlock()
}

// portWatcher polls the reset-complete latch this module tracks in
// software (portLatchReset) and signals the root hub while any port's
// latch is set, since a reset that clears before the next status-change
// interrupt would otherwise go unreported.
func (c *Controller) portWatcher(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.portMu.Lock()
			hasLatch := false
			for _, v := range c.portLatchReset {
				if v {
					hasLatch = true
					break
				}
			}
			c.portMu.Unlock()
			if hasLatch {
				c.hub.NotifyChange()
			}
		}
	}
}

func waitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return pkg.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Microsecond):
		}
	}
	return nil
}

// --- bus.Ops ---

func (c *Controller) NumPorts() int { return c.opt.NumPorts }

// GetPortStatus implements [roothub.PortOps] and [bus.Ops] by decoding
// HcRhPortStatus into the portable [bus.PortStatus] shape.
func (c *Controller) GetPortStatus(port int) (bus.PortStatus, error) {
	v := c.opt.BAR.ReadU32(rhPortStatusOffset(port))
	c.portMu.Lock()
	resetChange := c.portLatchReset[port]
	c.portMu.Unlock()

	speed := bus.SpeedFull
	if v&rhpLowSpeedDeviceAttached != 0 {
		speed = bus.SpeedLow
	}

	return bus.PortStatus{
		Connected:     v&rhpCurrentConnectStatus != 0,
		Enabled:       v&rhpPortEnableStatus != 0,
		Suspended:     v&rhpPortSuspendStatus != 0,
		OverCurrent:   v&rhpPortOverCurrentIndicator != 0,
		Reset:         v&rhpPortResetStatus != 0,
		PowerOn:       v&rhpPortPowerStatus != 0,
		Speed:         speed,
		ConnectChange: v&rhpConnectStatusChange != 0,
		EnableChange:  v&rhpPortEnableStatusChange != 0,
		ResetChange:   resetChange || v&rhpPortResetStatusChange != 0,
	}, nil
}

// PortSpeed reports the negotiated speed of the device on port.
func (c *Controller) PortSpeed(port int) bus.Speed {
	st, err := c.GetPortStatus(port)
	if err != nil {
		return bus.SpeedFull
	}
	return st.Speed
}

// ResetPort implements the direct port-reset primitive synchronously:
// write the reset bit, wait for hardware to clear it (or time out),
// and latch the reset-change bit. The hub-class
// SetPortFeature(PORT_RESET) path instead runs this same sequence in a
// background goroutine so it never blocks a caller sharing the hub's
// single status-change endpoint.
func (c *Controller) ResetPort(port int) error {
	off := rhPortStatusOffset(port)
	bar := c.opt.BAR
	bar.WriteU32(off, rhpPortResetStatus)

	_ = waitFor(context.Background(), 100*time.Millisecond, func() bool {
		return bar.ReadU32(off)&rhpPortResetStatus == 0
	})

	c.portMu.Lock()
	c.portLatchReset[port] = true
	c.portMu.Unlock()
	c.hub.NotifyChange()
	return nil
}

func (c *Controller) resetPortAsync(port int) {
	go func() { _ = c.ResetPort(port) }()
}

// EnablePort sets or clears the port-enable bit directly
// (SetPortFeature/ClearPortFeature PORT_ENABLE). HcRhPortStatus is a
// write-1-to-set-that-bit register for the enable/disable pair; writing
// the disable-bit position clears PortEnableStatus instead.
func (c *Controller) EnablePort(port int, enable bool) error {
	off := rhPortStatusOffset(port)
	if enable {
		c.opt.BAR.WriteU32(off, rhpPortEnableStatus)
	} else {
		c.opt.BAR.WriteU32(off, rhpCurrentConnectStatus) // CurrentConnectStatus write-clears enable
	}
	return nil
}

// SetPortFeature implements [roothub.PortOps] for the hub-class
// SET_PORT_FEATURE request.
func (c *Controller) SetPortFeature(port int, feature uint16) error {
	off := rhPortStatusOffset(port)
	switch feature {
	case roothub.FeaturePortReset:
		c.resetPortAsync(port)
		return nil
	case roothub.FeaturePortEnable:
		return c.EnablePort(port, true)
	case roothub.FeaturePortSuspend:
		c.opt.BAR.WriteU32(off, rhpPortSuspendStatus)
		return nil
	case roothub.FeaturePortPower:
		c.opt.BAR.WriteU32(off, rhpPortPowerStatus)
		return nil
	default:
		return pkg.ErrNotSupported
	}
}

// ClearPortFeature implements [roothub.PortOps] for the hub-class
// CLEAR_PORT_FEATURE request, including the software-latched
// C_PORT_RESET bit this module tracks outside the register file.
func (c *Controller) ClearPortFeature(port int, feature uint16) error {
	off := rhPortStatusOffset(port)
	bar := c.opt.BAR
	switch feature {
	case roothub.FeatureCPortConnection:
		bar.WriteU32(off, rhpConnectStatusChange)
	case roothub.FeatureCPortEnable:
		bar.WriteU32(off, rhpPortEnableStatusChange)
	case roothub.FeatureCPortReset:
		c.portMu.Lock()
		c.portLatchReset[port] = false
		c.portMu.Unlock()
		bar.WriteU32(off, rhpPortResetStatusChange)
	case roothub.FeaturePortEnable:
		return c.EnablePort(port, false)
	case roothub.FeaturePortSuspend:
		bar.WriteU32(off, rhpPortSuspendStatusChange) // write-clear-suspend/resume
		go func() {
			time.Sleep(20 * time.Millisecond)
			c.hub.NotifyChange()
		}()
	case roothub.FeaturePortPower:
		bar.WriteU32(off, rhpLowSpeedDeviceAttached) // writing the LowSpeedDeviceAttached position is ClearPortPower
	default:
		return pkg.ErrNotSupported
	}
	return nil
}

// WaitForConnection blocks until any port reports a fresh connection,
// returning the port number.
func (c *Controller) WaitForConnection(ctx context.Context) (int, error) {
	for {
		for port := 1; port <= c.opt.NumPorts; port++ {
			st, _ := c.GetPortStatus(port)
			if st.ConnectChange && st.Connected {
				_ = c.ClearPortFeature(port, roothub.FeatureCPortConnection)
				return port, nil
			}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// WaitForDisconnection blocks until any port reports a fresh
// disconnection.
func (c *Controller) WaitForDisconnection(ctx context.Context) (int, error) {
	for {
		for port := 1; port <= c.opt.NumPorts; port++ {
			st, _ := c.GetPortStatus(port)
			if st.ConnectChange && !st.Connected {
				_ = c.ClearPortFeature(port, roothub.FeatureCPortConnection)
				return port, nil
			}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// EndpointCreate allocates an ED for cfg but does not link it into the
// schedule.
func (c *Controller) EndpointCreate(cfg bus.EndpointConfig) (bus.Endpoint, error) {
	return newEndpoint(c.descArena, c.list, cfg)
}

// EndpointRegister links ep into its schedule class.
func (c *Controller) EndpointRegister(ep bus.Endpoint) error {
	ep.(*Endpoint).link()
	return nil
}

// EndpointUnregister takes ep out of the schedule, waiting up to 10ms
// for a natural completion and otherwise finishing the in-flight batch
// as cancelled. The ED's skip bit is set first so the controller stops
// considering it the instant the unlink takes effect.
func (c *Controller) EndpointUnregister(ep bus.Endpoint) error {
	e := ep.(*Endpoint)
	e.setSkip(true)

	c.mu.Lock()
	var active *Batch
	idx := -1
	for i, pe := range c.pending {
		if pe.ep == e {
			active = pe.b
			idx = i
			break
		}
	}
	c.mu.Unlock()

	if active != nil {
		deadline := time.Now().Add(10 * time.Millisecond)
		for !active.IsDone() && time.Now().Before(deadline) {
			time.Sleep(200 * time.Microsecond)
		}
	}

	e.unlink()
	time.Sleep(hostErrorQuiesce)

	if active != nil && !active.IsDone() {
		c.mu.Lock()
		if idx < len(c.pending) && c.pending[idx].b == active {
			c.pending = append(c.pending[:idx], c.pending[idx+1:]...)
		} else {
			for i, pe := range c.pending {
				if pe.b == active {
					c.pending = append(c.pending[:i], c.pending[i+1:]...)
					break
				}
			}
		}
		c.mu.Unlock()

		e.Release(active)
		active.Finish(0, pkg.ErrCancelled)
	}
	return nil
}

// EndpointDestroy frees ep's ED and permanent TD slots. Must follow
// EndpointUnregister.
func (c *Controller) EndpointDestroy(ep bus.Endpoint) error {
	ep.(*Endpoint).destroy()
	return nil
}

// BatchCreate builds (but does not schedule) a transfer batch against
// ep.
func (c *Controller) BatchCreate(ep bus.Endpoint, setup *bus.SetupPacket, data []byte) (bus.Batch, error) {
	if ep.Kind() == bus.EndpointIsochronous {
		return nil, pkg.ErrNotSupported
	}
	if ep.Address() == rootHubAddress {
		return newRootHubBatch(c.hub, setup, data), nil
	}
	return buildBatch(c.descArena, c.dataArena, ep.(*Endpoint), setup, data)
}

// BatchSchedule commits b to hardware: arms the endpoint's single
// in-flight slot, extends its ED's TD queue, and appends it to the
// HC-wide pending list. The control/bulk list-filled bits are poked so
// the controller notices the newly non-empty queue immediately instead
// of waiting for the next frame boundary.
func (c *Controller) BatchSchedule(b bus.Batch) error {
	if rb, ok := b.(*rootHubBatch); ok {
		return rb.schedule()
	}

	batch := b.(*Batch)
	if !batch.ep.TryAcquire(b) {
		return pkg.ErrBusy
	}

	c.mu.Lock()
	if c.gone {
		c.mu.Unlock()
		batch.ep.Release(b)
		return pkg.ErrHostGone
	}
	batch.schedule()
	c.pending = append(c.pending, pendingEntry{ep: batch.ep, b: batch})
	c.mu.Unlock()

	switch batch.ep.Kind() {
	case bus.EndpointControl:
		c.opt.BAR.WriteU32(regCommandStatus, cmdControlListFilled)
	case bus.EndpointBulk:
		c.opt.BAR.WriteU32(regCommandStatus, cmdBulkListFilled)
	}
	return nil
}

// BatchDestroy releases a finished batch's scratch DMA backing.
func (c *Controller) BatchDestroy(b bus.Batch) error {
	if _, ok := b.(*rootHubBatch); ok {
		return nil
	}
	b.(*Batch).destroy()
	return nil
}
