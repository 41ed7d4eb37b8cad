package ehci

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

// maxConsecutiveHostErrors is how many back-to-back host-error
// interrupts this controller tolerates before declaring itself gone.
const maxConsecutiveHostErrors = 5

// hostErrorQuiesce is the drain time observed after pulling a queue
// head out of its schedule before its DMA backing may be reused.
const hostErrorQuiesce = 1 * time.Millisecond

// asyncDoorbellTimeout bounds how long EndpointUnregister waits for
// hardware to acknowledge it has stopped walking a queue head it just
// unlinked, via the Interrupt-on-Async-Advance doorbell.
const asyncDoorbellTimeout = 10 * time.Millisecond

// rootHubAddress is a reserved device address no real downstream
// device is ever assigned (bus.MaxDevices=16), used to route traffic
// aimed at the emulated root hub's own control/status pipes.
const rootHubAddress = 127

// Options configures a [Controller]. Unlike UHCI and OHCI, EHCI needs
// the function's PCI configuration space to perform the BIOS hand-off,
// and the offset of its Legacy Support extended capability - callers
// locate that offset themselves (see [pci.BIOSHandoff]) since this
// module carries no extended-capability walker.
type Options struct {
	BAR    *pci.BAR
	Config *pci.Config

	// LegacySupportCapOffset is the byte offset, within extended PCI
	// configuration space, of this function's EHCI Legacy Support
	// capability. Zero skips the BIOS hand-off entirely (e.g. when
	// Config is nil, or the platform is known not to need it).
	LegacySupportCapOffset int64

	NumPorts int

	DescriptorCapacity int // qTD+QH slots; defaults to 512
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

// Controller drives one EHCI host controller chip and its emulated
// root hub, implementing [bus.Ops]. Unlike UHCI and OHCI it must first
// read its own capability registers at runtime to learn where its
// operational registers begin.
type Controller struct {
	opt    Options
	opBase int
	list   *EndpointList

	descArena  *dma.Arena
	dataArena  *dma.Arena
	frameArena *dma.Arena

	hub *roothub.Emulator

	mu       sync.Mutex
	pending  []pendingEntry
	gone     bool
	failures int

	irqCh  chan struct{}
	cancel context.CancelFunc

	portMu         sync.Mutex
	portLatchReset map[int]bool

	doorbellMu sync.Mutex
	doorbellCh chan struct{}

	hcsParams uint32
}

// New allocates the DMA arenas and schedule lists for a controller but
// does not yet touch hardware; call [Controller.Init] once the BAR is
// mapped and bus-mastering is enabled.
func New(opt Options) (*Controller, error) {
	opt = opt.withDefaults()

	// A single arena backs both qTDs (32 bytes) and queue heads (48
	// bytes), with qhStride slots (64 bytes) so either descriptor type
	// fits in one 32-byte-aligned slot - the same sharing
	// [ohci.Controller] does for its EDs and TDs.
	descArena := dma.New(qhStride, opt.DescriptorCapacity)
	dataArena := dma.New(1024, opt.DataCapacity)
	frameArena := dma.New(frameListEntries*4, 1)

	list, err := NewEndpointList(descArena, frameArena)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		opt:            opt,
		list:           list,
		descArena:      descArena,
		dataArena:      dataArena,
		frameArena:     frameArena,
		irqCh:          make(chan struct{}, 1),
		portLatchReset: make(map[int]bool),
	}
	c.hub = roothub.New(c)
	return c, nil
}

// Init performs the EHCI bring-up sequence: hand off ownership from
// BIOS if a Legacy Support capability was given, read CAPLENGTH to
// locate the operational registers, reset, route all ports to this
// controller, and program ASYNCLISTADDR/PERIODICLISTBASE.
func (c *Controller) Init(ctx context.Context) error {
	bar := c.opt.BAR

	if c.opt.Config != nil && c.opt.LegacySupportCapOffset != 0 {
		if err := pci.BIOSHandoff(c.opt.Config, c.opt.LegacySupportCapOffset, 1*time.Second); err != nil {
			pkg.LogWarn(pkg.ComponentEHCI, "BIOS hand-off failed", "error", err)
		}
	}

	c.opBase = int(bar.ReadU8(capLength))
	c.hcsParams = bar.ReadU32(capHCSParams)

	bar.WriteU32(c.opBase+opUSBCMD, cmdHCReset)
	if err := waitFor(ctx, 10*time.Millisecond, func() bool {
		return bar.ReadU32(c.opBase+opUSBCMD)&cmdHCReset == 0
	}); err != nil {
		return pkg.ErrTimeout
	}

	bar.WriteU32(c.opBase+opCTRLDSSEGMENT, 0)
	bar.WriteU32(c.opBase+opPERIODICLISTBASE, frameListBaseAddr(c.frameArena))
	bar.WriteU32(c.opBase+opASYNCLISTADDR, c.list.AsyncHeadAddr())
	bar.WriteU32(c.opBase+opCONFIGFLAG, configFlagRouteToEHCI)

	pkg.LogInfo(pkg.ComponentEHCI, "controller initialized")
	return nil
}

// frameListBaseAddr reports the synthetic bus address of the periodic
// frame list's single arena slot.
func frameListBaseAddr(frameArena *dma.Arena) uint32 {
	return uint32(frameArena.BaseAddr())
}

// Start moves the controller into the running state, enables both
// schedules and the full interrupt set, and launches the interrupt
// dispatcher and port-watcher goroutines.
func (c *Controller) Start() error {
	bar := c.opt.BAR

	v := bar.ReadU32(c.opBase + opUSBCMD)
	v |= cmdRun | cmdPeriodicEnable | cmdAsyncEnable
	v |= uint32(8) << cmdIntThresholdShift
	bar.WriteU32(c.opBase+opUSBCMD, v)
	bar.WriteU32(c.opBase+opUSBINTR, intrEnableMask)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.dispatchLoop(ctx)
	go c.portWatcher(ctx)

	pkg.LogInfo(pkg.ComponentEHCI, "controller started")
	return nil
}

// Stop clears the Run/Stop bit and halts the background goroutines.
func (c *Controller) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	bar := c.opt.BAR
	v := bar.ReadU32(c.opBase + opUSBCMD)
	v &^= uint32(cmdRun)
	bar.WriteU32(c.opBase+opUSBCMD, v)
	return nil
}

// Close releases hardware resources. The DMA arenas are left for the
// garbage collector; nothing references device-visible memory once the
// controller stops polling it.
func (c *Controller) Close() error { return c.Stop() }

// Interrupt is called once the platform's IRQ dispatch has confirmed
// this controller raised the line; it wakes the interrupt goroutine
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

// handleInterrupt reads and acknowledges USBSTS, then dispatches to
// host-error recovery, the async-advance doorbell, root-hub
// notification, or completion scanning.
func (c *Controller) handleInterrupt() {
	bar := c.opt.BAR
	status := bar.ReadU32(c.opBase + opUSBSTS)
	if status == 0 {
		return
	}
	bar.WriteU32(c.opBase+opUSBSTS, status)

	if status&stsHostError != 0 {
		c.handleHostError()
		return
	}
	if status&stsAsyncAdvance != 0 {
		c.doorbellMu.Lock()
		if c.doorbellCh != nil {
			close(c.doorbellCh)
			c.doorbellCh = nil
		}
		c.doorbellMu.Unlock()
	}
	if status&stsPortChange != 0 {
		c.hub.NotifyChange()
	}
	if status&(stsUSBInt|stsErrorInt|stsFrameRollover) != 0 {
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

	pkg.LogError(pkg.ComponentEHCI, "host controller error", "consecutive", failures)

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
		pkg.LogError(pkg.ComponentEHCI, "host controller declared gone")
		return
	}

	if err := c.Init(context.Background()); err != nil {
		pkg.LogError(pkg.ComponentEHCI, "reinit failed", "error", err)
		return
	}
	_ = c.Start()
}

// scanPending walks every pending endpoint's queue head for
// completion. EHCI tracks its own toggle in the overlay, so unlike
// UHCI there is no software toggle to write back here.
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

// ringDoorbell requests the Interrupt-on-Async-Advance notification
// and blocks until hardware has confirmed it is no longer walking any
// queue head unlinked before the call, or ctx/timeout expires. Used by
// EndpointUnregister to know it is safe to free a queue head's
// backing store.
func (c *Controller) ringDoorbell(ctx context.Context, timeout time.Duration) {
	c.doorbellMu.Lock()
	ch := make(chan struct{})
	c.doorbellCh = ch
	c.doorbellMu.Unlock()

	c.opt.BAR.WriteU32(c.opBase+opUSBCMD, c.opt.BAR.ReadU32(c.opBase+opUSBCMD)|cmdIOCAsyncDoorbell)

	select {
	case <-ch:
	case <-ctx.Done():
	case <-time.After(timeout):
	}
}

// portWatcher polls the software reset-complete latch this module
// keeps per port (not PORTSC itself), since a reset that clears before
// the next port-change interrupt would otherwise go unreported.
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

// CompanionPortRouting reports whether HCSPARAMS advertises per-port
// routing to companion controllers, and if so how many companion
// controllers and ports-per-companion it describes. This is a
// read-only diagnostic only: nothing in this package consults it to
// decide when a port is released, since [Controller.ResetPort] already
// infers that from PORTSC's enable bit after reset completes.
func (c *Controller) CompanionPortRouting() (routed bool, numCompanions, portsPerCompanion int) {
	routed = c.hcsParams&hcsPortRouting != 0
	numCompanions = int(c.hcsParams>>hcsNumCCShift) & hcsNumCCMask
	portsPerCompanion = int(c.hcsParams>>hcsNumPCCShift) & hcsNumPCCMask
	return routed, numCompanions, portsPerCompanion
}

// GetPortStatus implements [roothub.PortOps] and [bus.Ops] by decoding
// PORTSC into the portable [bus.PortStatus] shape. EHCI ports are
// always high speed once owned by this controller - full/low-speed
// devices are released to the companion controller when a port does
// not come up enabled after reset (see [Controller.ResetPort] and
// [Controller.releasePort]) - so Speed always reports [bus.SpeedHigh]
// here.
func (c *Controller) GetPortStatus(port int) (bus.PortStatus, error) {
	off := portSCOffset(c.opBase, port)
	v := c.opt.BAR.ReadU32(off)
	c.portMu.Lock()
	resetChange := c.portLatchReset[port]
	c.portMu.Unlock()

	return bus.PortStatus{
		Connected:     v&portscConnect != 0,
		Enabled:       v&portscEnabled != 0,
		Suspended:     v&portscSuspend != 0,
		OverCurrent:   v&portscOverCurrent != 0,
		Reset:         v&portscReset != 0,
		PowerOn:       v&portscPower != 0,
		Speed:         bus.SpeedHigh,
		ConnectChange: v&portscConnectChange != 0,
		EnableChange:  v&portscEnableChange != 0,
		ResetChange:   resetChange,
	}, nil
}

// PortSpeed reports the negotiated speed of the device on port.
func (c *Controller) PortSpeed(port int) bus.Speed {
	st, err := c.GetPortStatus(port)
	if err != nil {
		return bus.SpeedHigh
	}
	return st.Speed
}

// ResetPort implements the direct port-reset primitive synchronously:
// write the reset bit, hold it for the mandated 50ms, then clear it
// and wait for hardware to confirm. If the port does not come up
// enabled afterward, the attached device negotiated full or low speed
// and this controller releases it to the companion controller via
// [Controller.releasePort] - matching the documented EHCI quirk where
// that hand-off completes without ever raising its own port-change
// notification for the event, leaving the companion controller's own
// connect-detect as the only signal an enumerator sees.
func (c *Controller) ResetPort(port int) error {
	off := portSCOffset(c.opBase, port)
	bar := c.opt.BAR

	v := bar.ReadU32(off) &^ portscWriteClearMask
	bar.WriteU32(off, v|portscReset)
	time.Sleep(50 * time.Millisecond)
	bar.WriteU32(off, v&^portscReset)

	_ = waitFor(context.Background(), 100*time.Millisecond, func() bool {
		return bar.ReadU32(off)&portscReset == 0
	})

	if bar.ReadU32(off)&portscEnabled == 0 {
		c.releasePort(port)
		return nil
	}

	c.portMu.Lock()
	c.portLatchReset[port] = true
	c.portMu.Unlock()
	c.hub.NotifyChange()
	return nil
}

// releasePort hands a full/low-speed port to its companion controller
// by setting the Port Owner bit, per EHCI spec 4.2.2. This module does
// not itself drive the companion controller; a platform layer owning
// both personalities is expected to notice the owner bit flip and
// start enumerating the device through the companion's root hub
// instead.
func (c *Controller) releasePort(port int) {
	off := portSCOffset(c.opBase, port)
	bar := c.opt.BAR
	v := bar.ReadU32(off) &^ portscWriteClearMask
	bar.WriteU32(off, v|portscOwner)
}

func (c *Controller) resetPortAsync(port int) {
	go func() { _ = c.ResetPort(port) }()
}

// EnablePort sets or clears the port-enable bit directly
// (SetPortFeature/ClearPortFeature PORT_ENABLE).
func (c *Controller) EnablePort(port int, enable bool) error {
	off := portSCOffset(c.opBase, port)
	bar := c.opt.BAR
	v := bar.ReadU32(off) &^ portscWriteClearMask
	if enable {
		bar.WriteU32(off, v|portscEnabled)
	} else {
		bar.WriteU32(off, v&^portscEnabled)
	}
	return nil
}

// SetPortFeature implements [roothub.PortOps] for the hub-class
// SET_PORT_FEATURE request.
func (c *Controller) SetPortFeature(port int, feature uint16) error {
	off := portSCOffset(c.opBase, port)
	bar := c.opt.BAR
	switch feature {
	case roothub.FeaturePortReset:
		c.resetPortAsync(port)
		return nil
	case roothub.FeaturePortEnable:
		return c.EnablePort(port, true)
	case roothub.FeaturePortSuspend:
		v := bar.ReadU32(off) &^ portscWriteClearMask
		bar.WriteU32(off, v|portscSuspend)
		return nil
	case roothub.FeaturePortPower:
		v := bar.ReadU32(off) &^ portscWriteClearMask
		bar.WriteU32(off, v|portscPower)
		return nil
	default:
		return pkg.ErrNotSupported
	}
}

// ClearPortFeature implements [roothub.PortOps] for the hub-class
// CLEAR_PORT_FEATURE request, including the software-latched
// C_PORT_RESET bit this module tracks outside the register file.
//
// Clearing C_PORT_ENABLE writes the connect-change bit, not the
// enable-change bit: the register handler this module is grounded on
// has a copy-paste bug where that case clears the same status bit as
// C_PORT_CONNECTION instead of its own. Preserved verbatim rather than
// corrected, per the decision to flag and keep observed surface
// behavior exactly (see DESIGN.md).
func (c *Controller) ClearPortFeature(port int, feature uint16) error {
	off := portSCOffset(c.opBase, port)
	bar := c.opt.BAR
	switch feature {
	case roothub.FeatureCPortConnection:
		v := bar.ReadU32(off) &^ portscWriteClearMask
		bar.WriteU32(off, v|portscConnectChange)
	case roothub.FeatureCPortEnable:
		v := bar.ReadU32(off) &^ portscWriteClearMask
		bar.WriteU32(off, v|portscConnectChange)
	case roothub.FeatureCPortReset:
		c.portMu.Lock()
		c.portLatchReset[port] = false
		c.portMu.Unlock()
	case roothub.FeaturePortEnable:
		return c.EnablePort(port, false)
	case roothub.FeaturePortSuspend:
		v := bar.ReadU32(off) &^ portscWriteClearMask
		bar.WriteU32(off, v&^portscSuspend)
	case roothub.FeaturePortPower:
		v := bar.ReadU32(off) &^ portscWriteClearMask
		bar.WriteU32(off, v&^portscPower)
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

// EndpointCreate allocates a queue head for cfg but does not link it
// into either schedule.
func (c *Controller) EndpointCreate(cfg bus.EndpointConfig) (bus.Endpoint, error) {
	return newEndpoint(c.descArena, c.list, cfg)
}

// EndpointRegister links ep into its schedule class.
func (c *Controller) EndpointRegister(ep bus.Endpoint) error {
	ep.(*Endpoint).link()
	return nil
}

// EndpointUnregister takes ep out of its schedule, waits up to 10ms
// for a natural completion, rings the async-advance doorbell so
// hardware confirms it has stopped walking the unlinked queue head,
// and otherwise finishes any still-in-flight batch as cancelled.
func (c *Controller) EndpointUnregister(ep bus.Endpoint) error {
	e := ep.(*Endpoint)

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
	if e.Kind() == bus.EndpointControl || e.Kind() == bus.EndpointBulk {
		c.ringDoorbell(context.Background(), asyncDoorbellTimeout)
	} else {
		time.Sleep(hostErrorQuiesce)
	}

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

// EndpointDestroy frees ep's queue head. Must follow
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
// in-flight slot, splices its qTD chain onto the queue head overlay,
// and appends it to the HC-wide pending list.
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
