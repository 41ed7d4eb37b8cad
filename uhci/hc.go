package uhci

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

// legacyKBDEmulation is the PCI config-space offset of UHCI's legacy
// keyboard/mouse emulation register (USBLEGSUP, Intel ICH chipsets);
// BIOS SMI handlers leave bits set here that, unless cleared, steal
// every keyboard-class transfer from the OS driver.
const legacyKBDEmulation = 0xC0

// maxConsecutiveHostErrors is how many back-to-back host-error
// interrupts this controller tolerates before declaring itself gone.
// The counter resets to zero whenever a completion scan finishes a
// batch; a reinit leaves it unchanged - a controller that errors once an
// hour forever never trips this, only a burst does.
const maxConsecutiveHostErrors = 5

// hostErrorQuiesce is the additional drain time observed after
// unlinking a QH from a schedule list before its DMA backing may be
// reused (§5, §9 "one-frame wait" generalized to a fixed budget since
// this module does not track UHCI's 1ms SOF counter directly).
const hostErrorQuiesce = 1 * time.Millisecond

// Options configures a [Controller].
type Options struct {
	BAR    *pci.BAR
	Config *pci.Config // optional; nil skips legacy keyboard hand-off
	NumPorts int

	DescriptorCapacity int // TD+QH slots; defaults to 512
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

// pendingEntry pairs an endpoint with the batch it is currently
// executing, the HC-wide pending-endpoint list of spec §4.5.
type pendingEntry struct {
	ep *Endpoint
	b  *Batch
}

// Controller drives one UHCI host controller chip and its emulated
// root hub, implementing [bus.Ops].
type Controller struct {
	opt  Options
	list *EndpointList

	descArena *dma.Arena
	dataArena *dma.Arena
	frameArena *dma.Arena

	hub *roothub.Emulator

	mu      sync.Mutex
	pending []pendingEntry
	gone    bool
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

	descArena := dma.New(32, opt.DescriptorCapacity)
	dataArena := dma.New(1024, opt.DataCapacity)
	frameArena := dma.New(frameListEntries*4, 1)

	list, err := NewEndpointList(descArena, frameArena)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		opt:        opt,
		list:       list,
		descArena:  descArena,
		dataArena:  dataArena,
		frameArena: frameArena,
		irqCh:          make(chan struct{}, 1),
		portLatchReset: make(map[int]bool),
	}
	c.hub = roothub.New(c)
	return c, nil
}

// Init performs the UHCI bring-up sequence of spec §4.5: legacy
// keyboard hand-off, stop, reset, program the frame-list base, and
// leave interrupts disabled until [Controller.Start].
func (c *Controller) Init(ctx context.Context) error {
	if c.opt.Config != nil {
		// Clear the legacy keyboard/mouse emulation register so BIOS SMI
		// code stops intercepting low-speed HID transfers.
		if err := c.opt.Config.WriteU16(legacyKBDEmulation, 0x2000); err != nil {
			return err
		}
	}

	bar := c.opt.BAR
	bar.WriteU16(regUSBCMD, 0)
	if err := waitFor(ctx, 10*time.Millisecond, func() bool {
		return bar.ReadU16(regUSBSTS)&stsHCHalted != 0
	}); err != nil {
		pkg.LogWarn(pkg.ComponentUHCI, "controller did not halt in time")
	}

	bar.WriteU16(regUSBCMD, cmdHCReset)
	if err := waitFor(ctx, 10*time.Millisecond, func() bool {
		return bar.ReadU16(regUSBCMD)&cmdHCReset == 0
	}); err != nil {
		return pkg.ErrTimeout
	}

	bar.WriteU32(regFLBASEADD, frameListPhysBase(c.frameArena))
	bar.WriteU16(regFRNUM, 0)
	bar.WriteU8(regSOFMOD, 0x40)

	pkg.LogInfo(pkg.ComponentUHCI, "controller initialized")
	return nil
}

// Start enables interrupts and sets the Run/Stop bit, then launches the
// interrupt dispatcher and root-hub port watcher fibrils.
func (c *Controller) Start() error {
	bar := c.opt.BAR
	bar.WriteU16(regUSBINTR, intrTimeoutCRC|intrResume|intrIOC|intrShortPacket)
	bar.WriteU16(regUSBCMD, cmdRun|cmdConfigure|cmdMaxPacket64)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.dispatchLoop(ctx)
	go c.portWatcher(ctx)

	pkg.LogInfo(pkg.ComponentUHCI, "controller started")
	return nil
}

// Stop clears the Run/Stop bit and halts the background fibrils.
func (c *Controller) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	bar := c.opt.BAR
	bar.WriteU16(regUSBCMD, 0)
	return nil
}

// Close releases hardware resources. The DMA arenas are left for the
// garbage collector; nothing references device-visible memory once the
// controller stops polling it.
func (c *Controller) Close() error { return c.Stop() }

// Interrupt is called by the platform's IRQ dispatch bytecode (§5) once
// it has confirmed this controller raised the line; it wakes the
// interrupt fibril without blocking the ISR.
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

// handleInterrupt implements spec §4.5's interrupt handler: read and
// acknowledge the status bits, then dispatch completion scanning or
// host-error recovery.
func (c *Controller) handleInterrupt() {
	bar := c.opt.BAR
	status := bar.ReadU16(regUSBSTS)
	if status == 0 {
		return
	}
	bar.WriteU16(regUSBSTS, status) // write-1-to-clear

	if status&(stsHostSysError|stsProcessError) != 0 {
		c.handleHostError()
		return
	}
	if status&(stsUSBInt|stsErrorInt) != 0 {
		c.scanPending()
	}
}

// handleHostError implements the UHCI recovery path of spec §4.5/§7:
// reinitialize up to [maxConsecutiveHostErrors] times, then declare the
// controller permanently gone and fail every outstanding batch.
func (c *Controller) handleHostError() {
	c.mu.Lock()
	c.failures++
	failures := c.failures
	c.mu.Unlock()

	pkg.LogError(pkg.ComponentUHCI, "host controller error", "consecutive", failures)

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
		pkg.LogError(pkg.ComponentUHCI, "host controller declared gone")
		return
	}

	if err := c.Init(context.Background()); err != nil {
		pkg.LogError(pkg.ComponentUHCI, "reinit failed", "error", err)
		return
	}
	_ = c.Start()
}

// scanPending implements the batch-completion predicate of spec §4.6
// for UHCI: walk every pending endpoint's TD chain and finish whichever
// batches have stopped being active.
func (c *Controller) scanPending() {
	c.mu.Lock()
	entries := make([]pendingEntry, len(c.pending))
	copy(entries, c.pending)
	c.mu.Unlock()

	var completed []*Endpoint
	for _, pe := range entries {
		done, transferred, newToggle, err := pe.b.scan()
		if !done {
			continue
		}

		if pe.b.isControl && transferred > 0 {
			transferred -= bus.SetupPacketSize
		}

		pe.ep.setToggle(newToggle)
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

// portWatcher polls PORTSC registers for change bits UHCI has no
// dedicated interrupt for (connect/enable change), waking the root-hub
// emulator's status-change endpoint the way a real hub driver's
// periodic status poll would notice them.
func (c *Controller) portWatcher(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for port := 1; port <= c.opt.NumPorts; port++ {
				v := c.opt.BAR.ReadU16(portOffset(port))
				if v&(portConnectStatusChange|portEnableChange) != 0 {
					c.hub.NotifyChange()
				}
			}
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

// frameListPhysBase computes the synthetic physical base address
// FLBASEADD should hold, reusing the same arena-to-address bijection
// [qhAddr] applies to descriptor storage.
func frameListPhysBase(frameArena *dma.Arena) uint32 {
	return qhAddr(frameArena, 1)
}

// --- bus.Ops ---

const rootHubAddress = 127 // reserved; never handed out by bus.allocateAddress (MaxDevices=16)

// NumPorts returns the number of downstream root-hub ports.
func (c *Controller) NumPorts() int { return c.opt.NumPorts }

// GetPortStatus implements [roothub.PortOps] and [bus.Ops] by decoding
// PORTSC into the portable [bus.PortStatus] shape (spec §4.4).
func (c *Controller) GetPortStatus(port int) (bus.PortStatus, error) {
	v := c.opt.BAR.ReadU16(portOffset(port))
	c.portMu.Lock()
	resetChange := c.portLatchReset[port]
	c.portMu.Unlock()

	speed := bus.SpeedFull
	if v&portLowSpeed != 0 {
		speed = bus.SpeedLow
	}

	return bus.PortStatus{
		Connected:     v&portConnectStatus != 0,
		Enabled:       v&portEnabled != 0,
		Suspended:     v&portSuspend != 0,
		Reset:         v&portReset != 0,
		PowerOn:       true, // UHCI ports are always powered; no PP bit
		Speed:         speed,
		ConnectChange: v&portConnectStatusChange != 0,
		EnableChange:  v&portEnableChange != 0,
		ResetChange:   resetChange,
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

// ResetPort implements the direct port-reset primitive [bus.Ops] and
// the shared enumeration helper call synchronously: write the reset
// bit, wait 50ms, clear it, and latch the reset-change bit. The
// hub-class SetPortFeature(PORT_RESET) request path (spec §4.4, driven
// through [rootHubBatch] rather than this method) instead spawns this
// same sequence as a background task so it does not block a caller
// sharing the hub's single status-change endpoint (spec §5).
func (c *Controller) ResetPort(port int) error {
	off := portOffset(port)
	bar := c.opt.BAR
	v := bar.ReadU16(off)
	bar.WriteU16(off, (v&^uint16(portConnectStatusChange|portEnableChange))|portReset)

	time.Sleep(50 * time.Millisecond)

	v = bar.ReadU16(off)
	bar.WriteU16(off, v&^uint16(portReset))

	time.Sleep(100 * time.Microsecond)
	v = bar.ReadU16(off)
	if v&portEnabled == 0 {
		// Full/low-speed devices on UHCI must be explicitly enabled;
		// there is no companion hand-off on this personality (that is an
		// EHCI-only concept), so just force the bit.
		bar.WriteU16(off, v|portEnabled)
	}

	c.portMu.Lock()
	c.portLatchReset[port] = true
	c.portMu.Unlock()
	c.hub.NotifyChange()
	return nil
}

// resetPortAsync runs the same sequence as [Controller.ResetPort] but
// in a spawned goroutine, used by the hub-class SetPortFeature(PORT_RESET)
// dispatch so it never blocks the caller (spec §4.4, §5).
func (c *Controller) resetPortAsync(port int) {
	go func() { _ = c.ResetPort(port) }()
}

// EnablePort sets or clears PORTSC's port-enabled bit directly
// (SetPortFeature/ClearPortFeature PORT_ENABLE).
func (c *Controller) EnablePort(port int, enable bool) error {
	off := portOffset(port)
	bar := c.opt.BAR
	v := bar.ReadU16(off) &^ uint16(portConnectStatusChange|portEnableChange)
	if enable {
		v |= portEnabled
	} else {
		v &^= portEnabled
	}
	bar.WriteU16(off, v)
	return nil
}

// SetPortFeature implements [roothub.PortOps] for the hub-class
// SET_PORT_FEATURE request.
func (c *Controller) SetPortFeature(port int, feature uint16) error {
	switch feature {
	case roothub.FeaturePortReset:
		c.resetPortAsync(port)
		return nil
	case roothub.FeaturePortEnable:
		return c.EnablePort(port, true)
	case roothub.FeaturePortSuspend:
		off := portOffset(port)
		bar := c.opt.BAR
		bar.WriteU16(off, (bar.ReadU16(off)&^uint16(portConnectStatusChange|portEnableChange))|portSuspend)
		return nil
	case roothub.FeaturePortPower:
		return nil // UHCI has no per-port power switching
	default:
		return pkg.ErrNotSupported
	}
}

// ClearPortFeature implements [roothub.PortOps] for the hub-class
// CLEAR_PORT_FEATURE request, including the software-latched change
// bits spec §4.4 describes.
func (c *Controller) ClearPortFeature(port int, feature uint16) error {
	off := portOffset(port)
	bar := c.opt.BAR
	switch feature {
	case roothub.FeatureCPortConnection:
		bar.WriteU16(off, (bar.ReadU16(off)&^uint16(portEnableChange))|portConnectStatusChange)
	case roothub.FeatureCPortEnable:
		bar.WriteU16(off, (bar.ReadU16(off)&^uint16(portConnectStatusChange))|portEnableChange)
	case roothub.FeatureCPortReset:
		c.portMu.Lock()
		c.portLatchReset[port] = false
		c.portMu.Unlock()
	case roothub.FeaturePortEnable:
		return c.EnablePort(port, false)
	case roothub.FeaturePortSuspend:
		v := bar.ReadU16(off)
		bar.WriteU16(off, (v&^uint16(portConnectStatusChange|portEnableChange))&^uint16(portSuspend)|portResumeDetect)
		go func() {
			time.Sleep(20 * time.Millisecond)
			v := bar.ReadU16(off)
			bar.WriteU16(off, v&^uint16(portResumeDetect))
			c.hub.NotifyChange()
		}()
	case roothub.FeaturePortPower:
		// no-op; see SetPortFeature
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
// into the schedule.
func (c *Controller) EndpointCreate(cfg bus.EndpointConfig) (bus.Endpoint, error) {
	return newEndpoint(c.descArena, c.list, cfg)
}

// EndpointRegister links ep into its schedule class (spec §4.3).
func (c *Controller) EndpointRegister(ep bus.Endpoint) error {
	e := ep.(*Endpoint)
	e.link()
	return nil
}

// EndpointUnregister takes ep out of the schedule, observing the
// cancellation sequence of spec §5 if a batch is in flight: wait up to
// 10ms for natural completion, then finish it as interrupted.
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

// EndpointDestroy frees ep's queue head backing. Must follow
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
// in-flight slot, points its queue head at the batch's TD chain, and
// appends it to the HC-wide pending list (spec §4.5).
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

// BatchDestroy releases a finished batch's DMA backing.
func (c *Controller) BatchDestroy(b bus.Batch) error {
	if rb, ok := b.(*rootHubBatch); ok {
		_ = rb
		return nil
	}
	b.(*Batch).destroy()
	return nil
}
