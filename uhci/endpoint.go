package uhci

import (
	"sync"

	"github.com/ardnew/usbhcd/bus"
	"github.com/ardnew/usbhcd/internal/dma"
)

// Endpoint is UHCI's implementation of [bus.Endpoint]: a dummy queue
// head linked into the schedule plus the data-toggle state a batch
// needs to prime its first TD correctly.
//
// The toggle is re-primed from this struct before every batch
// regardless of whether the previous batch succeeded or errored - a
// host controller that stalls partway through a multi-TD transfer has
// already flipped the toggle on the TDs it did complete, and the
// endpoint's record must track hardware's view, not the caller's.
type Endpoint struct {
	bus.EndpointBase

	qh   queueHead
	list *EndpointList

	mu     sync.Mutex
	toggle bool
	linked bool
}

// newEndpoint allocates a queue head for cfg but does not yet link it
// into the schedule; callers call link once the endpoint is ready to
// receive traffic.
func newEndpoint(descArena *dma.Arena, list *EndpointList, cfg bus.EndpointConfig) (*Endpoint, error) {
	qh, err := newQueueHead(descArena)
	if err != nil {
		return nil, err
	}
	qh.init()
	return &Endpoint{
		EndpointBase: bus.NewEndpointBase(cfg),
		qh:           qh,
		list:         list,
	}, nil
}

func (e *Endpoint) link() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.linked {
		return
	}
	switch e.Kind() {
	case bus.EndpointControl:
		e.list.LinkControl(e.qh)
	case bus.EndpointBulk:
		e.list.LinkBulk(e.qh)
	case bus.EndpointInterrupt:
		e.list.LinkInterrupt(e.qh, e.Cfg.Interval)
	default:
		// Isochronous endpoints are out of scope; see Non-goals.
	}
	e.linked = true
}

func (e *Endpoint) unlink() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.linked {
		return
	}
	switch e.Kind() {
	case bus.EndpointControl:
		e.list.UnlinkControl(e.qh)
	case bus.EndpointBulk:
		e.list.UnlinkBulk(e.qh)
	case bus.EndpointInterrupt:
		e.list.UnlinkInterrupt(e.qh, e.Cfg.Interval)
	}
	e.linked = false
}

func (e *Endpoint) destroy() {
	e.unlink()
	e.qh.free()
}

// currentToggle returns the data toggle to prime the next batch's
// first TD with.
func (e *Endpoint) currentToggle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.toggle
}

// setToggle records the data toggle hardware will expect on the next
// transfer, overwriting whatever the caller's batch predicted; called
// unconditionally from the completion scan, success or error.
func (e *Endpoint) setToggle(t bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toggle = t
}

// resetToggle restores DATA0, the reset USB 2.0 9.4.5 calls for after a
// SET_CONFIGURATION or CLEAR_FEATURE(ENDPOINT_HALT) request. No code in
// this module calls it.
func (e *Endpoint) resetToggle() {
	e.setToggle(false)
}
