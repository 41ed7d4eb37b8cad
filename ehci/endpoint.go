package ehci

import (
	"sync"

	"github.com/ardnew/usbhcd/bus"
	"github.com/ardnew/usbhcd/internal/dma"
)

// Endpoint is EHCI's implementation of [bus.Endpoint]: a single,
// always-resident Queue Head linked into either the periodic tree or
// the shared asynchronous ring. Unlike OHCI, EHCI needs no permanent
// pair of transfer-descriptor slots around the queue head - a batch
// simply allocates fresh scratch qTDs and splices them onto the QH
// overlay's NextqTD pointer, the simpler scheme the controller driver
// this package is grounded on uses.
type Endpoint struct {
	bus.EndpointBase

	q         qh
	descArena *dma.Arena
	list      *EndpointList

	mu     sync.Mutex
	linked bool
}

func newEndpoint(descArena *dma.Arena, list *EndpointList, cfg bus.EndpointConfig) (*Endpoint, error) {
	q, err := newQH(descArena)
	if err != nil {
		return nil, err
	}
	speed := qhSpeedHigh
	switch cfg.Speed {
	case bus.SpeedLow:
		speed = qhSpeedLow
	case bus.SpeedFull:
		speed = qhSpeedFull
	}
	q.init(int(cfg.Address), int(cfg.Number), cfg.MaxPacketSize, speed, cfg.Kind == bus.EndpointControl, false)

	return &Endpoint{
		EndpointBase: bus.NewEndpointBase(cfg),
		q:            q,
		descArena:    descArena,
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
	case bus.EndpointControl, bus.EndpointBulk:
		e.list.LinkAsync(e.q)
	case bus.EndpointInterrupt:
		e.list.LinkInterrupt(e.q, e.Cfg.Interval)
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
	case bus.EndpointControl, bus.EndpointBulk:
		e.list.UnlinkAsync(e.q)
	case bus.EndpointInterrupt:
		e.list.UnlinkInterrupt(e.q, e.Cfg.Interval)
	}
	e.linked = false
}

func (e *Endpoint) destroy() {
	e.unlink()
	e.q.free()
}

// currentToggle reads the data toggle EHCI maintains in the overlay
// token's Toggle bit - like OHCI, and unlike UHCI, the controller
// itself carries the toggle forward between batches.
func (e *Endpoint) currentToggle() bool {
	return e.q.overlayToken()&tokToggle != 0
}

// resetToggle clears the queue head's stored toggle and transfer
// pointers, the reset USB 2.0 9.4.5 calls for after SET_CONFIGURATION or
// CLEAR_FEATURE(ENDPOINT_HALT). No code in this module calls it.
func (e *Endpoint) resetToggle() {
	e.q.clearTDPointers()
	e.q.clearToggle()
}

