package ohci

import (
	"sync"

	"github.com/ardnew/usbhcd/bus"
	"github.com/ardnew/usbhcd/internal/dma"
)

// Endpoint is OHCI's implementation of [bus.Endpoint]: an
// always-resident Endpoint Descriptor linked into one of the three
// schedules, plus the data-toggle carry OHCI keeps in the ED's HeadP
// rather than handing back to software between batches the way UHCI's
// TD token field does.
//
// Endpoint keeps exactly two permanent TD slots - cur and next -
// alongside its ED, and reuses them for the lifetime of the endpoint.
// A batch's first TD is always written in place into cur (already
// linked as the ED's head) and its last TD always links forward to
// next (the ED's tail, an unfilled sentinel); building the following
// batch swaps the two names rather than allocating a fresh pair, the
// same permanent-dummy trick the controller driver this is grounded on
// uses to avoid ever leaving the ED pointing at freed memory.
type Endpoint struct {
	bus.EndpointBase

	e        ed
	descArena *dma.Arena
	list     *EndpointList

	mu         sync.Mutex
	linked     bool
	cur, next  td
}

func newEndpoint(descArena *dma.Arena, list *EndpointList, cfg bus.EndpointConfig) (*Endpoint, error) {
	e, err := newED(descArena)
	if err != nil {
		return nil, err
	}
	dir := edDirFromTD
	switch cfg.Kind {
	case bus.EndpointBulk, bus.EndpointInterrupt:
		if cfg.Direction == bus.DirectionIn {
			dir = edDirIn
		} else {
			dir = edDirOut
		}
	}
	e.init(int(cfg.Address), int(cfg.Number), cfg.MaxPacketSize, dir, cfg.Speed == bus.SpeedLow)

	cur, err := newTD(descArena)
	if err != nil {
		e.free()
		return nil, err
	}
	next, err := newTD(descArena)
	if err != nil {
		cur.free()
		e.free()
		return nil, err
	}
	e.setHead(edAddr(descArena, cur.idx), false)
	e.setTail(edAddr(descArena, next.idx))

	return &Endpoint{
		EndpointBase: bus.NewEndpointBase(cfg),
		e:            e,
		descArena:    descArena,
		list:         list,
		cur:          cur,
		next:         next,
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
		e.list.LinkControl(e.e)
	case bus.EndpointBulk:
		e.list.LinkBulk(e.e)
	case bus.EndpointInterrupt:
		e.list.LinkInterrupt(e.e, e.Cfg.Interval)
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
		e.list.UnlinkControl(e.e)
	case bus.EndpointBulk:
		e.list.UnlinkBulk(e.e)
	case bus.EndpointInterrupt:
		e.list.UnlinkInterrupt(e.e, e.Cfg.Interval)
	}
	e.linked = false
}

func (e *Endpoint) destroy() {
	e.unlink()
	e.cur.free()
	e.next.free()
	e.e.free()
}

// swap exchanges cur and next after a batch has linked next in as the
// ED's new tail, so the following batch builds into what used to be
// the unfilled sentinel.
func (e *Endpoint) swap() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cur, e.next = e.next, e.cur
}

// currentToggle reads the toggle carry OHCI maintains in the ED's
// HeadP field - unlike UHCI, this package has no separate toggle
// variable to keep in sync with hardware, since the controller itself
// is the source of truth between batches.
func (e *Endpoint) currentToggle() bool { return e.e.toggleCarry() }

// resetToggle clears the toggle carry bit, the reset USB 2.0 9.4.5 calls
// for after SET_CONFIGURATION or CLEAR_FEATURE(ENDPOINT_HALT). No code in
// this module calls it.
func (e *Endpoint) resetToggle() {
	e.e.setHead(e.e.headAddr(), false)
}

// setSkip pulls the ED out of schedule consideration without
// unlinking it, used while Unregister waits for quiescence.
func (e *Endpoint) setSkip(skip bool) { e.e.setSkip(skip) }
