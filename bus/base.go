package bus

import (
	"context"
	"sync"
)

// EndpointBase is embeddable bookkeeping every personality's endpoint
// type shares: identity (address/number/direction/kind/max packet size)
// plus the single-outstanding-batch slot the "single flight" testable
// property requires. Personalities compose their hardware-specific
// queue-head/endpoint-descriptor state around this rather than
// reimplementing the identity accessors for each of UHCI/OHCI/EHCI.
type EndpointBase struct {
	Cfg EndpointConfig

	mu      sync.Mutex
	pending Batch
}

// NewEndpointBase constructs an EndpointBase for cfg.
func NewEndpointBase(cfg EndpointConfig) EndpointBase {
	return EndpointBase{Cfg: cfg}
}

func (e *EndpointBase) Address() uint8          { return e.Cfg.Address }
func (e *EndpointBase) Number() uint8           { return e.Cfg.Number }
func (e *EndpointBase) Direction() Direction     { return e.Cfg.Direction }
func (e *EndpointBase) Kind() EndpointKind       { return e.Cfg.Kind }
func (e *EndpointBase) MaxPacketSize() uint16    { return e.Cfg.MaxPacketSize }
func (e *EndpointBase) Interval() uint8          { return e.Cfg.Interval }
func (e *EndpointBase) Speed() Speed             { return e.Cfg.Speed }

// TryAcquire claims the endpoint's single in-flight batch slot,
// reporting false if a batch is already outstanding. Personalities call
// this from BatchSchedule before linking a batch's descriptors into the
// hardware schedule.
func (e *EndpointBase) TryAcquire(b Batch) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending != nil {
		return false
	}
	e.pending = b
	return true
}

// Release clears the in-flight slot, called once a batch's completion
// has been observed (successfully or not).
func (e *EndpointBase) Release(b Batch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == b {
		e.pending = nil
	}
}

// BatchBase is embeddable completion-signaling state for a personality's
// batch type. The HC core's interrupt dispatcher calls Finish exactly
// once per batch, from the goroutine that scanned the completed
// descriptor; Wait blocks the submitting goroutine until that happens or
// ctx is cancelled.
type BatchBase struct {
	done        chan struct{}
	once        sync.Once
	transferred int
	err         error
}

// NewBatchBase constructs a BatchBase ready to be waited on.
func NewBatchBase() BatchBase {
	return BatchBase{done: make(chan struct{})}
}

// Finish records the batch's outcome and wakes any waiter. Safe to call
// more than once; only the first call has effect.
func (b *BatchBase) Finish(transferred int, err error) {
	b.once.Do(func() {
		b.transferred = transferred
		b.err = err
		close(b.done)
	})
}

// Wait blocks until Finish has been called or ctx is done.
func (b *BatchBase) Wait(ctx context.Context) (int, error) {
	select {
	case <-b.done:
		return b.transferred, b.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// IsDone reports whether Finish has already been called, without
// blocking. Used by a personality's dequeue path to skip batches a
// cancellation already settled.
func (b *BatchBase) IsDone() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
