// Package bufferpool implements the pinned buffer pool described by the
// connection subsystem: a fixed-capacity set of pre-registered buffer
// blocks handed out to callers and returned for reuse. Unlike a generic
// object pool it never grows past its configured capacity — a
// connection's pinned memory footprint is fixed at configure time — and
// acquisition blocks, cancellably, when the pool is momentarily empty.
//
// The implementation is a buffered channel of *Slot, the same shape as
// rocketbitz's MRPool, but Acquire blocks on the channel racing against
// ctx.Done() instead of falling back to an unbounded allocation, and
// Release puts an owned slot back into the channel it was drawn from
// until the pool is closed.
package bufferpool

import (
	"context"
	"sync"

	"github.com/mediamesh/rdmaconn/internal/rdmaerr"
)

// Slot is one pinned, pre-registered buffer block. Registered is an
// opaque handle supplied by the fabric layer (e.g. a memory region
// descriptor) that the pool does not interpret.
type Slot struct {
	Index      int
	Buf        []byte
	Registered any
}

// Pool is a fixed-capacity, blocking, cancellable pool of Slots.
type Pool struct {
	slots chan *Slot

	mu     sync.Mutex
	closed bool
	all    []*Slot
}

// New creates a Pool of the given capacity, each slot holding a buffer
// of blockSize bytes. register, if non-nil, is called once per slot at
// construction time (e.g. to pin and register the buffer with the
// fabric layer) and its return value is stored as Slot.Registered; a
// non-nil error aborts construction and unregisters any slots already
// created via unregister.
func New(capacity, blockSize int, register func([]byte) (any, error), unregister func(any)) (*Pool, error) {
	if capacity <= 0 {
		return nil, rdmaerr.New(rdmaerr.BadArgument, "bufferpool.New")
	}
	if blockSize <= 0 {
		return nil, rdmaerr.New(rdmaerr.BadArgument, "bufferpool.New")
	}

	p := &Pool{
		slots: make(chan *Slot, capacity),
		all:   make([]*Slot, 0, capacity),
	}

	for i := 0; i < capacity; i++ {
		buf := make([]byte, blockSize)
		var reg any
		if register != nil {
			r, err := register(buf)
			if err != nil {
				p.destroyLocked(unregister)
				return nil, rdmaerr.Wrap(rdmaerr.GeneralFailure, "bufferpool.New", err)
			}
			reg = r
		}
		s := &Slot{Index: i, Buf: buf, Registered: reg}
		p.all = append(p.all, s)
		p.slots <- s
	}

	return p, nil
}

// Acquire blocks until a slot is available, ctx is done, or the pool is
// closed, whichever happens first.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	select {
	case s, ok := <-p.slots:
		if !ok {
			return nil, rdmaerr.New(rdmaerr.WrongState, "bufferpool.Acquire")
		}
		return s, nil
	case <-ctx.Done():
		return nil, rdmaerr.Wrap(rdmaerr.Cancelled, "bufferpool.Acquire", ctx.Err())
	}
}

// TryAcquire returns a slot if one is immediately available without
// blocking, or (nil, false) otherwise.
func (p *Pool) TryAcquire() (*Slot, bool) {
	select {
	case s, ok := <-p.slots:
		if !ok {
			return nil, false
		}
		return s, true
	default:
		return nil, false
	}
}

// Release returns s to the pool, waking exactly one blocked Acquire (if
// any). Releasing a slot not owned by this pool, or releasing after
// Close, is a no-op.
func (p *Pool) Release(s *Slot) {
	if s == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	owned := s.Index >= 0 && s.Index < len(p.all) && p.all[s.Index] == s
	p.mu.Unlock()
	if closed || !owned {
		return
	}
	select {
	case p.slots <- s:
	default:
		// Pool is at capacity; a double-release. Drop silently rather
		// than block or panic — callers are expected to release exactly
		// once per acquire.
	}
}

// Len reports the number of slots currently available for Acquire.
func (p *Pool) Len() int {
	return len(p.slots)
}

// Cap reports the pool's total capacity.
func (p *Pool) Cap() int {
	return cap(p.slots)
}

// Close marks the pool closed, drains the slots still queued in it, and
// unregisters every slot via unregister (which may be nil). After Close,
// Acquire returns rdmaerr.WrongState and Release is a no-op.
func (p *Pool) Close(unregister func(any)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.slots)
	for range p.slots {
	}
	p.destroyLocked(unregister)
}

func (p *Pool) destroyLocked(unregister func(any)) {
	if unregister == nil {
		return
	}
	for _, s := range p.all {
		if s.Registered != nil {
			unregister(s.Registered)
		}
	}
}
