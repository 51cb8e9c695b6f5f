package connection

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mediamesh/rdmaconn/internal/bufferpool"
	"github.com/mediamesh/rdmaconn/internal/fabric"
	"github.com/mediamesh/rdmaconn/internal/rdmaerr"
)

// Rx is the receiver connection: it posts receive buffers, reaps
// completions, and forwards received frames to a linked consumer
// (spec.md §4.4).
type Rx struct {
	*Base

	// handoff is the bounded reaper->processor queue, capacity
	// queue_size, matching spec.md §9's "bounded lock-free queue or
	// mutex+cv FIFO; spec requires only FIFO order and bounded memory".
	handoff chan fabric.Completion

	// slots maps a slot index to the slot itself, captured once at
	// establish time since the Buffer Block (spec.md §3) divides into a
	// fixed set of offsets that never change identity across reposts.
	slots []*bufferpool.Slot

	// postedAt records when each slot index was last posted for receive,
	// so completion latency can be measured on delivery.
	postedAt []time.Time
}

// NewRx constructs an Rx connection bound to registry's device pool.
func NewRx(registry *fabric.Registry) *Rx {
	rx := &Rx{Base: newBase(Receiver, registry)}
	rx.hooks.afterEstablish = rx.afterEstablish
	return rx
}

func (rx *Rx) afterEstablish(workCtx context.Context, g *errgroup.Group) error {
	rx.handoff = make(chan fabric.Completion, rx.params.QueueSize)
	rx.slots = make([]*bufferpool.Slot, rx.params.QueueSize)
	rx.postedAt = make([]time.Time, rx.params.QueueSize)

	// Post every slot for receive immediately, per spec.md §4.4 ("seeds
	// the pool, posts every slot for receive").
	for i := 0; i < rx.params.QueueSize; i++ {
		slot, err := rx.pool.Acquire(workCtx)
		if err != nil {
			return rdmaerr.Wrap(rdmaerr.InitializationFailed, "connection.Rx.establish", err)
		}
		if rx.metrics != nil {
			rx.metrics.RecordAcquire(workCtx)
		}
		if err := rx.ep.PostRecv(slot.Index, slot.Registered, slot.Buf); err != nil {
			rx.pool.Release(slot)
			return rdmaerr.Wrap(rdmaerr.ReceiveFailed, "connection.Rx.establish", err)
		}
		rx.slots[slot.Index] = slot
		rx.postedAt[slot.Index] = time.Now()
	}

	g.Go(func() error { rx.cqReaperLoop(workCtx); return nil })
	g.Go(func() error { rx.bufferProcessorLoop(workCtx); return nil })
	return nil
}

// cqReaperLoop polls the CQ in batches and hands completions to the
// buffer processor, matching spec.md §4.4's reaper loop exactly.
func (rx *Rx) cqReaperLoop(ctx context.Context) {
	var buf []fabric.Completion
	for {
		if err := rx.ep.WaitCQEvent(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		buf = rx.ep.PollCQ(buf[:0])
		for _, c := range buf {
			select {
			case rx.handoff <- c:
			case <-ctx.Done():
				return
			}
		}
	}
}

// bufferProcessorLoop delivers completions to the linked consumer and
// reposts the slot, matching spec.md §4.4's processor loop.
func (rx *Rx) bufferProcessorLoop(ctx context.Context) {
	for {
		select {
		case c := <-rx.handoff:
			rx.deliverAndRepost(ctx, c)
		case <-ctx.Done():
			// Reaper may still enqueue a few items; they are discarded
			// per spec.md §4.4 step 4.
			return
		}
	}
}

func (rx *Rx) deliverAndRepost(ctx context.Context, c fabric.Completion) {
	if c.SlotIdx < 0 || c.SlotIdx >= len(rx.slots) {
		return
	}
	slot := rx.slots[c.SlotIdx]
	if slot == nil {
		return
	}

	if rx.metrics != nil {
		rx.metrics.RecordCompletionLatency(ctx, time.Since(rx.postedAt[c.SlotIdx]).Nanoseconds())
	}

	if link := rx.getLink(); link != nil {
		if err := link.OnReceive(ctx, slot.Buf[:c.Bytes]); err != nil {
			rx.log().Warn().Err(err).Int("slot", c.SlotIdx).Msg("on_receive failed")
		}
		if rx.metrics != nil {
			rx.metrics.RecordReceive(ctx)
		}
	}

	if rx.IsSuspended() {
		// Buffers complete normally while suspended but are not
		// reposted for new receives until resume (spec.md §9).
		return
	}

	if err := rx.ep.PostRecv(slot.Index, slot.Registered, slot.Buf); err != nil {
		rx.log().Warn().Err(err).Int("slot", c.SlotIdx).Msg("repost failed")
		return
	}
	rx.postedAt[slot.Index] = time.Now()
}
