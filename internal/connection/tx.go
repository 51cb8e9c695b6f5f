package connection

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mediamesh/rdmaconn/internal/bufferpool"
	"github.com/mediamesh/rdmaconn/internal/fabric"
	"github.com/mediamesh/rdmaconn/internal/rdmaerr"
)

// inflightSend tracks a posted slot's own buffer alongside the time it
// was posted, so the CQ reaper can compute completion latency.
type inflightSend struct {
	slot     *bufferpool.Slot
	postedAt time.Time
}

// Tx is the transmitter connection: it accepts transmit calls, acquires
// a free buffer, posts a send, awaits completion, and returns the
// buffer to the pool (spec.md §4.5).
type Tx struct {
	*Base

	inflightMu sync.Mutex
	inflight   map[int]inflightSend
}

// NewTx constructs a Tx connection bound to registry's device pool.
func NewTx(registry *fabric.Registry) *Tx {
	tx := &Tx{Base: newBase(Transmitter, registry), inflight: make(map[int]inflightSend)}
	tx.hooks.afterEstablish = tx.afterEstablish
	return tx
}

// afterEstablish starts only the CQ-reaper thread (spec.md §4.5: "no
// processor needed; completions simply re-release slots").
func (tx *Tx) afterEstablish(workCtx context.Context, g *errgroup.Group) error {
	g.Go(func() error { tx.cqReaperLoop(workCtx); return nil })
	return nil
}

func (tx *Tx) cqReaperLoop(ctx context.Context) {
	var buf []fabric.Completion
	for {
		if err := tx.ep.WaitCQEvent(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		buf = tx.ep.PollCQ(buf[:0])
		for _, c := range buf {
			tx.releaseCompleted(c.SlotIdx)
		}
	}
}

func (tx *Tx) releaseCompleted(slotIdx int) {
	tx.inflightMu.Lock()
	in, ok := tx.inflight[slotIdx]
	if ok {
		delete(tx.inflight, slotIdx)
	}
	tx.inflightMu.Unlock()
	if !ok {
		return
	}
	if tx.metrics != nil {
		tx.metrics.RecordCompletionLatency(context.Background(), time.Since(in.postedAt).Nanoseconds())
		tx.metrics.RecordRelease(context.Background())
	}
	tx.pool.Release(in.slot)
}

// Transmit copies data into an acquired pool slot and posts a send,
// returning once the slot is accepted by the NIC (not when completed),
// following spec.md §4.5's five steps exactly.
func (tx *Tx) Transmit(ctx context.Context, data []byte) error {
	if tx.State() != Active {
		return rdmaerr.New(rdmaerr.WrongState, "connection.Tx.Transmit")
	}
	if len(data) > tx.params.TransferSize {
		return rdmaerr.New(rdmaerr.BadArgument, "connection.Tx.Transmit")
	}

	slot, err := tx.pool.Acquire(ctx)
	if err != nil {
		// bufferpool.Acquire already classifies the failure (cancelled
		// or, post-shutdown, wrong_state); propagate its code as-is.
		return err
	}
	if tx.metrics != nil {
		tx.metrics.RecordAcquire(ctx)
	}

	n := copy(slot.Buf, data)
	// Zero any tail left over from a previous, larger transmit so the
	// NIC never sends stale bytes past the requested length.
	for i := n; i < len(slot.Buf); i++ {
		slot.Buf[i] = 0
	}

	tx.inflightMu.Lock()
	tx.inflight[slot.Index] = inflightSend{slot: slot, postedAt: time.Now()}
	tx.inflightMu.Unlock()

	if err := tx.ep.PostSend(slot.Index, slot.Registered, slot.Buf[:n]); err != nil {
		tx.inflightMu.Lock()
		delete(tx.inflight, slot.Index)
		tx.inflightMu.Unlock()
		tx.pool.Release(slot)
		if tx.metrics != nil {
			tx.metrics.RecordRelease(ctx)
			tx.metrics.RecordTransmitFailure(ctx)
		}
		return rdmaerr.Wrap(rdmaerr.SendFailed, "connection.Tx.Transmit", err)
	}

	if tx.metrics != nil {
		tx.metrics.RecordTransmit(ctx)
	}
	return nil
}
