package fabric

import (
	"context"
	"sync"

	"github.com/mediamesh/rdmaconn/internal/rdmaerr"
)

// SoftwareEndpoint is a fully-Go, in-process loopback Endpoint used by
// tests and by cmd/txbench, which always runs against it. It has no real
// hardware dependency, the same role the teacher's MockRDMAManager plays
// for internal/rdma, but implemented at the endpoint interface so the
// connection package under test is byte-identical to what runs against
// real hardware.
//
// Posted sends loop back as receive completions on the peer endpoint it
// is wired to via Connect, mimicking two ends of an RDMA connection
// exchanging buffers without a kernel driver.
type SoftwareEndpoint struct {
	mu          sync.Mutex
	peer        *SoftwareEndpoint
	ready       chan struct{}
	closed      bool
	comps       []Completion
	pendingRecv []pendingRecv

	nextMR int
}

// NewSoftwareEndpoint creates a disconnected loopback endpoint.
func NewSoftwareEndpoint() *SoftwareEndpoint {
	return &SoftwareEndpoint{ready: make(chan struct{}, 1)}
}

// Connect wires two software endpoints together so sends posted on one
// arrive as receive completions on the other.
func Connect(a, b *SoftwareEndpoint) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (e *SoftwareEndpoint) RegisterMR(buf []byte) (MRHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, rdmaerr.New(rdmaerr.WrongState, "fabric.RegisterMR")
	}
	id := e.nextMR
	e.nextMR++
	return id, nil
}

func (e *SoftwareEndpoint) DeregisterMR(MRHandle) {}

func (e *SoftwareEndpoint) PostSend(slotIdx int, h MRHandle, buf []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return rdmaerr.New(rdmaerr.WrongState, "fabric.PostSend")
	}
	peer := e.peer
	e.mu.Unlock()

	// A send completes locally as soon as it is handed off.
	e.pushCompletion(Completion{Kind: CompletionSend, SlotIdx: slotIdx, Bytes: len(buf)})

	if peer != nil {
		cp := append([]byte(nil), buf...)
		peer.deliver(cp)
	}
	return nil
}

func (e *SoftwareEndpoint) PostRecv(slotIdx int, h MRHandle, buf []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return rdmaerr.New(rdmaerr.WrongState, "fabric.PostRecv")
	}
	e.pendingRecv = append(e.pendingRecv, pendingRecv{slotIdx: slotIdx, buf: buf})
	return nil
}

type pendingRecv struct {
	slotIdx int
	buf     []byte
}

func (e *SoftwareEndpoint) deliver(data []byte) {
	e.mu.Lock()
	if e.closed || len(e.pendingRecv) == 0 {
		e.mu.Unlock()
		return
	}
	pr := e.pendingRecv[0]
	e.pendingRecv = e.pendingRecv[1:]
	n := copy(pr.buf, data)
	e.mu.Unlock()

	e.pushCompletion(Completion{Kind: CompletionRecv, SlotIdx: pr.slotIdx, Bytes: n})
}

func (e *SoftwareEndpoint) pushCompletion(c Completion) {
	e.mu.Lock()
	e.comps = append(e.comps, c)
	e.mu.Unlock()
	select {
	case e.ready <- struct{}{}:
	default:
	}
}

func (e *SoftwareEndpoint) PollCQ(dst []Completion) []Completion {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.comps)
	if n > CQBatchSize {
		n = CQBatchSize
	}
	dst = append(dst, e.comps[:n]...)
	e.comps = e.comps[n:]
	return dst
}

func (e *SoftwareEndpoint) WaitCQEvent(ctx context.Context) error {
	e.mu.Lock()
	if len(e.comps) > 0 {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return rdmaerr.Wrap(rdmaerr.Cancelled, "fabric.WaitCQEvent", ctx.Err())
	}
}

func (e *SoftwareEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	select {
	case e.ready <- struct{}{}:
	default:
	}
	return nil
}
