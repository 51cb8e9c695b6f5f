package connection

import (
	"context"
	"errors"

	"github.com/mediamesh/rdmaconn/internal/fabric"
)

// faultyEndpoint wraps a *fabric.SoftwareEndpoint so tests can inject
// the ep_init/ep_reg_mr failures named by spec.md §8 scenarios 2 and 3
// without needing real hardware, the same role the teacher's
// MockRDMADevice plays for internal/rdma.
type faultyEndpoint struct {
	*fabric.SoftwareEndpoint
	failRegisterMR bool
	recvPosts      int
}

func (f *faultyEndpoint) RegisterMR(buf []byte) (fabric.MRHandle, error) {
	if f.failRegisterMR {
		return nil, errors.New("injected MR registration failure")
	}
	return f.SoftwareEndpoint.RegisterMR(buf)
}

func (f *faultyEndpoint) PostRecv(slotIdx int, h fabric.MRHandle, buf []byte) error {
	f.recvPosts++
	return f.SoftwareEndpoint.PostRecv(slotIdx, h, buf)
}

// blockingEndpoint accepts posted sends/receives but never completes
// them, used to force the buffer pool to genuinely exhaust for
// cancellation-liveness tests (I4) without racing a real completion.
type blockingEndpoint struct {
	nextMR int
}

func (b *blockingEndpoint) RegisterMR(buf []byte) (fabric.MRHandle, error) {
	b.nextMR++
	return b.nextMR, nil
}
func (b *blockingEndpoint) DeregisterMR(fabric.MRHandle) {}
func (b *blockingEndpoint) PostRecv(int, fabric.MRHandle, []byte) error { return nil }
func (b *blockingEndpoint) PostSend(int, fabric.MRHandle, []byte) error { return nil }
func (b *blockingEndpoint) PollCQ(dst []fabric.Completion) []fabric.Completion { return dst }
func (b *blockingEndpoint) WaitCQEvent(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (b *blockingEndpoint) Close() error { return nil }

func newRegistry(open func(devKey string) (fabric.Endpoint, error)) *fabric.Registry {
	return fabric.NewRegistry(open)
}

func validParams(kind Kind, queueSize, transferSize int) Params {
	return Params{
		Kind:         kind,
		Local:        Addr{IP: "127.0.0.1", Port: "5000"},
		Remote:       Addr{IP: "127.0.0.1", Port: "5001"},
		TransferSize: transferSize,
		QueueSize:    queueSize,
		DevPort:      "0000:31:00.0",
	}
}
