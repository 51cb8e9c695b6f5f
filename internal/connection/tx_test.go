package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediamesh/rdmaconn/internal/fabric"
	"github.com/mediamesh/rdmaconn/internal/rdmaerr"
)

func newLoopbackTxRx(t *testing.T, queueSize, transferSize int) (*Tx, *Rx) {
	t.Helper()
	var txEP, rxEP *fabric.SoftwareEndpoint

	txReg := newRegistry(func(devKey string) (fabric.Endpoint, error) {
		txEP = fabric.NewSoftwareEndpoint()
		return txEP, nil
	})
	rxReg := newRegistry(func(devKey string) (fabric.Endpoint, error) {
		rxEP = fabric.NewSoftwareEndpoint()
		return rxEP, nil
	})

	tx := NewTx(txReg)
	rx := NewRx(rxReg)

	require.NoError(t, tx.Configure(context.Background(), validParams(Transmitter, queueSize, transferSize)))
	require.NoError(t, rx.Configure(context.Background(), validParams(Receiver, queueSize, transferSize)))
	require.NoError(t, rx.Establish(context.Background()))
	require.NoError(t, tx.Establish(context.Background()))

	fabric.Connect(txEP, rxEP)
	return tx, rx
}

type recordingConsumer struct {
	mu       chan struct{}
	received chan []byte
}

func newRecordingConsumer(buffer int) *recordingConsumer {
	return &recordingConsumer{received: make(chan []byte, buffer)}
}

func (c *recordingConsumer) OnReceive(ctx context.Context, data []byte) error {
	cp := append([]byte(nil), data...)
	c.received <- cp
	return nil
}

func TestTxRxRoundTrip(t *testing.T) {
	tx, rx := newLoopbackTxRx(t, 8, 64)
	consumer := newRecordingConsumer(4)
	rx.SetLink(consumer)

	payload := []byte("Hello RDMA World!")
	require.NoError(t, tx.Transmit(context.Background(), payload))

	select {
	case got := <-consumer.received:
		assert.Equal(t, payload, got[:len(payload)])
	case <-time.After(time.Second):
		t.Fatal("on_receive was not invoked")
	}

	require.NoError(t, tx.Shutdown(context.Background()))
	require.NoError(t, rx.Shutdown(context.Background()))
}

func TestTransmitWrongState(t *testing.T) {
	txReg := newRegistry(func(devKey string) (fabric.Endpoint, error) {
		return fabric.NewSoftwareEndpoint(), nil
	})
	tx := NewTx(txReg)
	err := tx.Transmit(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Equal(t, rdmaerr.WrongState, rdmaerr.CodeOf(err))
}

func TestTransmitOversizedPayload(t *testing.T) {
	txReg := newRegistry(func(devKey string) (fabric.Endpoint, error) {
		return fabric.NewSoftwareEndpoint(), nil
	})
	tx := NewTx(txReg)
	require.NoError(t, tx.Configure(context.Background(), validParams(Transmitter, 4, 16)))
	require.NoError(t, tx.Establish(context.Background()))

	err := tx.Transmit(context.Background(), make([]byte, 17))
	require.Error(t, err)
	assert.Equal(t, rdmaerr.BadArgument, rdmaerr.CodeOf(err))
	assert.Equal(t, Active, tx.State())

	require.NoError(t, tx.Shutdown(context.Background()))
}

// I4: cancellation liveness — transmit blocked on an empty pool returns
// error_cancelled promptly once ctx is cancelled.
func TestInvariantCancellationLiveness(t *testing.T) {
	txReg := newRegistry(func(devKey string) (fabric.Endpoint, error) {
		return &blockingEndpoint{}, nil
	})
	tx := NewTx(txReg)
	require.NoError(t, tx.Configure(context.Background(), validParams(Transmitter, 1, 16)))
	require.NoError(t, tx.Establish(context.Background()))

	// Exhaust the single slot: acquire and never release (no peer wired,
	// so the send completion never comes back).
	ctxExhaust, cancelExhaust := context.WithCancel(context.Background())
	defer cancelExhaust()
	require.NoError(t, tx.Transmit(ctxExhaust, []byte("x")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tx.Transmit(ctx, []byte("y"))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, rdmaerr.Cancelled, rdmaerr.CodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("transmit did not observe cancellation")
	}

	require.NoError(t, tx.Shutdown(context.Background()))
}

// I1/I5: once the transmits quiesce, before shutdown, the Tx pool's
// slot count returns to capacity and no slot remains checked out.
func TestInvariantSlotConservationAndNoLeaks(t *testing.T) {
	tx, rx := newLoopbackTxRx(t, 4, 32)
	consumer := newRecordingConsumer(16)
	rx.SetLink(consumer)

	for i := 0; i < 10; i++ {
		require.NoError(t, tx.Transmit(context.Background(), []byte("payload")))
		select {
		case <-consumer.received:
		case <-time.After(time.Second):
			t.Fatalf("transmit %d not received", i)
		}
	}

	// Give the Tx CQ reaper a moment to re-release the last slot.
	deadline := time.Now().Add(time.Second)
	for tx.pool.Len() != tx.pool.Cap() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, tx.pool.Cap(), tx.pool.Len())

	require.NoError(t, tx.Shutdown(context.Background()))
	require.NoError(t, rx.Shutdown(context.Background()))
}
