package connection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediamesh/rdmaconn/internal/fabric"
	"github.com/mediamesh/rdmaconn/internal/rdmaerr"
)

// scenario 1: Happy Rx establish.
func TestScenarioHappyRxEstablish(t *testing.T) {
	var ep *faultyEndpoint
	reg := newRegistry(func(devKey string) (fabric.Endpoint, error) {
		ep = &faultyEndpoint{SoftwareEndpoint: fabric.NewSoftwareEndpoint()}
		return ep, nil
	})

	rx := NewRx(reg)
	require.NoError(t, rx.Configure(context.Background(), validParams(Receiver, 32, 1024)))
	require.NoError(t, rx.Establish(context.Background()))
	assert.Equal(t, Active, rx.State())
	assert.Equal(t, 32, ep.recvPosts)

	require.NoError(t, rx.Shutdown(context.Background()))
}

// scenario 2: ep_init failure.
func TestScenarioEPInitFailure(t *testing.T) {
	reg := newRegistry(func(devKey string) (fabric.Endpoint, error) {
		return nil, errInjected
	})

	rx := NewRx(reg)
	require.NoError(t, rx.Configure(context.Background(), validParams(Receiver, 32, 1024)))
	err := rx.Establish(context.Background())
	require.Error(t, err)
	assert.Equal(t, rdmaerr.InitializationFailed, rdmaerr.CodeOf(err))
	assert.Equal(t, Closed, rx.State())
}

// scenario 3: MR registration failure.
func TestScenarioMRRegistrationFailure(t *testing.T) {
	reg := newRegistry(func(devKey string) (fabric.Endpoint, error) {
		return &faultyEndpoint{SoftwareEndpoint: fabric.NewSoftwareEndpoint(), failRegisterMR: true}, nil
	})

	rx := NewRx(reg)
	require.NoError(t, rx.Configure(context.Background(), validParams(Receiver, 32, 1024)))
	err := rx.Establish(context.Background())
	require.Error(t, err)
	assert.Equal(t, rdmaerr.MemoryRegistrationFailed, rdmaerr.CodeOf(err))
	assert.Equal(t, Closed, rx.State())
	assert.Equal(t, 0, reg.RefCount("0000:31:00.0"))
}

// scenario 4: double-establish.
func TestScenarioDoubleEstablish(t *testing.T) {
	reg := newRegistry(func(devKey string) (fabric.Endpoint, error) {
		return &faultyEndpoint{SoftwareEndpoint: fabric.NewSoftwareEndpoint()}, nil
	})

	rx := NewRx(reg)
	require.NoError(t, rx.Configure(context.Background(), validParams(Receiver, 4, 1024)))
	require.NoError(t, rx.Establish(context.Background()))
	assert.Equal(t, Active, rx.State())

	err := rx.Establish(context.Background())
	require.Error(t, err)
	assert.Equal(t, rdmaerr.WrongState, rdmaerr.CodeOf(err))
	assert.Equal(t, Active, rx.State())

	require.NoError(t, rx.Shutdown(context.Background()))
}

// scenario 5: full state cycle.
func TestScenarioFullStateCycle(t *testing.T) {
	reg := newRegistry(func(devKey string) (fabric.Endpoint, error) {
		return &faultyEndpoint{SoftwareEndpoint: fabric.NewSoftwareEndpoint()}, nil
	})

	rx := NewRx(reg)
	assert.Equal(t, NotConfigured, rx.State())

	require.NoError(t, rx.Configure(context.Background(), validParams(Receiver, 4, 1024)))
	assert.Equal(t, Configured, rx.State())

	require.NoError(t, rx.Establish(context.Background()))
	assert.Equal(t, Active, rx.State())

	require.NoError(t, rx.Suspend(context.Background()))
	assert.Equal(t, Suspended, rx.State())

	require.NoError(t, rx.Resume(context.Background()))
	assert.Equal(t, Active, rx.State())

	require.NoError(t, rx.Shutdown(context.Background()))
	assert.Equal(t, Closed, rx.State())
}

// I2: every operation invoked in an illegal source state returns
// error_wrong_state without mutating state.
func TestInvariantStateLegality(t *testing.T) {
	reg := newRegistry(func(devKey string) (fabric.Endpoint, error) {
		return &faultyEndpoint{SoftwareEndpoint: fabric.NewSoftwareEndpoint()}, nil
	})
	rx := NewRx(reg)

	err := rx.Suspend(context.Background())
	require.Error(t, err)
	assert.Equal(t, rdmaerr.WrongState, rdmaerr.CodeOf(err))
	assert.Equal(t, NotConfigured, rx.State())

	err = rx.Resume(context.Background())
	require.Error(t, err)
	assert.Equal(t, rdmaerr.WrongState, rdmaerr.CodeOf(err))
	assert.Equal(t, NotConfigured, rx.State())

	err = rx.Establish(context.Background())
	require.Error(t, err)
	assert.Equal(t, rdmaerr.WrongState, rdmaerr.CodeOf(err))
	assert.Equal(t, NotConfigured, rx.State())
}

// I3: shutdown called N times leaves the connection closed and returns
// success after the first call.
func TestInvariantShutdownIdempotence(t *testing.T) {
	reg := newRegistry(func(devKey string) (fabric.Endpoint, error) {
		return &faultyEndpoint{SoftwareEndpoint: fabric.NewSoftwareEndpoint()}, nil
	})
	rx := NewRx(reg)
	require.NoError(t, rx.Configure(context.Background(), validParams(Receiver, 4, 1024)))
	require.NoError(t, rx.Establish(context.Background()))

	for i := 0; i < 3; i++ {
		require.NoError(t, rx.Shutdown(context.Background()))
		assert.Equal(t, Closed, rx.State())
	}
}

// Configure rejects bad arguments and leaves state at not_configured.
func TestConfigureBadArguments(t *testing.T) {
	reg := newRegistry(func(devKey string) (fabric.Endpoint, error) {
		return &faultyEndpoint{SoftwareEndpoint: fabric.NewSoftwareEndpoint()}, nil
	})
	rx := NewRx(reg)

	bad := validParams(Receiver, 4, 1024)
	bad.TransferSize = 0
	err := rx.Configure(context.Background(), bad)
	require.Error(t, err)
	assert.Equal(t, rdmaerr.BadArgument, rdmaerr.CodeOf(err))
	assert.Equal(t, NotConfigured, rx.State())
}

// Configure called twice returns error_already_initialized.
func TestConfigureAlreadyInitialized(t *testing.T) {
	reg := newRegistry(func(devKey string) (fabric.Endpoint, error) {
		return &faultyEndpoint{SoftwareEndpoint: fabric.NewSoftwareEndpoint()}, nil
	})
	rx := NewRx(reg)
	require.NoError(t, rx.Configure(context.Background(), validParams(Receiver, 4, 1024)))
	err := rx.Configure(context.Background(), validParams(Receiver, 4, 1024))
	require.Error(t, err)
	assert.Equal(t, rdmaerr.AlreadyInitialized, rdmaerr.CodeOf(err))
}

var errInjected = assertErrT("injected ep_init failure")

type assertErrT string

func (e assertErrT) Error() string { return string(e) }
