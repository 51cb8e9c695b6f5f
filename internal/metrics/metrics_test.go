package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewNoopDoesNotError(t *testing.T) {
	m, err := New(context.Background(), "conn-1", "")
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordTransmit(context.Background())
	m.RecordTransmitFailure(context.Background())
	m.RecordReceive(context.Background())
	m.RecordCompletionLatency(context.Background(), 1_500_000)
	m.RecordAcquire(context.Background())
	m.RecordRelease(context.Background())

	require.NoError(t, m.Shutdown(context.Background()))
}
