package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConnectionConfigDefaults(t *testing.T) {
	cfg, err := LoadConnectionConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, "transmitter", cfg.Kind)
	assert.Equal(t, 32, cfg.QueueSize)
	assert.Equal(t, 65536, cfg.TransferSize)
}

func TestLoadConnectionConfigRejectsBadKind(t *testing.T) {
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterConnectionFlags(flagSet)
	require.NoError(t, flagSet.Parse([]string{"--kind=bogus"}))

	_, err := LoadConnectionConfig("", flagSet)
	require.Error(t, err)
}

func TestLoadConnectionConfigFlagsOverrideDefaults(t *testing.T) {
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterConnectionFlags(flagSet)
	require.NoError(t, flagSet.Parse([]string{"--kind=receiver", "--queue-size=8"}))

	cfg, err := LoadConnectionConfig("", flagSet)
	require.NoError(t, err)
	assert.Equal(t, "receiver", cfg.Kind)
	assert.Equal(t, 8, cfg.QueueSize)
}

func TestWriteDefaultConnectionConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "rdmaproxy.yaml")
	require.NoError(t, WriteDefaultConnectionConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "kind: \"transmitter\"")
}
