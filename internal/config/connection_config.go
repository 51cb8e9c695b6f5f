package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ConnectionConfig holds the configure-time parameters and ambient
// settings for one rdmaproxy endpoint (transmitter or receiver), loaded
// by LoadConnectionConfig with defaults, config file, environment and
// flags layered in increasing precedence.
type ConnectionConfig struct {
	Kind         string // "transmitter" or "receiver"
	LocalIP      string
	LocalPort    string
	RemoteIP     string
	RemotePort   string
	TransferSize int
	QueueSize    int
	DevPort      string
	LogLevel     string
	MetricsAddr  string
}

// LoadConnectionConfig loads a ConnectionConfig from defaults, an
// optional config file, RDMACONN_-prefixed environment variables, and
// finally any flags the caller registered on flagSet, in that
// precedence order (flags win).
func LoadConnectionConfig(configPath string, flagSet *pflag.FlagSet) (*ConnectionConfig, error) {
	v := viper.New()

	v.SetDefault("kind", "transmitter")
	v.SetDefault("local_ip", "127.0.0.1")
	v.SetDefault("local_port", "5000")
	v.SetDefault("remote_ip", "127.0.0.1")
	v.SetDefault("remote_port", "5001")
	v.SetDefault("transfer_size", 65536)
	v.SetDefault("queue_size", 32)
	v.SetDefault("dev_port", "0000:31:00.0")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")

	v.SetEnvPrefix("RDMACONN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	if flagSet != nil {
		bindings := map[string]string{
			"kind":          "kind",
			"local_ip":      "local-ip",
			"local_port":    "local-port",
			"remote_ip":     "remote-ip",
			"remote_port":   "remote-port",
			"transfer_size": "transfer-size",
			"queue_size":    "queue-size",
			"dev_port":      "dev-port",
			"log_level":     "log-level",
			"metrics_addr":  "metrics-addr",
		}
		for key, flagName := range bindings {
			if f := flagSet.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag %s: %w", flagName, err)
				}
			}
		}
	}

	cfg := &ConnectionConfig{
		Kind:         v.GetString("kind"),
		LocalIP:      v.GetString("local_ip"),
		LocalPort:    v.GetString("local_port"),
		RemoteIP:     v.GetString("remote_ip"),
		RemotePort:   v.GetString("remote_port"),
		TransferSize: v.GetInt("transfer_size"),
		QueueSize:    v.GetInt("queue_size"),
		DevPort:      v.GetString("dev_port"),
		LogLevel:     v.GetString("log_level"),
		MetricsAddr:  v.GetString("metrics_addr"),
	}

	if cfg.Kind != "transmitter" && cfg.Kind != "receiver" {
		return nil, fmt.Errorf("invalid kind %q: must be transmitter or receiver", cfg.Kind)
	}

	return cfg, nil
}

// RegisterConnectionFlags adds the connection flags to flagSet, for use
// with LoadConnectionConfig's flag-binding pass.
func RegisterConnectionFlags(flagSet *pflag.FlagSet) {
	flagSet.String("kind", "transmitter", "connection role: transmitter or receiver")
	flagSet.String("local-ip", "127.0.0.1", "local IP address")
	flagSet.String("local-port", "5000", "local port")
	flagSet.String("remote-ip", "127.0.0.1", "remote IP address")
	flagSet.String("remote-port", "5001", "remote port")
	flagSet.Int("transfer-size", 65536, "maximum bytes per transmit/receive")
	flagSet.Int("queue-size", 32, "number of buffer slots and outstanding receives")
	flagSet.String("dev-port", "0000:31:00.0", "RDMA device PCI address")
	flagSet.String("log-level", "info", "log level: debug, info, warn, error")
	flagSet.String("metrics-addr", "", "OTLP gRPC metrics collector address, empty disables export")
}

// WriteDefaultConnectionConfig writes a commented default config file
// for an rdmaproxy endpoint, matching CreateDefaultAgentConfig's style.
func WriteDefaultConnectionConfig(path string) error {
	content := `# rdmaproxy connection configuration
kind: "transmitter" # transmitter or receiver
local_ip: "127.0.0.1"
local_port: "5000"
remote_ip: "127.0.0.1"
remote_port: "5001"
transfer_size: 65536 # bytes
queue_size: 32 # buffer slots
dev_port: "0000:31:00.0"
log_level: "info" # debug, info, warn, error
metrics_addr: "" # OTLP gRPC collector address, empty disables export
`
	return writeConfigFile(path, content)
}
