// Command rdmaproxy runs one side (transmitter or receiver) of a
// media-proxy RDMA data-plane connection, following the signal
// handling shape of the teacher's cmd/agent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/mediamesh/rdmaconn/internal/config"
	"github.com/mediamesh/rdmaconn/internal/connection"
	"github.com/mediamesh/rdmaconn/internal/diagnostics"
	"github.com/mediamesh/rdmaconn/internal/fabric"
	"github.com/mediamesh/rdmaconn/internal/metrics"
	"github.com/mediamesh/rdmaconn/internal/obslog"
)

func main() {
	flagSet := pflag.NewFlagSet("rdmaproxy", pflag.ExitOnError)
	config.RegisterConnectionFlags(flagSet)
	flagSet.String("config", "", "path to a YAML config file")
	flagSet.Bool("create-config", false, "write a default config file and exit")
	flagSet.String("config-output", "rdmaproxy.yaml", "path for --create-config")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if create, _ := flagSet.GetBool("create-config"); create {
		out, _ := flagSet.GetString("config-output")
		if err := config.WriteDefaultConnectionConfig(out); err != nil {
			fmt.Fprintf(os.Stderr, "error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("created default configuration at %s\n", out)
		os.Exit(0)
	}

	configPath, _ := flagSet.GetString("config")
	cfg, err := config.LoadConnectionConfig(configPath, flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}

	obslog.Setup(cfg.LogLevel, true)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("rdmaproxy failed")
	}
}

func run(cfg *config.ConnectionConfig) error {
	registry := fabric.NewRegistry(func(devKey string) (fabric.Endpoint, error) {
		return fabric.OpenCGOEndpoint(
			fabric.Addr{Host: cfg.LocalIP, Port: mustAtoi(cfg.LocalPort)},
			fabric.Addr{Host: cfg.RemoteIP, Port: mustAtoi(cfg.RemotePort)},
		)
	})

	params := connection.Params{
		Local:        connection.Addr{IP: cfg.LocalIP, Port: cfg.LocalPort},
		Remote:       connection.Addr{IP: cfg.RemoteIP, Port: cfg.RemotePort},
		TransferSize: cfg.TransferSize,
		QueueSize:    cfg.QueueSize,
		DevPort:      cfg.DevPort,
	}

	ctx := context.Background()

	var (
		shut     connection.Shutdownable
		name     string
		reporter = diagnostics.NewReporter()
	)

	m, err := metrics.New(ctx, cfg.DevPort, cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}
	defer func() { _ = m.Shutdown(ctx) }()

	switch cfg.Kind {
	case "transmitter":
		tx := connection.NewTx(registry)
		params.Kind = connection.Transmitter
		tx.SetMetrics(m)
		if err := tx.Configure(ctx, params); err != nil {
			return fmt.Errorf("configure: %w", err)
		}
		if err := tx.Establish(ctx); err != nil {
			return fmt.Errorf("establish: %w", err)
		}
		reporter.Add("tx", "transmitter", tx, tx.Pool())
		shut, name = tx, "tx"
	case "receiver":
		rx := connection.NewRx(registry)
		params.Kind = connection.Receiver
		rx.SetMetrics(m)
		if err := rx.Configure(ctx, params); err != nil {
			return fmt.Errorf("configure: %w", err)
		}
		if err := rx.Establish(ctx); err != nil {
			return fmt.Errorf("establish: %w", err)
		}
		reporter.Add("rx", "receiver", rx, rx.Pool())
		shut, name = rx, "rx"
	default:
		return fmt.Errorf("unknown kind %q", cfg.Kind)
	}

	log.Info().Str("conn", name).Msg("rdmaproxy connection active")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")

	forceQuitCh := make(chan os.Signal, 1)
	signal.Notify(forceQuitCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-forceQuitCh
		log.Warn().Msg("received second signal, forcing immediate exit")
		os.Exit(1)
	}()

	if err := shut.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	reporter.Remove(name)
	log.Info().Msg("rdmaproxy shut down gracefully")
	return nil
}

func mustAtoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
