// Command txbench drives a transmitter connection at a fixed rate
// against the software loopback provider, exercising the sustained
// "N sends at R Hz, cancel mid-run" scenario (spec.md §8 scenario 6)
// end-to-end without real hardware. Rate pacing follows the teacher's
// ratelimit.New(...).Take() loop in internal/monitor/cluster_monitor.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.uber.org/ratelimit"

	"github.com/mediamesh/rdmaconn/internal/connection"
	"github.com/mediamesh/rdmaconn/internal/fabric"
	"github.com/mediamesh/rdmaconn/internal/obslog"
	"github.com/mediamesh/rdmaconn/internal/rdmaerr"
)

func main() {
	flagSet := pflag.NewFlagSet("txbench", pflag.ExitOnError)
	count := flagSet.Int("count", 5000, "number of transmits to attempt")
	rate := flagSet.Int("rate-hz", 2, "transmits per second")
	transferSize := flagSet.Int("transfer-size", 1024, "bytes per transmit")
	queueSize := flagSet.Int("queue-size", 32, "buffer pool depth")
	logLevel := flagSet.String("log-level", "info", "log level")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}
	obslog.Setup(*logLevel, true)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("received signal, cancelling benchmark")
		cancel()
	}()

	sent, failed, err := run(ctx, *count, *rate, *transferSize, *queueSize)
	log.Info().Int("sent", sent).Int("failed", failed).Int("requested", *count).Msg("txbench finished")
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("txbench failed")
	}
}

func run(ctx context.Context, count, rateHz, transferSize, queueSize int) (sent, failed int, err error) {
	txReg := fabric.NewRegistry(func(devKey string) (fabric.Endpoint, error) {
		return fabric.NewSoftwareEndpoint(), nil
	})
	rxReg := fabric.NewRegistry(func(devKey string) (fabric.Endpoint, error) {
		return fabric.NewSoftwareEndpoint(), nil
	})

	tx := connection.NewTx(txReg)
	rx := connection.NewRx(rxReg)

	params := func(kind connection.Kind) connection.Params {
		return connection.Params{
			Kind:         kind,
			Local:        connection.Addr{IP: "127.0.0.1", Port: "5000"},
			Remote:       connection.Addr{IP: "127.0.0.1", Port: "5001"},
			TransferSize: transferSize,
			QueueSize:    queueSize,
			DevPort:      "bench0",
		}
	}

	if err := tx.Configure(ctx, params(connection.Transmitter)); err != nil {
		return 0, 0, fmt.Errorf("tx configure: %w", err)
	}
	if err := rx.Configure(ctx, params(connection.Receiver)); err != nil {
		return 0, 0, fmt.Errorf("rx configure: %w", err)
	}
	if err := rx.Establish(ctx); err != nil {
		return 0, 0, fmt.Errorf("rx establish: %w", err)
	}
	if err := tx.Establish(ctx); err != nil {
		return 0, 0, fmt.Errorf("tx establish: %w", err)
	}
	defer func() {
		_ = tx.Shutdown(context.Background())
		_ = rx.Shutdown(context.Background())
	}()

	payload := make([]byte, transferSize)
	limiter := ratelimit.New(rateHz)

	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return sent, failed, ctx.Err()
		default:
		}

		limiter.Take()

		if err := tx.Transmit(ctx, payload); err != nil {
			if rdmaerr.CodeOf(err) == rdmaerr.Cancelled {
				return sent, failed, err
			}
			failed++
			log.Warn().Err(err).Int("iteration", i).Msg("transmit failed")
			continue
		}
		sent++
	}

	// Let the last few completions drain before shutdown.
	time.Sleep(10 * time.Millisecond)
	return sent, failed, nil
}
