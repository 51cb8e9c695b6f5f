// Package metrics wires the connection subsystem's counters and
// gauges into an OTLP/gRPC exporter, grounded on
// internal/agent/telemetry/otel_metrics.go's meter-provider setup.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Metrics holds the instruments a connection.Base/Rx/Tx records
// against: pool occupancy, transmit/receive throughput, and
// completion latency.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	poolInUse       metric.Int64UpDownCounter
	transmitCounter metric.Int64Counter
	receiveCounter  metric.Int64Counter
	sendFailures    metric.Int64Counter
	completionLat   metric.Float64Histogram
}

// New creates a meter provider exporting to collectorAddr over
// OTLP/gRPC (insecure, matching the teacher's default transport) and
// registers the connection subsystem's instruments. If collectorAddr
// is empty, New returns a Metrics backed by a fresh meter provider with
// no reader, so nothing is exported, and the global provider is left
// unchanged.
func New(ctx context.Context, connID, collectorAddr string) (*Metrics, error) {
	if collectorAddr == "" {
		return newNoop()
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("rdmaconn"),
			semconv.ServiceInstanceID(connID),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlpmetricgrpc.New(
		ctx,
		otlpmetricgrpc.WithEndpoint(collectorAddr),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (grpc://%s): %w", collectorAddr, err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second)),
		),
	)
	otel.SetMeterProvider(provider)

	return newFromProvider(provider)
}

func newNoop() (*Metrics, error) {
	provider := sdkmetric.NewMeterProvider()
	return newFromProvider(provider)
}

func newFromProvider(provider *sdkmetric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("github.com/mediamesh/rdmaconn/connection")

	poolInUse, err := meter.Int64UpDownCounter(
		"rdmaconn.pool.in_use",
		metric.WithDescription("Buffer slots currently checked out of the pool"),
		metric.WithUnit("{slot}"),
	)
	if err != nil {
		return nil, err
	}

	transmitCounter, err := meter.Int64Counter(
		"rdmaconn.transmit.count",
		metric.WithDescription("Number of transmit calls accepted by the NIC"),
		metric.WithUnit("{transmit}"),
	)
	if err != nil {
		return nil, err
	}

	receiveCounter, err := meter.Int64Counter(
		"rdmaconn.receive.count",
		metric.WithDescription("Number of receive completions delivered to a linked consumer"),
		metric.WithUnit("{receive}"),
	)
	if err != nil {
		return nil, err
	}

	sendFailures, err := meter.Int64Counter(
		"rdmaconn.transmit.failures",
		metric.WithDescription("Number of transmit calls that failed to post"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	completionLat, err := meter.Float64Histogram(
		"rdmaconn.completion.latency",
		metric.WithDescription("Time from buffer post to completion"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		provider:        provider,
		poolInUse:       poolInUse,
		transmitCounter: transmitCounter,
		receiveCounter:  receiveCounter,
		sendFailures:    sendFailures,
		completionLat:   completionLat,
	}, nil
}

// RecordAcquire/RecordRelease track pool occupancy as an up-down
// counter instead of an observable gauge, since the pool has no
// natural "last observed" polling point between acquire and release.
func (m *Metrics) RecordAcquire(ctx context.Context) { m.poolInUse.Add(ctx, 1) }
func (m *Metrics) RecordRelease(ctx context.Context) { m.poolInUse.Add(ctx, -1) }

// RecordTransmit records one accepted transmit call.
func (m *Metrics) RecordTransmit(ctx context.Context) { m.transmitCounter.Add(ctx, 1) }

// RecordTransmitFailure records one rejected transmit call.
func (m *Metrics) RecordTransmitFailure(ctx context.Context) { m.sendFailures.Add(ctx, 1) }

// RecordReceive records one completion delivered to a linked consumer.
func (m *Metrics) RecordReceive(ctx context.Context) { m.receiveCounter.Add(ctx, 1) }

// RecordCompletionLatency records the time between a slot's post and
// its completion, in nanoseconds.
func (m *Metrics) RecordCompletionLatency(ctx context.Context, latencyNs int64) {
	m.completionLat.Record(ctx, float64(latencyNs)/1_000_000.0)
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
