// Package observer provides OTEL-based observability for relay operations.
//
// It turns engine events into OpenTelemetry metrics exported over OTLP
// HTTP. Users export to any OTEL-compatible backend by setting standard
// OTEL env vars.
package observer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/lbj9527/tgrelay/observer"

// Instruments holds all OTEL instruments fed by the event hook.
type Instruments struct {
	Meter metric.Meter

	// Counters
	MessagesForwarded metric.Int64Counter
	GroupsForwarded   metric.Int64Counter
	MessagesFiltered  metric.Int64Counter
	FloodWaits        metric.Int64Counter
	Reconnects        metric.Int64Counter
	Errors            metric.Int64Counter

	// Histograms
	FloodWaitSeconds metric.Float64Histogram
	GroupSize        metric.Int64Histogram
}

// Init sets up an OTEL metric provider with an OTLP HTTP exporter.
// Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("tgrelay")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments()
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	return inst, mp.Shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	messagesForwarded, err := meter.Int64Counter("relay.messages.forwarded",
		metric.WithDescription("Messages replicated to a target"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}

	groupsForwarded, err := meter.Int64Counter("relay.groups.forwarded",
		metric.WithDescription("Media groups replicated to a target"),
		metric.WithUnit("{group}"))
	if err != nil {
		return nil, err
	}

	messagesFiltered, err := meter.Int64Counter("relay.messages.filtered",
		metric.WithDescription("Messages dropped by the filter pipeline"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}

	floodWaits, err := meter.Int64Counter("relay.floodwaits",
		metric.WithDescription("Rate-limit waits absorbed"),
		metric.WithUnit("{wait}"))
	if err != nil {
		return nil, err
	}

	reconnects, err := meter.Int64Counter("relay.reconnects",
		metric.WithDescription("Connection losses recovered"),
		metric.WithUnit("{reconnect}"))
	if err != nil {
		return nil, err
	}

	errorsCounter, err := meter.Int64Counter("relay.errors",
		metric.WithDescription("Non-terminal errors reported"),
		metric.WithUnit("{error}"))
	if err != nil {
		return nil, err
	}

	floodWaitSeconds, err := meter.Float64Histogram("relay.floodwait.seconds",
		metric.WithDescription("Server-requested wait duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	groupSize, err := meter.Int64Histogram("relay.group.size",
		metric.WithDescription("Replicated media group size"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Meter:             meter,
		MessagesForwarded: messagesForwarded,
		GroupsForwarded:   groupsForwarded,
		MessagesFiltered:  messagesFiltered,
		FloodWaits:        floodWaits,
		Reconnects:        reconnects,
		Errors:            errorsCounter,
		FloodWaitSeconds:  floodWaitSeconds,
		GroupSize:         groupSize,
	}, nil
}
