// Package observer provides OTEL-based observability for the maestro
// routing engine.
//
// Init wires OTLP/HTTP exporters for traces, metrics, and logs against
// a configured endpoint and returns the Instruments used across the
// server: execution and routing counters, duration histograms, and a
// pool occupancy gauge. When no endpoint is configured the server runs
// without telemetry; all instrument use is nil-guarded.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/maestro/observer"

// Config selects the telemetry backend. An empty Endpoint disables
// telemetry entirely.
type Config struct {
	Endpoint    string // OTLP/HTTP endpoint URL, e.g. http://localhost:4318
	ServiceName string // defaults to "maestro"
}

// Instruments holds the OTEL instruments used by the server.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	ExecutionsStarted   metric.Int64Counter
	ExecutionsCompleted metric.Int64Counter
	ExecutionsFailed    metric.Int64Counter
	RoutingsCompleted   metric.Int64Counter
	RoutingsFailed      metric.Int64Counter
	AgentRetries        metric.Int64Counter

	// Histograms
	ExecutionDuration    metric.Float64Histogram
	RoutingRoundDuration metric.Float64Histogram
}

// noopShutdown is returned when telemetry is disabled.
func noopShutdown(context.Context) error { return nil }

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters against cfg.Endpoint. It returns the instruments and a
// shutdown function that must be called on exit. With an empty
// endpoint it returns (nil, no-op, nil): telemetry disabled.
func Init(ctx context.Context, cfg Config) (*Instruments, func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return nil, noopShutdown, nil
	}
	service := cfg.ServiceName
	if service == "" {
		service = "maestro"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(service)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx, otlploghttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	executionsStarted, err := meter.Int64Counter("maestro.executions.started",
		metric.WithDescription("Agent executions started"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	executionsCompleted, err := meter.Int64Counter("maestro.executions.completed",
		metric.WithDescription("Agent executions that reached completed"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	executionsFailed, err := meter.Int64Counter("maestro.executions.failed",
		metric.WithDescription("Agent executions that reached failed"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	routingsCompleted, err := meter.Int64Counter("maestro.routings.completed",
		metric.WithDescription("Routing rounds that converged"),
		metric.WithUnit("{routing}"))
	if err != nil {
		return nil, err
	}

	routingsFailed, err := meter.Int64Counter("maestro.routings.failed",
		metric.WithDescription("Routing rounds that failed or were cancelled"),
		metric.WithUnit("{routing}"))
	if err != nil {
		return nil, err
	}

	agentRetries, err := meter.Int64Counter("maestro.agent.retries",
		metric.WithDescription("Agent crash retries"),
		metric.WithUnit("{retry}"))
	if err != nil {
		return nil, err
	}

	executionDuration, err := meter.Float64Histogram("maestro.execution.duration",
		metric.WithDescription("Agent execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	routingRoundDuration, err := meter.Float64Histogram("maestro.routing.round.duration",
		metric.WithDescription("Routing round duration from trigger to terminal state"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:               tracer,
		Meter:                meter,
		Logger:               logger,
		ExecutionsStarted:    executionsStarted,
		ExecutionsCompleted:  executionsCompleted,
		ExecutionsFailed:     executionsFailed,
		RoutingsCompleted:    routingsCompleted,
		RoutingsFailed:       routingsFailed,
		AgentRetries:         agentRetries,
		ExecutionDuration:    executionDuration,
		RoutingRoundDuration: routingRoundDuration,
	}, nil
}
