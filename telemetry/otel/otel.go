package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	oasislog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Instruments holds the OTEL instruments Init creates: SpanStarts and
// SpanErrors count started and failed spans, labelled by span name, and are
// recorded by Tracer; TokenUsage is created but Tracer does not record to it.
type Instruments struct {
	Logger oasislog.Logger

	SpanStarts metric.Int64Counter
	TokenUsage metric.Int64Counter
	SpanErrors metric.Int64Counter
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters, configured via the standard OTEL_EXPORTER_OTLP_* env vars.
// Returns Instruments for use with NewTracer, and a shutdown func to call on
// exit.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
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

	instr, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), lp.Shutdown(ctx))
	}

	return instr, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	spanStarts, err := meter.Int64Counter("agentloop.span.starts",
		metric.WithDescription("Count of spans started, by span name"),
		metric.WithUnit("{span}"))
	if err != nil {
		return nil, err
	}

	tokenUsage, err := meter.Int64Counter("agentloop.token.usage",
		metric.WithDescription("Total tokens consumed across chat spans"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	spanErrors, err := meter.Int64Counter("agentloop.span.errors",
		metric.WithDescription("Count of spans that recorded an error"),
		metric.WithUnit("{span}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Logger:     logger,
		SpanStarts: spanStarts,
		TokenUsage: tokenUsage,
		SpanErrors: spanErrors,
	}, nil
}

func recordSpanStart(ctx context.Context, instr *Instruments, name string) {
	instr.SpanStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("span.name", name)))
}

func recordSpanError(ctx context.Context, instr *Instruments, name string) {
	instr.SpanErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("span.name", name)))
}
