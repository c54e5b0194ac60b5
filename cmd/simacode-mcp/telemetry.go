package main

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/QUSEIT/simacode-sub001/internal/telemetry"
)

const instrumentationName = "github.com/QUSEIT/simacode-sub001"

// setupTelemetry returns the observer the gateway reports to. Without an
// endpoint nothing is recorded.
func setupTelemetry(ctx context.Context, endpoint string) (telemetry.Observer, func(context.Context) error, error) {
	if endpoint == "" {
		return telemetry.Nop, func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	mp := sdkmetric.NewMeterProvider()
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	obs, err := telemetry.NewOTelObserver(mp.Meter(instrumentationName), tp.Tracer(instrumentationName))
	if err != nil {
		_ = shutdown(ctx)
		return nil, nil, err
	}
	return obs, shutdown, nil
}
