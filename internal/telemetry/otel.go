package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	MetricInvocations  = "simacode.mcp.tool.invocations"
	MetricHealthChecks = "simacode.mcp.health.checks"
	MetricLatency      = "simacode.mcp.tool.latency"
)

// OTelObserver records observations as OpenTelemetry metrics and spans.
type OTelObserver struct {
	tracer trace.Tracer

	invocations metric.Int64Counter
	health      metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewOTelObserver creates an observer bound to meter and tracer. tracer may be
// nil, in which case no spans are produced.
func NewOTelObserver(meter metric.Meter, tracer trace.Tracer) (*OTelObserver, error) {
	invocations, err := meter.Int64Counter(
		MetricInvocations,
		metric.WithDescription("Number of MCP tool invocations"),
	)
	if err != nil {
		return nil, err
	}
	health, err := meter.Int64Counter(
		MetricHealthChecks,
		metric.WithDescription("Number of MCP server health checks"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		MetricLatency,
		metric.WithDescription("MCP tool and health-check latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &OTelObserver{
		tracer:      tracer,
		invocations: invocations,
		health:      health,
		latency:     latency,
	}, nil
}

// ObserveInvoke records one invocation result.
func (o *OTelObserver) ObserveInvoke(obs InvokeObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("server", obs.Server),
		attribute.String("tool", obs.Tool),
		attribute.String("transport", obs.Transport),
		attribute.Bool("async", obs.Async),
		attribute.Bool("success", obs.Success),
	}
	if obs.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error_kind", obs.ErrorKind))
	}

	ctx := context.Background()
	opts := metric.WithAttributes(attrs...)
	o.invocations.Add(ctx, 1, opts)
	o.latency.Record(ctx, obs.Duration.Seconds(), opts)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "mcp.tool.invoke", trace.WithAttributes(attrs...))
	if obs.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, obs.ErrorKind)
	}
	span.End()
}

// ObserveHealth records one health-check result.
func (o *OTelObserver) ObserveHealth(obs HealthObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("server", obs.Server),
		attribute.String("status", obs.Status),
		attribute.String("previous_status", obs.PreviousStatus),
		attribute.Int("consecutive_failures", obs.ConsecutiveFailures),
	}
	if obs.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error_kind", obs.ErrorKind))
	}

	ctx := context.Background()
	opts := metric.WithAttributes(attrs...)
	o.health.Add(ctx, 1, opts)
	o.latency.Record(ctx, obs.Duration.Seconds(), opts)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "mcp.health.check", trace.WithAttributes(attrs...))
	if obs.ErrorKind != "" {
		span.SetStatus(codes.Error, obs.ErrorKind)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

var _ Observer = (*OTelObserver)(nil)
