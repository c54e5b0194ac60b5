package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/QUSEIT/simacode-sub001/internal/telemetry"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func TestOTelObserverRecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	tracer := noop.NewTracerProvider().Tracer("test")

	obs, err := telemetry.NewOTelObserver(mp.Meter("test"), tracer)
	require.NoError(t, err)

	obs.ObserveInvoke(telemetry.InvokeObservation{Server: "fs", Tool: "read_file", Duration: 20 * time.Millisecond, Success: true})
	obs.ObserveInvoke(telemetry.InvokeObservation{Server: "fs", Tool: "write_file", Duration: 5 * time.Millisecond, ErrorKind: "timeout"})
	obs.ObserveHealth(telemetry.HealthObservation{Server: "fs", Status: "HEALTHY", PreviousStatus: "UNKNOWN", Duration: time.Millisecond})

	rm := collect(t, reader)

	invocations := findMetric(rm, telemetry.MetricInvocations)
	require.NotNil(t, invocations)
	sum, ok := invocations.Data.(metricdata.Sum[int64])
	require.True(t, ok, "invocations type = %T", invocations.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)

	health := findMetric(rm, telemetry.MetricHealthChecks)
	require.NotNil(t, health)
	_, ok = health.Data.(metricdata.Sum[int64])
	assert.True(t, ok)

	latency := findMetric(rm, telemetry.MetricLatency)
	require.NotNil(t, latency)
	_, ok = latency.Data.(metricdata.Histogram[float64])
	assert.True(t, ok)
}

func TestOTelObserverNilSafe(t *testing.T) {
	var obs *telemetry.OTelObserver
	obs.ObserveInvoke(telemetry.InvokeObservation{})
	obs.ObserveHealth(telemetry.HealthObservation{})

	telemetry.OrNop(nil).ObserveInvoke(telemetry.InvokeObservation{})
}
