package obs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumValue(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecordTransactionCountsAndAttributes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	pm, err := NewPipelineMetrics(provider.Meter(scopeName))
	require.NoError(t, err)

	ctx := context.Background()
	pm.RecordTransaction(ctx, TransactionReport{
		Format:        "openai",
		Outcome:       "ended",
		Provider:      "anthropic",
		Model:         "claude-3-5-sonnet",
		Streamed:      true,
		DurationMs:    1234,
		ChunksIngress: 10,
		ChunksEgress:  8,
	})
	pm.RecordTransaction(ctx, TransactionReport{
		Format:  "anthropic",
		Outcome: "failed",
	})

	metrics := collect(t, reader)

	require.Contains(t, metrics, "gatebox.transactions")
	assert.EqualValues(t, 2, sumValue(t, metrics["gatebox.transactions"]))

	txSum, _ := metrics["gatebox.transactions"].Data.(metricdata.Sum[int64])
	require.Len(t, txSum.DataPoints, 2)
	var sawEnded bool
	for _, dp := range txSum.DataPoints {
		if v, ok := dp.Attributes.Value(AttrOutcome); ok && v.AsString() == "ended" {
			sawEnded = true
			format, _ := dp.Attributes.Value(AttrFormat)
			assert.Equal(t, "openai", format.AsString())
		}
	}
	assert.True(t, sawEnded)

	assert.EqualValues(t, 10, sumValue(t, metrics["gatebox.chunks.ingress"]))
	assert.EqualValues(t, 8, sumValue(t, metrics["gatebox.chunks.egress"]))

	hist, ok := metrics["gatebox.stream.duration_ms"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.EqualValues(t, 1, hist.DataPoints[0].Count)
	assert.InDelta(t, 1234, hist.DataPoints[0].Sum, 0.001)
}

func TestRecordPolicyEventBySeverity(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	pm, err := NewPipelineMetrics(provider.Meter(scopeName))
	require.NoError(t, err)

	ctx := context.Background()
	pm.RecordPolicyEvent(ctx, "info")
	pm.RecordPolicyEvent(ctx, "warning")
	pm.RecordPolicyEvent(ctx, "warning")

	metrics := collect(t, reader)
	require.Contains(t, metrics, "gatebox.policy.events")
	assert.EqualValues(t, 3, sumValue(t, metrics["gatebox.policy.events"]))

	sum, _ := metrics["gatebox.policy.events"].Data.(metricdata.Sum[int64])
	for _, dp := range sum.DataPoints {
		sev, ok := dp.Attributes.Value(AttrSeverity)
		require.True(t, ok)
		if sev.AsString() == "warning" {
			assert.EqualValues(t, 2, dp.Value)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var pm *PipelineMetrics
	pm.RecordTransaction(context.Background(), TransactionReport{Format: "openai"})
	pm.RecordPolicyEvent(context.Background(), "info")
}

func TestNewMeterSetupDisabled(t *testing.T) {
	ms, err := NewMeterSetup(context.Background(), Config{})
	require.NoError(t, err)
	assert.Nil(t, ms.Metrics())
	assert.NoError(t, ms.Shutdown(context.Background()))
}

func TestNewMeterSetupStdout(t *testing.T) {
	ms, err := NewMeterSetup(context.Background(), Config{Exporter: ExporterStdout})
	require.NoError(t, err)
	require.NotNil(t, ms.Metrics())
	assert.NoError(t, ms.Shutdown(context.Background()))
}

func TestNewMeterSetupUnknownExporter(t *testing.T) {
	_, err := NewMeterSetup(context.Background(), Config{Exporter: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}
