package obs

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics holds the per-transaction instruments. All record methods
// tolerate a nil receiver so call sites stay unconditional when metrics are
// disabled.
type PipelineMetrics struct {
	transactions   metric.Int64Counter
	chunksIngress  metric.Int64Counter
	chunksEgress   metric.Int64Counter
	policyEvents   metric.Int64Counter
	streamDuration metric.Float64Histogram
}

// NewPipelineMetrics creates the instruments on the given meter.
func NewPipelineMetrics(meter metric.Meter) (*PipelineMetrics, error) {
	pm := &PipelineMetrics{}

	var err error
	pm.transactions, err = meter.Int64Counter(
		"gatebox.transactions",
		metric.WithDescription("Proxied transactions by wire format and outcome"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, err
	}

	pm.chunksIngress, err = meter.Int64Counter(
		"gatebox.chunks.ingress",
		metric.WithDescription("Canonical chunks received from upstreams"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		return nil, err
	}

	pm.chunksEgress, err = meter.Int64Counter(
		"gatebox.chunks.egress",
		metric.WithDescription("Canonical chunks forwarded to clients"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		return nil, err
	}

	pm.policyEvents, err = meter.Int64Counter(
		"gatebox.policy.events",
		metric.WithDescription("Policy events by severity"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	pm.streamDuration, err = meter.Float64Histogram(
		"gatebox.stream.duration_ms",
		metric.WithDescription("Streaming transaction duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return pm, nil
}

// TransactionReport carries everything recorded when a transaction ends.
type TransactionReport struct {
	// Format is the client wire format ("openai", "anthropic").
	Format string

	// Outcome is the terminal state ("ended", "failed").
	Outcome string

	// Provider is the upstream that served the request.
	Provider string

	// Model is the requested model.
	Model string

	// Streamed reports whether the transaction streamed.
	Streamed bool

	// DurationMs is the wall-clock time from upstream dial to terminal state.
	DurationMs float64

	// ChunksIngress counts canonical chunks received from the upstream.
	ChunksIngress int

	// ChunksEgress counts canonical chunks forwarded to the client.
	ChunksEgress int
}

// RecordTransaction records one finished transaction.
func (pm *PipelineMetrics) RecordTransaction(ctx context.Context, rep TransactionReport) {
	if pm == nil {
		return
	}

	attrs := metric.WithAttributes(
		AttrFormat.String(rep.Format),
		AttrOutcome.String(rep.Outcome),
		AttrProvider.String(rep.Provider),
		AttrModel.String(rep.Model),
		AttrStreaming.Bool(rep.Streamed),
	)

	pm.transactions.Add(ctx, 1, attrs)
	if rep.ChunksIngress > 0 {
		pm.chunksIngress.Add(ctx, int64(rep.ChunksIngress), attrs)
	}
	if rep.ChunksEgress > 0 {
		pm.chunksEgress.Add(ctx, int64(rep.ChunksEgress), attrs)
	}
	if rep.Streamed && rep.DurationMs > 0 {
		pm.streamDuration.Record(ctx, rep.DurationMs, attrs)
	}
}

// RecordPolicyEvent counts one policy event by severity.
func (pm *PipelineMetrics) RecordPolicyEvent(ctx context.Context, severity string) {
	if pm == nil {
		return
	}
	pm.policyEvents.Add(ctx, 1, metric.WithAttributes(
		AttrSeverity.String(severity),
	))
}
