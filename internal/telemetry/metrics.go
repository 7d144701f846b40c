package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/yairfalse/shutter/pkg/remediation"
)

// Outcomes recorded on routing and remediation counters.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeFallback = "fallback"
	OutcomeDropped  = "dropped"
	OutcomeRejected = "rejected"
)

// Metrics holds the pipeline instruments.
type Metrics struct {
	decisions     metric.Int64Counter
	routed        metric.Int64Counter
	remediations  metric.Int64Counter
	messages      metric.Int64Counter
	batchDuration metric.Float64Histogram
}

// NewMetrics creates the pipeline instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	decisions, err := meter.Int64Counter(
		"shutter_decisions_total",
		metric.WithDescription("Decisions produced by the evaluate stage"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create decisions: %w", err)
	}

	routed, err := meter.Int64Counter(
		"shutter_routed_total",
		metric.WithDescription("Enqueue attempts made by the router and stop fallback"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create routed: %w", err)
	}

	remediations, err := meter.Int64Counter(
		"shutter_remediations_total",
		metric.WithDescription("Stop and lock remediations attempted"),
		metric.WithUnit("{remediation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create remediations: %w", err)
	}

	messages, err := meter.Int64Counter(
		"shutter_messages_total",
		metric.WithDescription("Queue messages handled by the stage workers"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messages: %w", err)
	}

	batchDuration, err := meter.Float64Histogram(
		"shutter_batch_duration_seconds",
		metric.WithDescription("Duration of one stage batch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create batch_duration: %w", err)
	}

	return &Metrics{
		decisions:     decisions,
		routed:        routed,
		remediations:  remediations,
		messages:      messages,
		batchDuration: batchDuration,
	}, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("shutter"))
	return m
}

// RecordDecision counts one decision, skips included.
func (m *Metrics) RecordDecision(ctx context.Context, d remediation.Decision) {
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(d.Action)),
		attribute.String("flag", string(d.Flag)),
		attribute.String("cloud.region", d.Region),
	))
}

// RecordRouted counts one enqueue attempt.
func (m *Metrics) RecordRouted(ctx context.Context, queue, outcome string) {
	m.routed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", outcome),
	))
}

// RecordRemediation counts one stop or lock attempt.
func (m *Metrics) RecordRemediation(ctx context.Context, stage, outcome string) {
	m.remediations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
}

// RecordMessages counts n messages of a stage batch with the same outcome.
func (m *Metrics) RecordMessages(ctx context.Context, stage, outcome string, n int) {
	if n == 0 {
		return
	}
	m.messages.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
}

// RecordBatch records how long a stage spent on one batch.
func (m *Metrics) RecordBatch(ctx context.Context, stage string, d time.Duration) {
	m.batchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
	))
}
