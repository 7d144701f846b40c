// Package stop applies stop decisions, downgrading to a lock when the stop call fails.
package stop

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/shutter/internal/cloud"
	"github.com/yairfalse/shutter/internal/telemetry"
	"github.com/yairfalse/shutter/pkg/remediation"
)

var tracer = otel.Tracer("github.com/yairfalse/shutter/internal/stop")

// Executor stops instances.
type Executor struct {
	compute   cloud.Compute
	queue     cloud.Queue
	lockQueue string
	metrics   *telemetry.Metrics
}

// New creates an Executor that re-enqueues failed stops on lockQueue. A nil metrics
// records nothing.
func New(compute cloud.Compute, queue cloud.Queue, lockQueue string, metrics *telemetry.Metrics) *Executor {
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Executor{compute: compute, queue: queue, lockQueue: lockQueue, metrics: metrics}
}

// Stop stops the decision's instance. When the stop call fails, the same payload is
// sent to the lock queue; an error is returned only when that also fails.
func (e *Executor) Stop(ctx context.Context, d remediation.Decision) error {
	ctx, span := tracer.Start(ctx, "stop.apply", trace.WithAttributes(
		attribute.String("instance.id", d.InstanceID),
		attribute.String("cloud.region", d.Region),
	))
	defer span.End()

	if d.Action != remediation.ActionStop {
		err := fmt.Errorf("%w: stop stage received action %q", remediation.ErrInvalidDecision, d.Action)
		e.metrics.RecordRemediation(ctx, "stop", telemetry.OutcomeRejected)
		return err
	}
	body, err := d.Encode()
	if err != nil {
		e.metrics.RecordRemediation(ctx, "stop", telemetry.OutcomeRejected)
		return err
	}

	logger := log.With().Str("instance_id", d.InstanceID).Str("region", d.Region).Logger()

	stopErr := e.compute.StopInstance(ctx, d.Region, d.InstanceID)
	if stopErr == nil {
		logger.Info().Msg("instance stopped")
		e.metrics.RecordRemediation(ctx, "stop", telemetry.OutcomeOK)
		return nil
	}
	logger.Warn().Err(stopErr).Msg("stop failed, sending to lock queue")

	if err := e.enqueueLock(ctx, body); err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Msg("lock fallback failed")
		e.metrics.RecordRemediation(ctx, "stop", telemetry.OutcomeFailed)
		return fmt.Errorf("stop %s: %w; lock fallback: %w", d.InstanceID, stopErr, err)
	}

	logger.Info().Str("queue", e.lockQueue).Msg("sent to lock queue")
	e.metrics.RecordRemediation(ctx, "stop", telemetry.OutcomeFallback)
	e.metrics.RecordRouted(ctx, e.lockQueue, telemetry.OutcomeFallback)
	return nil
}

func (e *Executor) enqueueLock(ctx context.Context, body []byte) error {
	url, err := e.queue.QueueURL(ctx, e.lockQueue)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", e.lockQueue, err)
	}
	if err := e.queue.Send(ctx, url, body); err != nil {
		return fmt.Errorf("send to %s: %w", e.lockQueue, err)
	}
	return nil
}
