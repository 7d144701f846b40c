// Package router dispatches decisions to the stop and lock queues.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/shutter/internal/cloud"
	"github.com/yairfalse/shutter/internal/telemetry"
	"github.com/yairfalse/shutter/pkg/remediation"
)

var tracer = otel.Tracer("github.com/yairfalse/shutter/internal/router")

var (
	// ErrUnroutable is returned for a decision whose action has no queue.
	ErrUnroutable = errors.New("unroutable decision")
	// ErrNoEndpoints is returned when neither queue endpoint can be resolved.
	ErrNoEndpoints = errors.New("no queue endpoint resolved")
	// errEndpointUnresolved marks an attempt against a queue whose URL lookup failed.
	errEndpointUnresolved = errors.New("queue endpoint unresolved")
)

// noQueue labels metrics for decisions that have no destination queue.
const noQueue = "none"

// Queues names the destination queues.
type Queues struct {
	Stop string
	Lock string
}

// Report describes the outcome of one Route call.
type Report struct {
	Stopped  int
	Locked   int
	Fallback int
	Dropped  int
	Rejected int
	// Errors holds one entry per dropped or rejected decision.
	Errors []error
}

// Err joins the per-decision errors.
func (r Report) Err() error {
	return errors.Join(r.Errors...)
}

// Router sends stop decisions to the stop queue, falling back once to the lock queue,
// and lock decisions to the lock queue.
type Router struct {
	queue   cloud.Queue
	names   Queues
	metrics *telemetry.Metrics
}

// New creates a Router. A nil metrics records nothing.
func New(queue cloud.Queue, names Queues, metrics *telemetry.Metrics) *Router {
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Router{queue: queue, names: names, metrics: metrics}
}

type endpoints struct {
	stop, lock string
}

// Route dispatches every decision. Per-decision failures are contained in the report;
// the returned error is non-nil only when no queue endpoint could be resolved.
func (r *Router) Route(ctx context.Context, decisions []remediation.Decision) (Report, error) {
	ctx, span := tracer.Start(ctx, "router.route", trace.WithAttributes(
		attribute.Int("decisions", len(decisions)),
	))
	defer span.End()

	var report Report

	ep, err := r.resolve(ctx)
	if err != nil {
		span.RecordError(err)
		return report, err
	}

	for _, d := range decisions {
		r.routeOne(ctx, ep, d, &report)
	}

	log.Info().
		Int("stopped", report.Stopped).
		Int("locked", report.Locked).
		Int("fallback", report.Fallback).
		Int("dropped", report.Dropped).
		Int("rejected", report.Rejected).
		Msg("routing complete")
	return report, nil
}

func (r *Router) resolve(ctx context.Context) (endpoints, error) {
	var ep endpoints
	stopURL, stopErr := r.queue.QueueURL(ctx, r.names.Stop)
	if stopErr != nil {
		log.Error().Err(stopErr).Str("queue", r.names.Stop).Msg("cannot resolve stop queue")
	} else {
		ep.stop = stopURL
	}
	lockURL, lockErr := r.queue.QueueURL(ctx, r.names.Lock)
	if lockErr != nil {
		log.Error().Err(lockErr).Str("queue", r.names.Lock).Msg("cannot resolve lock queue")
	} else {
		ep.lock = lockURL
	}
	if stopErr != nil && lockErr != nil {
		return ep, fmt.Errorf("%w: %w", ErrNoEndpoints, errors.Join(stopErr, lockErr))
	}
	return ep, nil
}

func (r *Router) routeOne(ctx context.Context, ep endpoints, d remediation.Decision, report *Report) {
	logger := log.With().Str("instance_id", d.InstanceID).Str("action", string(d.Action)).Logger()

	if !d.Routable() {
		err := fmt.Errorf("%w: action %q for %s", ErrUnroutable, d.Action, d.InstanceID)
		logger.Error().Err(err).Msg("rejecting decision")
		report.Rejected++
		report.Errors = append(report.Errors, err)
		r.metrics.RecordRouted(ctx, noQueue, telemetry.OutcomeRejected)
		return
	}

	body, err := d.Encode()
	if err != nil {
		logger.Error().Err(err).Msg("rejecting decision")
		report.Rejected++
		report.Errors = append(report.Errors, err)
		r.metrics.RecordRouted(ctx, r.queueFor(d), telemetry.OutcomeRejected)
		return
	}

	if d.Action == remediation.ActionLock {
		if err := r.send(ctx, ep.lock, body); err != nil {
			logger.Error().Err(err).Msg("lock enqueue failed, dropping decision")
			report.Dropped++
			report.Errors = append(report.Errors, fmt.Errorf("enqueue lock %s: %w", d.InstanceID, err))
			r.metrics.RecordRouted(ctx, r.names.Lock, telemetry.OutcomeDropped)
			return
		}
		logger.Info().Msg("sent to lock queue")
		report.Locked++
		r.metrics.RecordRouted(ctx, r.names.Lock, telemetry.OutcomeOK)
		return
	}

	err = r.send(ctx, ep.stop, body)
	if err == nil {
		logger.Info().Msg("sent to stop queue")
		report.Stopped++
		r.metrics.RecordRouted(ctx, r.names.Stop, telemetry.OutcomeOK)
		return
	}
	logger.Warn().Err(err).Msg("stop enqueue failed, falling back to lock queue")
	r.metrics.RecordRouted(ctx, r.names.Stop, telemetry.OutcomeFailed)

	// Exactly one fallback attempt with the same payload.
	if err := r.send(ctx, ep.lock, body); err != nil {
		logger.Error().Err(err).Msg("lock fallback failed, dropping decision")
		report.Dropped++
		report.Errors = append(report.Errors, fmt.Errorf("enqueue stop fallback %s: %w", d.InstanceID, err))
		r.metrics.RecordRouted(ctx, r.names.Lock, telemetry.OutcomeDropped)
		return
	}
	logger.Info().Msg("sent to lock queue as fallback")
	report.Fallback++
	r.metrics.RecordRouted(ctx, r.names.Lock, telemetry.OutcomeFallback)
}

// send treats an unresolved endpoint like a transport failure.
func (r *Router) send(ctx context.Context, url string, body []byte) error {
	if url == "" {
		return errEndpointUnresolved
	}
	return r.queue.Send(ctx, url, body)
}

// queueFor returns the name of the queue a routable decision targets.
func (r *Router) queueFor(d remediation.Decision) string {
	if d.Action == remediation.ActionLock {
		return r.names.Lock
	}
	return r.names.Stop
}
