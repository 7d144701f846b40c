// Package pipeline binds the evaluate, stop and lock stages to queue batches.
package pipeline

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/shutter/internal/cloud"
	"github.com/yairfalse/shutter/internal/evaluator"
	"github.com/yairfalse/shutter/internal/router"
	"github.com/yairfalse/shutter/internal/worker"
	"github.com/yairfalse/shutter/pkg/remediation"
)

// Stage names used for workers, logs and metrics.
const (
	StageEvaluate = "evaluate"
	StageStop     = "stop"
	StageLock     = "lock"
)

// BatchEvaluator produces decisions for instance ids grouped by region.
type BatchEvaluator interface {
	EvaluateBatch(ctx context.Context, byRegion map[string][]string) ([]remediation.Decision, evaluator.Summary)
}

// Router dispatches decisions to the remediation queues.
type Router interface {
	Route(ctx context.Context, decisions []remediation.Decision) (router.Report, error)
}

// Stopper applies stop decisions.
type Stopper interface {
	Stop(ctx context.Context, d remediation.Decision) error
}

// Locker applies lock decisions.
type Locker interface {
	Lock(ctx context.Context, d remediation.Decision) error
}

// Evaluate handles raw instance events: evaluate, then route the decisions. Malformed
// records are logged and acknowledged. The batch fails only when no queue endpoint
// can be resolved.
func Evaluate(ev BatchEvaluator, rt Router) worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, msgs []cloud.Message) ([]string, error) {
		bodies := make([][]byte, 0, len(msgs))
		for _, m := range msgs {
			bodies = append(bodies, m.Body)
		}

		byRegion, err := evaluator.ParseEvents(bodies)
		if err != nil {
			log.Warn().Err(err).Msg("skipping malformed events")
		}

		decisions, summary := ev.EvaluateBatch(ctx, byRegion)
		log.Info().
			Int("requested", summary.Requested).
			Int("not_running", summary.NotRunning).
			Int("excluded", summary.Excluded).
			Int("no_bad_sgs", summary.NoBadGroups).
			Int("failed", summary.Failed).
			Int("decided", summary.Decided).
			Strs("failed_regions", summary.FailedRegions).
			Msg("evaluation complete")

		if _, err := rt.Route(ctx, decisions); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

// Stop handles stop decisions one message at a time.
func Stop(s Stopper) worker.Handler {
	return perDecision(StageStop, s.Stop)
}

// Lock handles lock decisions one message at a time.
func Lock(l Locker) worker.Handler {
	return perDecision(StageLock, l.Lock)
}

// perDecision reports every message that fails to decode or apply, so the transport
// redelivers it and eventually dead-letters it.
func perDecision(stage string, apply func(context.Context, remediation.Decision) error) worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, msgs []cloud.Message) ([]string, error) {
		var failed []string
		for _, m := range msgs {
			d, err := remediation.DecodeDecision(m.Body)
			if err != nil {
				log.Error().Err(err).Str("stage", stage).Str("message_id", m.ID).Msg("invalid decision payload")
				failed = append(failed, m.ID)
				continue
			}
			if err := apply(ctx, d); err != nil {
				log.Error().Err(err).Str("stage", stage).Str("instance_id", d.InstanceID).Msg("remediation failed")
				failed = append(failed, m.ID)
			}
		}
		return failed, nil
	})
}
