// Package evaluator turns a batch of instance events into remediation decisions.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/shutter/internal/cloud"
	"github.com/yairfalse/shutter/internal/netpolicy"
	"github.com/yairfalse/shutter/internal/policy"
	"github.com/yairfalse/shutter/internal/telemetry"
	"github.com/yairfalse/shutter/pkg/remediation"
)

var tracer = otel.Tracer("github.com/yairfalse/shutter/internal/evaluator")

// Classifier picks stop or lock for a flagged instance.
type Classifier interface {
	Classify(ctx context.Context, inst remediation.Instance, flag remediation.Flag, groupIDs []string, vpcID, region string) remediation.Decision
}

// Summary counts what happened to the instances of one batch.
type Summary struct {
	Requested     int
	Described     int
	NotRunning    int
	Excluded      int
	NoBadGroups   int
	Failed        int
	Decided       int
	FailedRegions []string
}

// Evaluator fans instance ids out to the policy evaluator and classifier.
type Evaluator struct {
	compute    cloud.Compute
	rules      cloud.Rules
	classifier Classifier
	excluder   policy.Excluder
	metrics    *telemetry.Metrics
}

// New creates an Evaluator. A nil metrics records nothing.
func New(compute cloud.Compute, rules cloud.Rules, classifier Classifier, excluder policy.Excluder, metrics *telemetry.Metrics) *Evaluator {
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Evaluator{
		compute:    compute,
		rules:      rules,
		classifier: classifier,
		excluder:   excluder,
		metrics:    metrics,
	}
}

// ParseEvents groups the instance ids of raw queue records by region. Malformed
// records are skipped; their errors are joined into the returned error.
func ParseEvents(bodies [][]byte) (map[string][]string, error) {
	byRegion := make(map[string][]string)
	var errs []error

	for i, body := range bodies {
		var ev remediation.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		if ev.InstanceID == "" || ev.Region == "" {
			errs = append(errs, fmt.Errorf("record %d: instance_id and region are required", i))
			continue
		}
		byRegion[ev.Region] = append(byRegion[ev.Region], ev.InstanceID)
	}

	return byRegion, errors.Join(errs...)
}

// EvaluateBatch describes each region's instances and returns the stop and lock
// decisions. Skipped instances are logged and counted, never returned. A failing
// region or instance never aborts the rest of the batch.
func (e *Evaluator) EvaluateBatch(ctx context.Context, byRegion map[string][]string) ([]remediation.Decision, Summary) {
	ctx, span := tracer.Start(ctx, "evaluator.evaluate_batch", trace.WithAttributes(
		attribute.Int("regions", len(byRegion)),
	))
	defer span.End()

	var (
		decisions []remediation.Decision
		summary   Summary
	)

	for _, region := range slices.Sorted(maps.Keys(byRegion)) {
		ids := byRegion[region]
		summary.Requested += len(ids)

		log.Info().Str("region", region).Int("instances", len(ids)).Msg("checking instances")
		instances, err := e.compute.DescribeInstances(ctx, region, ids)
		if err != nil {
			log.Warn().Err(err).Str("region", region).Msg("describe instances failed, skipping region")
			summary.FailedRegions = append(summary.FailedRegions, region)
			continue
		}
		summary.Described += len(instances)

		for _, inst := range instances {
			if inst.Region == "" {
				inst.Region = region
			}
			// Already stopped instances need no action.
			if !inst.Running() {
				log.Debug().Str("instance_id", inst.ID).Str("state", inst.State).Msg("instance not running")
				summary.NotRunning++
				continue
			}
			d, err := e.evaluateInstance(ctx, inst)
			if err != nil {
				log.Error().Err(err).Str("instance_id", inst.ID).Str("region", region).Msg("evaluation failed, skipping instance")
				summary.Failed++
				continue
			}
			e.tally(ctx, d, &summary)
			if d.Routable() {
				decisions = append(decisions, d)
			}
		}
	}

	span.SetAttributes(attribute.Int("decisions", len(decisions)))
	return decisions, summary
}

// evaluateInstance applies the exclusion rule, the network policy and the classifier
// to one running instance, in that order.
func (e *Evaluator) evaluateInstance(ctx context.Context, inst remediation.Instance) (remediation.Decision, error) {
	excluded, err := e.excluder.Excluded(ctx, inst)
	if err != nil {
		return remediation.Decision{}, fmt.Errorf("check exclusion: %w", err)
	}
	if excluded {
		log.Info().Str("instance_id", inst.ID).Msg("skipping instance due to exclusion")
		return remediation.Skip(inst.ID, remediation.FlagExcluded, inst.Region), nil
	}

	if len(inst.SecurityGroupIDs) == 0 {
		return remediation.Skip(inst.ID, remediation.FlagNoBadGroups, inst.Region), nil
	}

	groups, err := e.rules.DescribeGroups(ctx, inst.Region, cloud.GroupQuery{IDs: inst.SecurityGroupIDs})
	if err != nil {
		return remediation.Decision{}, fmt.Errorf("describe security groups: %w", err)
	}

	result := netpolicy.Classify(groups)
	if !result.Dangerous {
		log.Info().Str("instance_id", inst.ID).Msg("skipping instance with no bad security groups")
		return remediation.Skip(inst.ID, remediation.FlagNoBadGroups, inst.Region), nil
	}

	log.Info().Str("instance_id", inst.ID).Str("flag", string(result.Flag)).Msg("instance exposed, classifying")
	return e.classifier.Classify(ctx, inst, result.Flag, inst.SecurityGroupIDs, inst.VpcID, inst.Region), nil
}

func (e *Evaluator) tally(ctx context.Context, d remediation.Decision, s *Summary) {
	switch {
	case d.Flag == remediation.FlagExcluded:
		s.Excluded++
	case d.Action == remediation.ActionSkip:
		s.NoBadGroups++
	default:
		s.Decided++
	}
	e.metrics.RecordDecision(ctx, d)
}
