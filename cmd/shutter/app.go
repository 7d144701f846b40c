package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/exporters/prometheus"

	"github.com/yairfalse/shutter/internal/classifier"
	"github.com/yairfalse/shutter/internal/cloud"
	awscloud "github.com/yairfalse/shutter/internal/cloud/aws"
	"github.com/yairfalse/shutter/internal/config"
	"github.com/yairfalse/shutter/internal/evaluator"
	"github.com/yairfalse/shutter/internal/filter"
	"github.com/yairfalse/shutter/internal/lock"
	"github.com/yairfalse/shutter/internal/pipeline"
	"github.com/yairfalse/shutter/internal/policy"
	"github.com/yairfalse/shutter/internal/router"
	"github.com/yairfalse/shutter/internal/stop"
	"github.com/yairfalse/shutter/internal/telemetry"
	"github.com/yairfalse/shutter/internal/worker"
)

// backends are the cloud capabilities the stages run on.
type backends struct {
	compute  cloud.Compute
	asg      cloud.Autoscaling
	rules    cloud.Rules
	queue    cloud.Queue
	receiver cloud.Receiver
}

func awsBackends(p *awscloud.Provider) backends {
	return backends{compute: p, asg: p, rules: p, queue: p, receiver: p}
}

// stages holds the wired pipeline.
type stages struct {
	cfg     *config.Config
	b       backends
	metrics *telemetry.Metrics
	eval    *evaluator.Evaluator
	router  *router.Router
	stopper *stop.Executor
	locker  *lock.Executor
}

func newStages(cfg *config.Config, b backends, excluder policy.Excluder, metrics *telemetry.Metrics) *stages {
	return &stages{
		cfg:     cfg,
		b:       b,
		metrics: metrics,
		eval:    evaluator.New(b.compute, b.rules, classifier.New(b.asg), excluder, metrics),
		router:  router.New(b.queue, router.Queues{Stop: cfg.Queues.Stop, Lock: cfg.Queues.Lock}, metrics),
		stopper: stop.New(b.compute, b.queue, cfg.Queues.Lock, metrics),
		locker: lock.New(b.rules, lock.Options{
			PlaceholderPrefix: cfg.Remediation.PlaceholderPrefix,
			PlaceholderTagKey: cfg.Remediation.PlaceholderTagKey,
		}, metrics),
	}
}

// worker builds the queue consumer of one stage.
func (s *stages) worker(stage string) (*worker.Worker, error) {
	wc := worker.Config{
		Stage:          stage,
		WaitTime:       s.cfg.Worker.WaitTime,
		HandlerTimeout: s.cfg.Worker.HandlerTimeout,
	}

	var handler worker.Handler
	switch stage {
	case pipeline.StageEvaluate:
		wc.Queue = s.cfg.Queues.Evaluate
		wc.MaxMessages = s.cfg.Worker.EvaluateBatchSize
		handler = pipeline.Evaluate(s.eval, s.router)
	case pipeline.StageStop:
		wc.Queue = s.cfg.Queues.Stop
		handler = pipeline.Stop(s.stopper)
	case pipeline.StageLock:
		wc.Queue = s.cfg.Queues.Lock
		handler = pipeline.Lock(s.locker)
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}

	return worker.New(wc, s.b.queue, s.b.receiver, handler, s.metrics), nil
}

// buildExcluder combines the exclusion tag with the optional Rego policy.
func buildExcluder(ctx context.Context, rc config.RemediationConfig) (policy.Excluder, error) {
	tags := filter.ForTag(rc.ExclusionTagKey, rc.ExclusionTagValue)
	if rc.PolicyPath == "" {
		return tags, nil
	}
	engine, err := policy.Load(ctx, rc.PolicyPath)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", rc.PolicyPath).Msg("exclusion policy loaded")
	return policy.Any(tags, engine), nil
}

// runtime is everything a command needs against real AWS.
type runtime struct {
	stages    *stages
	telemetry *telemetry.Provider
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	tp, err := telemetry.NewProvider(ctx, cfg.OTEL, promExporter)
	if err != nil {
		return nil, fmt.Errorf("create telemetry provider: %w", err)
	}

	provider, err := awscloud.New(ctx, awscloud.Config{Region: cfg.AWS.Region, Profile: cfg.AWS.Profile})
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	excluder, err := buildExcluder(ctx, cfg.Remediation)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	return &runtime{
		stages:    newStages(cfg, awsBackends(provider), excluder, tp.Metrics()),
		telemetry: tp,
	}, nil
}

func (r *runtime) close() {
	if err := r.telemetry.Shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown failed")
	}
}
