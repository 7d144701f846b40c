// Package worker consumes one stage queue: receive a batch, hand it to the stage, and
// acknowledge what the stage processed.
package worker

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/shutter/internal/cloud"
	"github.com/yairfalse/shutter/internal/telemetry"
)

// Handler processes one batch. It returns the ids of messages that must stay on the
// queue for redelivery. A non-nil error keeps the whole batch.
type Handler interface {
	Handle(ctx context.Context, msgs []cloud.Message) (failed []string, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msgs []cloud.Message) ([]string, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msgs []cloud.Message) ([]string, error) {
	return f(ctx, msgs)
}

// Config holds worker configuration
type Config struct {
	Stage          string
	Queue          string
	MaxMessages    int32
	WaitTime       time.Duration
	HandlerTimeout time.Duration
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

// Worker runs the receive loop of one stage.
type Worker struct {
	cfg       Config
	queue     cloud.Queue
	receiver  cloud.Receiver
	handler   Handler
	metrics   *telemetry.Metrics
	startTime time.Time
	batches   atomic.Int64
	failures  atomic.Int64
}

// New creates a worker. A nil metrics records nothing.
func New(cfg Config, queue cloud.Queue, receiver cloud.Receiver, handler Handler, metrics *telemetry.Metrics) *Worker {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 10
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Worker{
		cfg:       cfg,
		queue:     queue,
		receiver:  receiver,
		handler:   handler,
		metrics:   metrics,
		startTime: time.Now(),
	}
}

// Start resolves the queue and polls it until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	url, err := w.queue.QueueURL(ctx, w.cfg.Queue)
	if err != nil {
		return fmt.Errorf("resolve %s queue %s: %w", w.cfg.Stage, w.cfg.Queue, err)
	}

	log.Info().Str("stage", w.cfg.Stage).Str("queue", w.cfg.Queue).Msg("worker started")
	for {
		if ctx.Err() != nil {
			log.Info().Str("stage", w.cfg.Stage).Msg("worker stopped")
			return nil
		}
		if _, err := w.poll(ctx, url); err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Warn().Err(err).Str("stage", w.cfg.Stage).Dur("backoff", w.cfg.ErrorBackoff).Msg("receive failed")
			select {
			case <-ctx.Done():
			case <-time.After(w.cfg.ErrorBackoff):
			}
		}
	}
}

// Drain polls the queue until a receive returns no messages and reports how many
// messages were handled.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	url, err := w.queue.QueueURL(ctx, w.cfg.Queue)
	if err != nil {
		return 0, fmt.Errorf("resolve %s queue %s: %w", w.cfg.Stage, w.cfg.Queue, err)
	}
	total := 0
	for {
		n, err := w.poll(ctx, url)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}

func (w *Worker) poll(ctx context.Context, url string) (int, error) {
	msgs, err := w.receiver.Receive(ctx, url, w.cfg.MaxMessages, int32(w.cfg.WaitTime/time.Second))
	if err != nil {
		return 0, fmt.Errorf("receive from %s: %w", w.cfg.Queue, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	w.process(ctx, url, msgs)
	return len(msgs), nil
}

// process runs the handler under the handler timeout and deletes every message it
// did not report as failed.
func (w *Worker) process(ctx context.Context, url string, msgs []cloud.Message) {
	w.batches.Add(1)
	logger := log.With().Str("stage", w.cfg.Stage).Int("messages", len(msgs)).Logger()

	hctx := ctx
	if w.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, w.cfg.HandlerTimeout)
		defer cancel()
	}

	start := time.Now()
	failed, err := w.handler.Handle(hctx, msgs)
	w.metrics.RecordBatch(ctx, w.cfg.Stage, time.Since(start))
	if err != nil {
		w.failures.Add(1)
		logger.Error().Err(err).Msg("batch failed, leaving messages for redelivery")
		w.metrics.RecordMessages(ctx, w.cfg.Stage, telemetry.OutcomeFailed, len(msgs))
		return
	}

	deleted := 0
	for _, m := range msgs {
		if slices.Contains(failed, m.ID) {
			continue
		}
		if err := w.receiver.Delete(ctx, url, m.ReceiptHandle); err != nil {
			logger.Warn().Err(err).Str("message_id", m.ID).Msg("delete failed")
			continue
		}
		deleted++
	}
	w.metrics.RecordMessages(ctx, w.cfg.Stage, telemetry.OutcomeOK, deleted)
	w.metrics.RecordMessages(ctx, w.cfg.Stage, telemetry.OutcomeFailed, len(failed))
	logger.Info().Int("deleted", deleted).Int("failed", len(failed)).Msg("batch processed")
}

// Health returns worker health status
func (w *Worker) Health() HealthStatus {
	return HealthStatus{
		Stage:    w.cfg.Stage,
		Status:   "healthy",
		Uptime:   int64(time.Since(w.startTime).Seconds()),
		Batches:  w.batches.Load(),
		Failures: w.failures.Load(),
	}
}

// HealthStatus represents worker health
type HealthStatus struct {
	Stage    string `json:"stage"`
	Status   string `json:"status"`
	Uptime   int64  `json:"uptime_seconds"`
	Batches  int64  `json:"batches"`
	Failures int64  `json:"failures"`
}

// BatchCount returns the number of batches handed to the handler
func (w *Worker) BatchCount() int64 {
	return w.batches.Load()
}
