package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/shutter/internal/pipeline"
	"github.com/yairfalse/shutter/internal/worker"
)

var runMetricsAddr string

// runCmd runs every stage
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the evaluate, stop and lock workers",
	Long: `Run all three pipeline stages as long-polling queue consumers.

Each stage reads its own queue:
- evaluate: instance events, routed to the stop or lock queue
- stop:     stop decisions, re-sent to the lock queue when a stop fails
- lock:     lock decisions, applied by swapping security groups

Prometheus metrics are served on /metrics, health on /healthz and /readyz.`,
	Example: `  shutter run                           # Defaults, no metrics server
  shutter run --metrics-addr :9090      # With metrics
  shutter run -c /etc/shutter.toml      # From a config file`,
	RunE: runAll,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Metrics and health listen address (overrides metrics.addr)")
}

func runAll(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	var workers []*worker.Worker
	for _, stage := range []string{pipeline.StageEvaluate, pipeline.StageStop, pipeline.StageLock} {
		w, err := rt.stages.worker(stage)
		if err != nil {
			return err
		}
		workers = append(workers, w)
	}

	addr := cfg.Metrics.Addr
	if runMetricsAddr != "" {
		addr = runMetricsAddr
	}

	var g run.Group
	{
		wctx, wcancel := context.WithCancel(ctx)
		for _, w := range workers {
			g.Add(func() error {
				return w.Start(wctx)
			}, func(error) {
				wcancel()
			})
		}
	}
	if addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		srv := &http.Server{Handler: newHealthMux(workers), ReadHeaderTimeout: 5 * time.Second}
		g.Add(func() error {
			log.Info().Str("addr", ln.Addr().String()).Msg("metrics server listening")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		})
	}
	{
		g.Add(func() error {
			<-ctx.Done()
			return nil
		}, func(error) {
			cancel()
		})
	}

	log.Info().
		Str("evaluate_queue", cfg.Queues.Evaluate).
		Str("stop_queue", cfg.Queues.Stop).
		Str("lock_queue", cfg.Queues.Lock).
		Msg("shutter starting")

	err = g.Run()
	log.Info().Msg("shutter stopped")
	return err
}
