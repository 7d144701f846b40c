package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/shutter/internal/pipeline"
)

var stageOnce bool

func newStageCmd(stage, short, long string) *cobra.Command {
	return &cobra.Command{
		Use:   stage,
		Short: short,
		Long:  long,
		Example: fmt.Sprintf(`  shutter %[1]s          # Consume until interrupted
  shutter %[1]s --once   # Drain the queue and exit`, stage),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStage(cmd, stage)
		},
	}
}

func init() {
	cmds := []*cobra.Command{
		newStageCmd(pipeline.StageEvaluate, "Consume instance events and route decisions",
			`Read instance events from the evaluate queue, decide stop, lock or skip for
each instance, and send stop and lock decisions to their queues.`),
		newStageCmd(pipeline.StageStop, "Consume stop decisions",
			`Stop each instance from the stop queue. A failed stop is re-sent to the lock
queue so the instance is isolated instead.`),
		newStageCmd(pipeline.StageLock, "Consume lock decisions",
			`Replace the open-SSH or default security groups of each instance from the
lock queue with a per-instance placeholder group.`),
	}
	for _, c := range cmds {
		c.Flags().BoolVar(&stageOnce, "once", false, "Drain the queue once and exit")
		rootCmd.AddCommand(c)
	}
}

func runStage(cmd *cobra.Command, stage string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	w, err := rt.stages.worker(stage)
	if err != nil {
		return err
	}

	if stageOnce {
		n, err := w.Drain(ctx)
		if err != nil {
			return err
		}
		log.Info().Str("stage", stage).Int("messages", n).Msg("queue drained")
		return nil
	}
	return w.Start(ctx)
}
