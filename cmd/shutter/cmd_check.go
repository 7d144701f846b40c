package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/shutter/internal/evaluator"
	"github.com/yairfalse/shutter/pkg/remediation"
)

var checkRegion string

// checkCmd evaluates without routing
var checkCmd = &cobra.Command{
	Use:   "check INSTANCE_ID...",
	Short: "Show what shutter would do with the given instances",
	Long: `Evaluate instances exactly as the evaluate stage does and print the stop and
lock decisions as JSON. Nothing is sent to a queue and nothing is changed.`,
	Example: `  shutter check i-0123456789abcdef0
  shutter check --region eu-west-1 i-0aaa i-0bbb`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVarP(&checkRegion, "region", "r", "", "Region of the instances (defaults to aws.region)")
}

func runCheck(cmd *cobra.Command, args []string) error {
	region := checkRegion
	if region == "" {
		region = cfg.AWS.Region
	}

	rt, err := newRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	return check(cmd.Context(), rt.stages.eval, region, args, cmd.OutOrStdout())
}

func check(ctx context.Context, ev *evaluator.Evaluator, region string, ids []string, out io.Writer) error {
	decisions, summary := ev.EvaluateBatch(ctx, map[string][]string{region: ids})
	log.Info().
		Int("requested", summary.Requested).
		Int("not_running", summary.NotRunning).
		Int("excluded", summary.Excluded).
		Int("no_bad_sgs", summary.NoBadGroups).
		Int("failed", summary.Failed).
		Int("decided", summary.Decided).
		Msg("check complete")

	if decisions == nil {
		decisions = []remediation.Decision{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(decisions); err != nil {
		return fmt.Errorf("write decisions: %w", err)
	}
	if len(summary.FailedRegions) > 0 {
		return fmt.Errorf("describe instances failed in %v", summary.FailedRegions)
	}
	return nil
}
