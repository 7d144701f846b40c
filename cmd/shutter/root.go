package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/shutter/internal/config"
	"github.com/yairfalse/shutter/internal/telemetry"
)

var (
	version    = "0.1.0"
	configPath string
	debug      bool

	// cfg is loaded by the root command before any subcommand runs.
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "shutter",
		Short: "Stop or isolate EC2 instances with risky network access",
		Long: `Shutter - automated remediation of risky EC2 network exposure

Shutter consumes instance events, flags instances whose security groups
allow SSH from anywhere or that rely on the VPC default group, and either
stops them or swaps the offending groups for an inert placeholder.

Instances tagged shutdown_service_excluded=True are never touched.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Shutter {{.Version}}
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (.toml, .yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging on the console")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}

	if debug {
		cfg.Log.Level = "debug"
		cfg.Log.Format = "console"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return telemetry.SetupLogging(cfg.Log)
}
