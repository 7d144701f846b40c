// Package config handles TOML and YAML configuration for shutter.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	AWS         AWSConfig         `toml:"aws" yaml:"aws"`
	Queues      QueuesConfig      `toml:"queues" yaml:"queues"`
	Worker      WorkerConfig      `toml:"worker" yaml:"worker"`
	Remediation RemediationConfig `toml:"remediation" yaml:"remediation"`
	OTEL        OTELConfig        `toml:"otel" yaml:"otel"`
	Metrics     MetricsConfig     `toml:"metrics" yaml:"metrics"`
	Log         LogConfig         `toml:"log" yaml:"log"`
}

// AWSConfig holds AWS settings. Region is where the queues live; instances are
// remediated in the region carried by each event.
type AWSConfig struct {
	Region  string `toml:"region" yaml:"region"`
	Profile string `toml:"profile" yaml:"profile"`
}

// QueuesConfig names the queues of the three stages.
type QueuesConfig struct {
	Evaluate string `toml:"evaluate" yaml:"evaluate"`
	Stop     string `toml:"stop" yaml:"stop"`
	Lock     string `toml:"lock" yaml:"lock"`
}

// WorkerConfig holds queue consumer settings.
type WorkerConfig struct {
	WaitTimeStr       string        `toml:"wait_time" yaml:"wait_time"`
	WaitTime          time.Duration `toml:"-" yaml:"-"`
	HandlerTimeoutStr string        `toml:"handler_timeout" yaml:"handler_timeout"`
	HandlerTimeout    time.Duration `toml:"-" yaml:"-"`
	EvaluateBatchSize int32         `toml:"evaluate_batch_size" yaml:"evaluate_batch_size"`
}

// RemediationConfig holds the knobs of the decision and lock stages.
type RemediationConfig struct {
	ExclusionTagKey   string `toml:"exclusion_tag_key" yaml:"exclusion_tag_key"`
	ExclusionTagValue string `toml:"exclusion_tag_value" yaml:"exclusion_tag_value"`
	PlaceholderPrefix string `toml:"placeholder_prefix" yaml:"placeholder_prefix"`
	PlaceholderTagKey string `toml:"placeholder_tag_key" yaml:"placeholder_tag_key"`
	PolicyPath        string `toml:"policy_path" yaml:"policy_path"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string       `toml:"endpoint" yaml:"endpoint"`
	Insecure    bool         `toml:"insecure" yaml:"insecure"`
	ServiceName string       `toml:"service_name" yaml:"service_name"`
	Traces      TracesConfig `toml:"traces" yaml:"traces"`
	Metrics     OTLPMetrics  `toml:"metrics" yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled" yaml:"enabled"`
	SampleRate float64 `toml:"sample_rate" yaml:"sample_rate"`
}

// OTLPMetrics toggles OTLP metric export.
type OTLPMetrics struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
}

// MetricsConfig holds the Prometheus endpoint settings. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"` // "json" or "console"
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	_ = parseDurations(cfg)
	return cfg
}

// Load reads and parses a config file. The format follows the file extension;
// anything other than .yaml/.yml is read as TOML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-east-1"
	}
	if cfg.Queues.Evaluate == "" {
		cfg.Queues.Evaluate = "evaluate_instance_queue"
	}
	if cfg.Queues.Stop == "" {
		cfg.Queues.Stop = "stop_instance_queue"
	}
	if cfg.Queues.Lock == "" {
		cfg.Queues.Lock = "lock_instance_queue"
	}
	if cfg.Worker.WaitTimeStr == "" {
		cfg.Worker.WaitTimeStr = "20s"
	}
	if cfg.Worker.HandlerTimeoutStr == "" {
		cfg.Worker.HandlerTimeoutStr = "2m"
	}
	if cfg.Worker.EvaluateBatchSize == 0 {
		cfg.Worker.EvaluateBatchSize = 10
	}
	if cfg.Remediation.ExclusionTagKey == "" {
		cfg.Remediation.ExclusionTagKey = "shutdown_service_excluded"
	}
	if cfg.Remediation.ExclusionTagValue == "" {
		cfg.Remediation.ExclusionTagValue = "True"
	}
	if cfg.Remediation.PlaceholderPrefix == "" {
		cfg.Remediation.PlaceholderPrefix = "shutdown_service_placeholder_"
	}
	if cfg.Remediation.PlaceholderTagKey == "" {
		cfg.Remediation.PlaceholderTagKey = "shutdown_service_dummy_group"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "shutter"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func parseDurations(cfg *Config) error {
	wait, err := time.ParseDuration(cfg.Worker.WaitTimeStr)
	if err != nil {
		return fmt.Errorf("parse wait_time %q: %w", cfg.Worker.WaitTimeStr, err)
	}
	cfg.Worker.WaitTime = wait

	timeout, err := time.ParseDuration(cfg.Worker.HandlerTimeoutStr)
	if err != nil {
		return fmt.Errorf("parse handler_timeout %q: %w", cfg.Worker.HandlerTimeoutStr, err)
	}
	cfg.Worker.HandlerTimeout = timeout
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if c.AWS.Region == "" {
		return fmt.Errorf("aws: region required")
	}
	if c.Queues.Stop == "" || c.Queues.Lock == "" {
		return fmt.Errorf("queues: stop and lock queue names required")
	}
	if c.Queues.Stop == c.Queues.Lock {
		return fmt.Errorf("queues: stop and lock must be different queues (got %q)", c.Queues.Stop)
	}
	if c.Worker.WaitTime < 0 || c.Worker.WaitTime > 20*time.Second {
		return fmt.Errorf("worker: wait_time must be between 0s and 20s (got %v)", c.Worker.WaitTime)
	}
	if c.Worker.EvaluateBatchSize < 1 || c.Worker.EvaluateBatchSize > 10 {
		return fmt.Errorf("worker: evaluate_batch_size must be between 1 and 10 (got %d)", c.Worker.EvaluateBatchSize)
	}
	if c.Remediation.PlaceholderPrefix == "" {
		return fmt.Errorf("remediation: placeholder_prefix required")
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log: format must be json or console (got %q)", c.Log.Format)
	}
	return nil
}
