// Package config handles configuration loading and management for edgefuzz.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxfuzzer/edgefuzz/pkg/model"
)

// Config represents the global configuration for an edgefuzz run.
type Config struct {
	Target     TargetConfig     `yaml:"target"`
	Engine     EngineConfig     `yaml:"engine"`
	Mutator    MutatorConfig    `yaml:"mutator"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// TargetConfig defines the fuzzed binary and how it is invoked.
type TargetConfig struct {
	Path            string        `yaml:"path"`
	Args            string        `yaml:"args"`
	TargetID        string        `yaml:"target_id"`
	SeedDir         string        `yaml:"seed_dir"`
	OutputDir       string        `yaml:"output_dir"`
	Timeout         time.Duration `yaml:"timeout"`
	MemLimitMB      int           `yaml:"mem_limit_mb"`
	UseSandbox      bool          `yaml:"use_sandbox"`
	BitmapSize      int           `yaml:"bitmap_size"`
	MaxSeedSize     int           `yaml:"max_seed_size"`
	StderrMaxLen    int           `yaml:"stderr_max_len"`
	CrashInfoMaxLen int           `yaml:"crash_info_max_len"`
}

// EngineConfig defines the fuzzing loop's own controls.
type EngineConfig struct {
	Duration        time.Duration `yaml:"duration"`
	HavocIterations int           `yaml:"havoc_iterations"`
	MaxExecRate     float64       `yaml:"max_exec_rate"` // execs/sec, 0 = unlimited
	LogInterval     time.Duration `yaml:"log_interval"`
}

// MutatorConfig carries optional dictionary tokens for the havoc stack's
// token-insert operator.
type MutatorConfig struct {
	DictionaryPath string `yaml:"dictionary_path"`
}

// SchedulerConfig selects seed ordering and queue limits.
type SchedulerConfig struct {
	Strategy         model.SchedulerStrategy `yaml:"strategy"`
	MaxSeeds         int                     `yaml:"max_seeds"`
	MaxSeedsMemoryMB int                     `yaml:"max_seeds_memory_mb"`
}

// CheckpointConfig controls periodic snapshotting and resume.
type CheckpointConfig struct {
	Path       string        `yaml:"path"`
	ResumeFrom string        `yaml:"resume_from"`
	Interval   time.Duration `yaml:"interval"`
}

// TelemetryConfig controls the live dashboard.
type TelemetryConfig struct {
	EnableDashboard bool   `yaml:"enable_dashboard"`
	DashboardAddr   string `yaml:"dashboard_addr"`
}

// DefaultConfig returns the default configuration. Required fields
// (Target.Path, Target.Args, Target.SeedDir, Target.OutputDir) are left
// zero-valued; the CLI layer is responsible for rejecting a run that
// never fills them in.
func DefaultConfig() *Config {
	return &Config{
		Target: TargetConfig{
			Timeout:         5 * time.Second,
			BitmapSize:      model.DefaultBitmapSize,
			MaxSeedSize:     1 << 20,
			StderrMaxLen:    4096,
			CrashInfoMaxLen: 4096,
		},
		Engine: EngineConfig{
			HavocIterations: 16,
			LogInterval:     5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Strategy: model.StrategyEnergy,
		},
		Checkpoint: CheckpointConfig{
			Interval: 60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			DashboardAddr: "127.0.0.1:8088",
		},
	}
}

// Load reads a YAML file at path and merges it over DefaultConfig. An
// empty path skips the file entirely and returns the defaults; a named
// file that cannot be read or parsed is a ConfigError.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields the CLI cannot fill in from defaults. It is
// the source of ConfigError: a ConfigError is fatal at startup and never
// silently falls back to a partial run.
func (c *Config) Validate() error {
	if c.Target.Path == "" {
		return fmt.Errorf("config: target path is required")
	}
	if c.Target.Args == "" {
		return fmt.Errorf("config: target argument template is required")
	}
	if c.Target.SeedDir == "" {
		return fmt.Errorf("config: seed directory is required")
	}
	if c.Target.OutputDir == "" {
		return fmt.Errorf("config: output directory is required")
	}
	if c.Scheduler.Strategy != model.StrategyEnergy && c.Scheduler.Strategy != model.StrategyFIFO {
		return fmt.Errorf("config: unknown seed-sort-strategy %q", c.Scheduler.Strategy)
	}
	return nil
}
