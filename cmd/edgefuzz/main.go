// edgefuzz - coverage-guided mutation fuzzer for AFL++-instrumented binaries
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxfuzzer/edgefuzz/internal/config"
	"github.com/fluxfuzzer/edgefuzz/internal/engine"
	"github.com/fluxfuzzer/edgefuzz/pkg/model"
)

var (
	version = "0.1.0-dev"

	// CLI flags.
	targetPath      string
	targetArgs      string
	seedDir         string
	outputDir       string
	configFile      string
	durationSec     int
	targetID        string
	timeoutSec      float64
	memLimitMB      int
	useSandbox      bool
	bitmapSize      int
	maxSeedSize     int
	havocIterations int
	sortStrategy    string
	maxSeeds        int
	maxSeedsMemMB   int
	logIntervalSec  float64
	stderrMaxLen    int
	crashInfoMaxLen int
	checkpointPath  string
	resumeFrom      string
	maxExecRate     float64
	dictionaryPath  string
	enableDashboard bool
	dashboardAddr   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "edgefuzz",
		Short:   "edgefuzz - coverage-guided mutation fuzzer for AFL++-instrumented binaries",
		Version: version,
		RunE:    runFuzz,
	}

	f := rootCmd.Flags()
	f.StringVar(&targetPath, "target", "", "path to the target binary (required)")
	f.StringVar(&targetArgs, "args", "", "argument template; @@ is replaced with the scratch input path, otherwise input is fed via stdin (required)")
	f.StringVar(&seedDir, "seeds", "", "initial seed corpus directory (required)")
	f.StringVar(&outputDir, "output", "", "output directory for crashes/hangs/queue/telemetry (required)")
	f.StringVar(&configFile, "config", "", "optional YAML config file, merged under CLI flags")
	f.IntVar(&durationSec, "duration", 0, "wall-clock fuzzing budget in seconds; 0 = unbounded")
	f.StringVar(&targetID, "target-id", "", "human-readable identifier for this target; defaults to a generated id")
	f.Float64Var(&timeoutSec, "timeout", 5, "per-execution timeout in seconds")
	f.IntVar(&memLimitMB, "mem-limit", 0, "address-space limit in MB for the target; 0 disables the limit")
	f.BoolVar(&useSandbox, "use-sandbox", false, "run the target under a bubblewrap sandbox")
	f.IntVar(&bitmapSize, "bitmap-size", model.DefaultBitmapSize, "AFL coverage bitmap size in bytes")
	f.IntVar(&maxSeedSize, "max-seed-size", 1<<20, "maximum mutant size in bytes")
	f.IntVar(&havocIterations, "havoc-iterations", 16, "number of operator applications per havoc stack run")
	f.StringVar(&sortStrategy, "seed-sort-strategy", string(model.StrategyEnergy), "seed scheduling strategy: energy or fifo")
	f.IntVar(&maxSeeds, "max-seeds", 0, "maximum number of seeds retained; 0 = unbounded")
	f.IntVar(&maxSeedsMemMB, "max-seeds-memory", 0, "maximum total seed corpus memory in MB; 0 = unbounded")
	f.Float64Var(&logIntervalSec, "log-interval", 5, "telemetry snapshot interval in seconds")
	f.IntVar(&stderrMaxLen, "stderr-max-len", 4096, "captured stderr truncation length in bytes")
	f.IntVar(&crashInfoMaxLen, "crash-info-max-len", 4096, "crash/hang info stderr truncation length in bytes")
	f.StringVar(&checkpointPath, "checkpoint-path", "", "checkpoint file path; defaults to <output>/checkpoints/checkpoint.json")
	f.StringVar(&resumeFrom, "resume-from", "", "resume a paused run from this checkpoint file")
	f.Float64Var(&maxExecRate, "max-exec-rate", 0, "maximum executions per second; 0 = unlimited")
	f.StringVar(&dictionaryPath, "dictionary", "", "newline-delimited token file for the dictionary-assisted insert mutator")
	f.BoolVar(&enableDashboard, "dashboard", false, "serve a live websocket telemetry dashboard")
	f.StringVar(&dashboardAddr, "dashboard-addr", "127.0.0.1:8088", "dashboard listen address")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "edgefuzz:", err)
		os.Exit(1)
	}
}

// runFuzz assembles a Config from flags (optionally merged over a YAML
// file), validates it, and drives the Engine to completion. A
// configuration error here is fatal: exit nonzero with a single-line
// cause, never a partial run.
func runFuzz(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	applyFlags(cfg, cmd.Flags())

	if err := cfg.Validate(); err != nil {
		return err
	}

	resume := resumeFrom
	if resume == "" {
		resume = cfg.Checkpoint.ResumeFrom
	}

	var eng *engine.Engine
	if resume != "" {
		eng, err = engine.Resume(cfg, resume)
		if err != nil {
			// CheckpointError on explicit resume: never silently fall
			// back to a fresh run.
			return fmt.Errorf("resume failed: %w", err)
		}
	} else {
		eng, err = engine.New(cfg)
		if err != nil {
			return err
		}
	}

	return eng.Run()
}

// applyFlags overlays only the flags the operator actually set onto cfg,
// so a --config file's values aren't clobbered by flag defaults the
// operator never touched.
func applyFlags(cfg *config.Config, flags interface{ Changed(string) bool }) {
	set := func(name string) bool { return flags.Changed(name) }

	if set("target") {
		cfg.Target.Path = targetPath
	}
	if set("args") {
		cfg.Target.Args = targetArgs
	}
	if set("seeds") {
		cfg.Target.SeedDir = seedDir
	}
	if set("output") {
		cfg.Target.OutputDir = outputDir
	}
	if set("target-id") {
		cfg.Target.TargetID = targetID
	}
	if set("timeout") {
		cfg.Target.Timeout = time.Duration(timeoutSec * float64(time.Second))
	}
	if set("mem-limit") {
		cfg.Target.MemLimitMB = memLimitMB
	}
	if set("use-sandbox") {
		cfg.Target.UseSandbox = useSandbox
	}
	if set("bitmap-size") {
		cfg.Target.BitmapSize = bitmapSize
	}
	if set("max-seed-size") {
		cfg.Target.MaxSeedSize = maxSeedSize
	}
	if set("stderr-max-len") {
		cfg.Target.StderrMaxLen = stderrMaxLen
	}
	if set("crash-info-max-len") {
		cfg.Target.CrashInfoMaxLen = crashInfoMaxLen
	}

	if set("duration") {
		cfg.Engine.Duration = time.Duration(durationSec) * time.Second
	}
	if set("havoc-iterations") {
		cfg.Engine.HavocIterations = havocIterations
	}
	if set("max-exec-rate") {
		cfg.Engine.MaxExecRate = maxExecRate
	}
	if set("log-interval") {
		cfg.Engine.LogInterval = time.Duration(logIntervalSec * float64(time.Second))
	}

	if set("dictionary") {
		cfg.Mutator.DictionaryPath = dictionaryPath
	}

	if set("seed-sort-strategy") {
		cfg.Scheduler.Strategy = model.SchedulerStrategy(sortStrategy)
	}
	if set("max-seeds") {
		cfg.Scheduler.MaxSeeds = maxSeeds
	}
	if set("max-seeds-memory") {
		cfg.Scheduler.MaxSeedsMemoryMB = maxSeedsMemMB
	}

	if set("checkpoint-path") {
		cfg.Checkpoint.Path = checkpointPath
	}
	if set("resume-from") {
		cfg.Checkpoint.ResumeFrom = resumeFrom
	}

	if set("dashboard") {
		cfg.Telemetry.EnableDashboard = enableDashboard
	}
	if set("dashboard-addr") {
		cfg.Telemetry.DashboardAddr = dashboardAddr
	}
}
