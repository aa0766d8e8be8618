package main

import (
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxfuzzer/edgefuzz/internal/config"
)

func newTestFlagSet() *cobra.Command {
	cmd := &cobra.Command{Use: "edgefuzz"}
	f := cmd.Flags()
	f.StringVar(&targetPath, "target", "", "")
	f.StringVar(&targetArgs, "args", "", "")
	f.StringVar(&seedDir, "seeds", "", "")
	f.StringVar(&outputDir, "output", "", "")
	f.Float64Var(&timeoutSec, "timeout", 5, "")
	f.IntVar(&memLimitMB, "mem-limit", 0, "")
	f.StringVar(&sortStrategy, "seed-sort-strategy", "energy", "")
	return cmd
}

func TestApplyFlags_OnlySetFlagsOverrideConfig(t *testing.T) {
	cmd := newTestFlagSet()
	if err := cmd.ParseFlags([]string{"--target", "/bin/cat", "--timeout", "2.5"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Target.SeedDir = "/tmp/seeds-from-yaml"

	applyFlags(cfg, cmd.Flags())

	if cfg.Target.Path != "/bin/cat" {
		t.Fatalf("expected --target to override config, got %q", cfg.Target.Path)
	}
	if cfg.Target.Timeout != 2500*time.Millisecond {
		t.Fatalf("expected --timeout to override config, got %v", cfg.Target.Timeout)
	}
	if cfg.Target.SeedDir != "/tmp/seeds-from-yaml" {
		t.Fatalf("expected an unset flag to leave the config-file value alone, got %q", cfg.Target.SeedDir)
	}
}
