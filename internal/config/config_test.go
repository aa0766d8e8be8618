package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fluxfuzzer/edgefuzz/pkg/model"
)

func TestDefaultConfig_FailsValidationWithoutRequiredFields(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error on a bare default config")
	}
}

func TestDefaultConfig_PassesOnceRequiredFieldsSet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Target.Path = "/bin/cat"
	cfg.Target.Args = "cat @@"
	cfg.Target.SeedDir = "/tmp/seeds"
	cfg.Target.OutputDir = "/tmp/out"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidate_RejectsUnknownStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Target.Path, cfg.Target.Args, cfg.Target.SeedDir, cfg.Target.OutputDir = "/bin/cat", "cat @@", "s", "o"
	cfg.Scheduler.Strategy = "round-robin"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
}

func TestLoad_MergesYamlOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edgefuzz.yaml")
	yamlBody := `
target:
  path: /bin/cat
  args: "cat @@"
  seed_dir: /tmp/seeds
  output_dir: /tmp/out
  mem_limit_mb: 256
scheduler:
  strategy: fifo
`
	if err := os.WriteFile(path, []byte(yamlBody), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Target.Path != "/bin/cat" || cfg.Target.MemLimitMB != 256 {
		t.Fatalf("expected YAML overrides to apply, got %+v", cfg.Target)
	}
	if cfg.Scheduler.Strategy != model.StrategyFIFO {
		t.Fatalf("expected fifo strategy, got %q", cfg.Scheduler.Strategy)
	}
	// Defaults not present in the YAML must survive the merge.
	if cfg.Target.BitmapSize != model.DefaultBitmapSize {
		t.Fatalf("expected default bitmap size to survive merge, got %d", cfg.Target.BitmapSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.HavocIterations != 16 {
		t.Fatalf("expected default havoc iterations, got %d", cfg.Engine.HavocIterations)
	}
}

func TestLoad_MissingFileIsError(t *testing.T) {
	if _, err := Load("/nonexistent/path/edgefuzz.yaml"); err == nil {
		t.Fatalf("expected error reading a nonexistent config file")
	}
}
