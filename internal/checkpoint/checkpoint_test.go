package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fluxfuzzer/edgefuzz/pkg/model"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	virgin := model.NewVirginBitmap(64)
	encoded, err := EncodeBitmap(virgin)
	if err != nil {
		t.Fatalf("EncodeBitmap: %v", err)
	}

	doc := Document{
		Reason: ReasonPause,
		Target: Target{
			ID:        "tgt-1",
			Path:      "/bin/cat",
			Args:      "cat @@",
			SeedDir:   "/tmp/seeds",
			OutputDir: dir,
		},
		Config: json.RawMessage(`{"k":"v"}`),
		Runtime: Runtime{
			StartTime:        time.Now().Add(-time.Hour),
			LastSnapshotTime: time.Now(),
			LastExecCount:    1234,
			LastCoverage:     10,
		},
		Monitor: MonitorState{
			Stats:       model.MonitorStats{TotalExecs: 1234, TotalCrashes: 2},
			VirginBits:  encoded,
			VirginCrash: encoded,
			VirginTmout: encoded,
		},
		Scheduler: SchedulerState{
			Strategy: model.StrategyEnergy,
			Seeds: []SeedState{
				EncodeSeed(&model.Seed{Data: []byte("seed-a"), ExecCount: 3, CoverageBits: 5, ExecTime: time.Millisecond, Energy: 42}),
			},
		},
	}

	if err := Save(dir, doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(filepath.Join(dir, "checkpoints", "checkpoint.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Target.ID != "tgt-1" || loaded.Target.Path != "/bin/cat" {
		t.Fatalf("target identity not preserved: %+v", loaded.Target)
	}
	if loaded.Version != FormatVersion {
		t.Fatalf("expected version %q, got %q", FormatVersion, loaded.Version)
	}
	if loaded.Monitor.Stats.TotalExecs != 1234 {
		t.Fatalf("expected monitor stats preserved, got %+v", loaded.Monitor.Stats)
	}
	if len(loaded.Scheduler.Seeds) != 1 {
		t.Fatalf("expected one seed, got %d", len(loaded.Scheduler.Seeds))
	}

	gotVirgin, err := DecodeBitmap(loaded.Monitor.VirginBits)
	if err != nil {
		t.Fatalf("DecodeBitmap: %v", err)
	}
	if len(gotVirgin) != 64 || gotVirgin[0] != 0xFF {
		t.Fatalf("expected round-tripped virgin bitmap, got %v", gotVirgin)
	}

	seed, err := DecodeSeed(loaded.Scheduler.Seeds[0])
	if err != nil {
		t.Fatalf("DecodeSeed: %v", err)
	}
	if string(seed.Data) != "seed-a" || seed.ExecCount != 3 {
		t.Fatalf("seed round trip mismatch: %+v", seed)
	}
}

func TestSave_TopLevelKeyLayout(t *testing.T) {
	dir := t.TempDir()

	doc := Document{
		Reason: ReasonManual,
		Target: Target{
			ID:        "tgt-layout",
			Path:      "/bin/cat",
			Args:      "cat @@",
			SeedDir:   "/tmp/seeds",
			OutputDir: dir,
		},
		Config: json.RawMessage(`{}`),
	}
	if err := Save(dir, doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "checkpoints", "checkpoint.json"))
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{
		"version", "reason", "target_id", "target_path", "target_args",
		"seed_dir", "output_dir", "timestamp", "config", "runtime",
		"monitor", "scheduler",
	} {
		if _, ok := m[key]; !ok {
			t.Fatalf("expected top-level key %q in checkpoint.json, have %v", key, keys(m))
		}
	}
}

func keys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestLoad_MissingVersionFieldRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")
	writeRaw(t, path, `{"reason":"pause"}`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for checkpoint with no version field")
	}
}

func TestLoad_IncompatibleMajorVersionRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")
	writeRaw(t, path, `{"version":"99.0.0","reason":"pause"}`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for incompatible major version")
	}
}

func TestLoad_NonexistentFile(t *testing.T) {
	if _, err := Load("/nonexistent/checkpoint.json"); err == nil {
		t.Fatalf("expected error for missing checkpoint file")
	}
}

func TestRebaseStartTime_PreservesElapsed(t *testing.T) {
	oldStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	oldSnapshot := oldStart.Add(30 * time.Minute)
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	newStart := RebaseStartTime(oldStart, oldSnapshot, now)
	if now.Sub(newStart) != 30*time.Minute {
		t.Fatalf("expected elapsed-since-start of 30m preserved, got %v", now.Sub(newStart))
	}
}

func writeRaw(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
