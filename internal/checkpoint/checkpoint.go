// Package checkpoint saves and restores a fuzzing run's full state to a
// single versioned JSON document, so a run can be paused and resumed
// without losing coverage progress or corpus energy state.
package checkpoint

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"

	"github.com/fluxfuzzer/edgefuzz/pkg/model"
)

// FormatVersion is the checkpoint schema version written by this build.
// Major-version mismatches refuse to load; an older minor version warns
// and falls back to zero-valued defaults for missing fields.
const FormatVersion = "1.0.0"

// Reason records why a checkpoint was written.
type Reason string

const (
	ReasonPause   Reason = "pause"
	ReasonSigterm Reason = "sigterm"
	ReasonManual  Reason = "manual"
)

// Target identifies the fuzzed binary and its invocation.
type Target struct {
	ID        string `json:"target_id"`
	Path      string `json:"target_path"`
	Args      string `json:"target_args"`
	SeedDir   string `json:"seed_dir"`
	OutputDir string `json:"output_dir"`
}

// Runtime is the engine's wall-clock bookkeeping, rebased on load so that
// elapsed-since-start survives a pause/resume cycle.
type Runtime struct {
	StartTime        time.Time `json:"start_time"`
	LastSnapshotTime time.Time `json:"last_snapshot_time"`
	LastExecCount    int64     `json:"last_exec_count"`
	LastCoverage     int       `json:"last_coverage"`
}

// MonitorState is the Monitor's counters plus its three virgin bitmaps,
// each gzip-compressed and then base64-encoded.
type MonitorState struct {
	Stats       model.MonitorStats `json:"stats"`
	VirginBits  string             `json:"virgin_bits"`
	VirginCrash string             `json:"virgin_crash"`
	VirginTmout string             `json:"virgin_tmout"`
}

// SeedState mirrors model.Seed for serialization; Data is base64-encoded.
type SeedState struct {
	Data         string  `json:"data"`
	ExecCount    int     `json:"exec_count"`
	CoverageBits int     `json:"coverage_bits"`
	ExecTimeNs   int64   `json:"exec_time_ns"`
	Energy       float64 `json:"energy"`
}

// SchedulerState is the Scheduler's aggregate plus its owned seed list.
type SchedulerState struct {
	Strategy        model.SchedulerStrategy `json:"strategy"`
	TotalExecTimeNs int64                   `json:"total_exec_time_ns"`
	TotalCoverage   int                     `json:"total_coverage"`
	TotalMemory     int                     `json:"total_memory"`
	Seeds           []SeedState             `json:"seeds"`
}

// Document is the full checkpoint.json payload. Target is embedded so its
// identity fields (target_id, target_path, target_args, seed_dir,
// output_dir) land at the document's top level alongside version and
// reason.
type Document struct {
	Version string `json:"version"`
	Reason  Reason `json:"reason"`
	Target
	Timestamp time.Time       `json:"timestamp"`
	Config    json.RawMessage `json:"config"`
	Runtime   Runtime         `json:"runtime"`
	Monitor   MonitorState    `json:"monitor"`
	Scheduler SchedulerState  `json:"scheduler"`
}

// Save writes doc to <dir>/checkpoints/checkpoint.json. CheckpointError
// policy: a save failure is logged by the caller and the run continues
// without a checkpoint — Save itself only reports the error, it never
// exits the process.
func Save(dir string, doc Document) error {
	checkpointDir := filepath.Join(dir, "checkpoints")
	if err := os.MkdirAll(checkpointDir, 0755); err != nil {
		return fmt.Errorf("checkpoint: create dir: %w", err)
	}
	return SaveAs(filepath.Join(checkpointDir, "checkpoint.json"), doc)
}

// SaveAs writes doc to an explicit file path, honoring the operator's
// --checkpoint-path override instead of the default
// <output>/checkpoints/checkpoint.json location. The parent directory
// must already exist.
func SaveAs(path string, doc Document) error {
	doc.Version = FormatVersion
	doc.Timestamp = time.Now()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	return nil
}

// Load reads and validates a checkpoint.json. A load failure must never
// silently fall back to a fresh run: the caller is expected to treat any
// non-nil error here as fatal under --resume-from.
func Load(path string) (Document, error) {
	var doc Document

	data, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}

	// Peek the version field before paying for a full decode, so a
	// corrupt-but-readable file fails fast with a clear diagnostic.
	versionField := gjson.GetBytes(data, "version")
	if !versionField.Exists() {
		return doc, fmt.Errorf("checkpoint: %s has no version field", path)
	}
	if err := checkVersionCompat(versionField.String()); err != nil {
		return doc, err
	}

	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}
	return doc, nil
}

// checkVersionCompat refuses an unknown-major-version checkpoint outright
// and accepts any minor/patch difference (the caller fills zero-valued
// fields with its own defaults, since encoding/json already does that).
func checkVersionCompat(fileVersion string) error {
	current, err := semver.NewVersion(FormatVersion)
	if err != nil {
		return fmt.Errorf("checkpoint: invalid build version %q: %w", FormatVersion, err)
	}
	fv, err := semver.NewVersion(fileVersion)
	if err != nil {
		return fmt.Errorf("checkpoint: invalid checkpoint version %q: %w", fileVersion, err)
	}
	if fv.Major() != current.Major() {
		return fmt.Errorf("checkpoint: incompatible major version %d (this build is %d)", fv.Major(), current.Major())
	}
	if fv.Minor() < current.Minor() {
		fmt.Fprintf(os.Stderr, "[checkpoint] loading older format %s with build %s; missing fields fall back to defaults\n", fileVersion, FormatVersion)
	}
	return nil
}

// EncodeBitmap gzip-compresses then base64-encodes a virgin bitmap for
// embedding in the checkpoint document. A 65536-byte bitmap that is
// mostly 0xFF (the virgin-bitmap default) compresses well, which keeps
// checkpoint.json from ballooning when coverage is enabled.
func EncodeBitmap(b model.Bitmap) (string, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return "", fmt.Errorf("checkpoint: gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("checkpoint: gzip close: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeBitmap reverses EncodeBitmap.
func DecodeBitmap(s string) (model.Bitmap, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: decode bitmap: %w", err)
	}
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: gzip read: %w", err)
	}
	return model.Bitmap(out), nil
}

// EncodeSeed converts a live seed into its serializable form.
func EncodeSeed(s *model.Seed) SeedState {
	return SeedState{
		Data:         base64.StdEncoding.EncodeToString(s.Data),
		ExecCount:    s.ExecCount,
		CoverageBits: s.CoverageBits,
		ExecTimeNs:   s.ExecTime.Nanoseconds(),
		Energy:       s.Energy,
	}
}

// DecodeSeed reverses EncodeSeed. The returned seed has its Energy field
// populated from the checkpoint, but callers should re-insert it through
// the Scheduler's normal Push path (which recomputes Energy) rather than
// trust the stored value.
func DecodeSeed(s SeedState) (*model.Seed, error) {
	data, err := base64.StdEncoding.DecodeString(s.Data)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: decode seed data: %w", err)
	}
	return &model.Seed{
		Data:         data,
		ExecCount:    s.ExecCount,
		CoverageBits: s.CoverageBits,
		ExecTime:     time.Duration(s.ExecTimeNs),
		Energy:       s.Energy,
	}, nil
}

// RebaseStartTime preserves elapsed-since-start across a pause/resume
// cycle: new_start = now - (old_last_snapshot - old_start). Restoring
// the absolute start time verbatim would make elapsed time jump by the
// length of the pause.
func RebaseStartTime(oldStart, oldLastSnapshot, now time.Time) time.Time {
	elapsed := oldLastSnapshot.Sub(oldStart)
	return now.Add(-elapsed)
}
