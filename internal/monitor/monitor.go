// Package monitor classifies execution results against AFL-style virgin
// bitmaps, deduplicates crashes and hangs, and persists artifacts to the
// output directory tree.
package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"github.com/fluxfuzzer/edgefuzz/pkg/model"
)

// Monitor owns the virgin bitmaps and running counters for one fuzzing
// run. It is single-threaded by contract: the engine never calls into it
// concurrently, so no internal locking is required.
type Monitor struct {
	outputDir string

	virginBits  model.Bitmap
	virginCrash model.Bitmap
	virginTmout model.Bitmap

	seenCrashHashes map[string]struct{}
	seenHangHashes  map[string]struct{}

	stderrMaxLen    int
	crashInfoMaxLen int

	stats model.MonitorStats
}

// Config controls artifact truncation lengths and bitmap sizing.
type Config struct {
	OutputDir       string
	BitmapSize      int
	StderrMaxLen    int
	CrashInfoMaxLen int
}

// New creates the crashes/, hangs/ and queue/ subdirectories under
// OutputDir and allocates the three virgin bitmaps.
func New(cfg Config) (*Monitor, error) {
	size := cfg.BitmapSize
	if size <= 0 {
		size = model.DefaultBitmapSize
	}

	for _, sub := range []string{"crashes", "hangs", "queue"} {
		if err := os.MkdirAll(filepath.Join(cfg.OutputDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("monitor: create %s dir: %w", sub, err)
		}
	}

	return &Monitor{
		outputDir:       cfg.OutputDir,
		virginBits:      model.NewVirginBitmap(size),
		virginCrash:     model.NewVirginBitmap(size),
		virginTmout:     model.NewVirginBitmap(size),
		seenCrashHashes: make(map[string]struct{}),
		seenHangHashes:  make(map[string]struct{}),
		stderrMaxLen:    cfg.StderrMaxLen,
		crashInfoMaxLen: cfg.CrashInfoMaxLen,
	}, nil
}

// Stats returns a snapshot of the running counters.
func (m *Monitor) Stats() model.MonitorStats {
	return m.stats
}

// VirginBitmaps returns the three virgin bitmaps (coverage, crash, hang)
// for checkpointing. All three must exist whenever coverage is enabled,
// so New always allocates all three unconditionally.
func (m *Monitor) VirginBitmaps() (bits, crash, tmout model.Bitmap) {
	return m.virginBits, m.virginCrash, m.virginTmout
}

// Restore replaces the virgin bitmaps and counters with values loaded
// from a checkpoint. total_coverage_bits is recomputed from the restored
// virginBits bitmap rather than trusted.
func (m *Monitor) Restore(stats model.MonitorStats, bits, crash, tmout model.Bitmap) {
	if bits != nil {
		m.virginBits = bits
	}
	if crash != nil {
		m.virginCrash = crash
	}
	if tmout != nil {
		m.virginTmout = tmout
	}
	m.stats = stats
	total := 0
	for _, b := range m.virginBits {
		total += popcount(0xFF ^ b)
	}
	m.stats.TotalCoverageBits = total
}

// HasNewBits is both the discriminator and the updater for one trace
// against one virgin bitmap: for each byte i where trace[i] != 0 and
// virgin[i] & trace[i] != 0, it marks "new" and clears those bits from
// virgin[i]. Callers must not invoke it twice on the same trace, since
// the second call would always report false.
func HasNewBits(trace, virgin model.Bitmap) bool {
	newBits := false
	n := len(trace)
	if len(virgin) < n {
		n = len(virgin)
	}
	for i := 0; i < n; i++ {
		if trace[i] != 0 && virgin[i]&trace[i] != 0 {
			newBits = true
			virgin[i] &^= trace[i]
		}
	}
	return newBits
}

// SimplifyTrace collapses a raw hit-count bitmap into the crash/hang
// dedup representation: hit counts 0 and 1 map to 1, higher counts
// collapse to 128. Mapping 1 to itself makes the function idempotent —
// re-simplifying an already-simplified trace is a no-op.
func SimplifyTrace(coverage model.Bitmap) model.Bitmap {
	out := make(model.Bitmap, len(coverage))
	for i, b := range coverage {
		switch b {
		case 0, 1:
			out[i] = 1
		default:
			out[i] = 128
		}
	}
	return out
}

// crashHash returns the 64-bit BLAKE2b hash used when no coverage bitmap
// is available to dedup against: of stderr, or of the input if stderr is
// empty.
func crashHash(stderr, input []byte) string {
	data := stderr
	if len(data) == 0 {
		data = input
	}
	h, _ := blake2b.New(8, nil)
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Process classifies one execution result and persists artifacts as
// needed. Precedence: crash dominates timeout dominates new-coverage
// dominates not-interesting — a single call updates at most one
// classification, matching the mutual exclusivity of Crashed/TimedOut on
// ExecResult.
func (m *Monitor) Process(execID int64, input []byte, result model.ExecResult) bool {
	m.stats.TotalExecs++

	switch {
	case result.Crashed:
		return m.handleCrash(execID, input, result)
	case result.TimedOut:
		return m.handleHang(execID, input, result)
	default:
		if result.Coverage != nil {
			return m.handleCoverage(execID, input, result.Coverage)
		}
	}
	return false
}

func (m *Monitor) handleCrash(execID int64, input []byte, result model.ExecResult) bool {
	m.stats.TotalCrashes++

	var isNew bool
	if result.Coverage != nil {
		simplified := SimplifyTrace(result.Coverage)
		isNew = HasNewBits(simplified, m.virginCrash)
	} else {
		h := crashHash(result.Stderr, input)
		if _, seen := m.seenCrashHashes[h]; !seen {
			m.seenCrashHashes[h] = struct{}{}
			isNew = true
		}
	}
	if !isNew {
		return false
	}

	m.stats.SavedCrashes++
	signo := signalFromReturnCode(result.ReturnCode)
	name := fmt.Sprintf("crash_%d_sig%d", execID, signo)
	m.saveArtifact("crashes", name, input, crashInfo{
		ExecID:     execID,
		Signal:     signo,
		ReturnCode: result.ReturnCode,
		ExecTime:   result.ExecTime.Seconds(),
		Stderr:     truncate(string(result.Stderr), m.crashInfoMaxLen),
	})
	return true
}

func (m *Monitor) handleHang(execID int64, input []byte, result model.ExecResult) bool {
	m.stats.TotalHangs++

	var isNew bool
	if result.Coverage != nil {
		simplified := SimplifyTrace(result.Coverage)
		isNew = HasNewBits(simplified, m.virginTmout)
	} else {
		h := crashHash(result.Stderr, input)
		if _, seen := m.seenHangHashes[h]; !seen {
			m.seenHangHashes[h] = struct{}{}
			isNew = true
		}
	}
	if !isNew {
		return false
	}

	m.stats.SavedHangs++
	name := fmt.Sprintf("hang_%d", execID)
	m.saveArtifact("hangs", name, input, hangInfo{
		ExecID:   execID,
		ExecTime: result.ExecTime.Seconds(),
		InputLen: len(input),
	})
	return true
}

func (m *Monitor) handleCoverage(execID int64, input []byte, coverage model.Bitmap) bool {
	if !HasNewBits(coverage, m.virginBits) {
		return false
	}

	total := 0
	for _, b := range m.virginBits {
		total += popcount(0xFF ^ b)
	}
	m.stats.TotalCoverageBits = total
	m.stats.InterestingInputs++

	name := fmt.Sprintf("new_coverage_%d", execID)
	path := filepath.Join(m.outputDir, "queue", name)
	if err := os.WriteFile(path, input, 0644); err != nil {
		// MonitorIOError: log and drop the single artifact; the run continues.
		fmt.Fprintf(os.Stderr, "[Monitor] failed to write queue artifact %s: %v\n", path, err)
	}
	return true
}

type crashInfo struct {
	ExecID     int64   `json:"exec_id"`
	Signal     int     `json:"signal"`
	ReturnCode int     `json:"return_code"`
	ExecTime   float64 `json:"exec_time"`
	Stderr     string  `json:"stderr"`
}

type hangInfo struct {
	ExecID   int64   `json:"exec_id"`
	ExecTime float64 `json:"exec_time"`
	InputLen int     `json:"input_size"`
}

func (m *Monitor) saveArtifact(dir, name string, input []byte, info any) {
	base := filepath.Join(m.outputDir, dir, name)
	if err := os.WriteFile(base, input, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "[Monitor] failed to write %s: %v\n", base, err)
		return
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "[Monitor] failed to encode info for %s: %v\n", base, err)
		return
	}
	if err := os.WriteFile(base+".json", data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "[Monitor] failed to write %s.json: %v\n", base, err)
	}
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

// signalFromReturnCode recovers the AFL-convention signal number from a
// crash's return code: negative means os/exec's "killed by signal N"
// (-N), while the 128+N shell convention is used otherwise.
func signalFromReturnCode(returnCode int) int {
	if returnCode < 0 {
		return -returnCode
	}
	if returnCode >= 128 {
		return returnCode - 128
	}
	return 0
}

func popcount(v byte) int {
	n := 0
	for v != 0 {
		n += int(v & 1)
		v >>= 1
	}
	return n
}
