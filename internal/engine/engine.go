// Package engine drives the main fuzzing loop: pop a seed, mutate it
// energy_uses times, execute each mutant, hand results to the Monitor,
// and feed interesting mutants back to the Scheduler. It is the only
// place in the repository allowed to own goroutines beyond the target
// process itself (signal handling, the live corpus watch, telemetry).
package engine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/fluxfuzzer/edgefuzz/internal/checkpoint"
	"github.com/fluxfuzzer/edgefuzz/internal/config"
	"github.com/fluxfuzzer/edgefuzz/internal/executor"
	"github.com/fluxfuzzer/edgefuzz/internal/monitor"
	"github.com/fluxfuzzer/edgefuzz/internal/mutator"
	"github.com/fluxfuzzer/edgefuzz/internal/scheduler"
	"github.com/fluxfuzzer/edgefuzz/internal/telemetry"
	"github.com/fluxfuzzer/edgefuzz/pkg/model"
)

// Bounds on how many mutants are spent per popped seed before the next
// selection.
const (
	minEnergyUses = 1
	maxEnergyUses = 16
)

// Engine owns every component for one fuzzing run and is single-threaded
// by design: nothing here needs a mutex except the
// pause/terminate flags, which are written only from signal handlers and
// read only from the loop.
type Engine struct {
	cfg *config.Config

	exec      *executor.Executor
	mon       *monitor.Monitor
	sched     *scheduler.Scheduler
	mutStack  *mutator.Stack
	recorder  *telemetry.Recorder
	dashboard *telemetry.Dashboard
	limiter   *rate.Limiter

	// corpusEvents carries file paths from the fsnotify goroutine to the
	// main loop, which does all execution and scheduler mutation itself;
	// the watcher goroutine never touches engine state directly.
	watcher      *fsnotify.Watcher
	corpusEvents chan string

	pauseRequested atomic.Bool
	forceExit      atomic.Bool
	sigintCount    atomic.Int32
	sigtermSeen    atomic.Bool

	execID                int64
	startTime             time.Time
	lastSnapshot          time.Time
	lastCheckpoint        time.Time
	resumedFromCheckpoint bool
	logger                *log.Logger
}

// New builds an Engine from a validated Config. It does not start
// fuzzing; call Run.
func New(cfg *config.Config) (*Engine, error) {
	exec, err := executor.New(executor.Config{
		TargetPath:   cfg.Target.Path,
		ArgsTemplate: cfg.Target.Args,
		Timeout:      cfg.Target.Timeout,
		MemLimitMB:   cfg.Target.MemLimitMB,
		UseCoverage:  true,
		BitmapSize:   cfg.Target.BitmapSize,
		StderrMaxLen: cfg.Target.StderrMaxLen,
		UseSandbox:   cfg.Target.UseSandbox,
		TargetID:     cfg.Target.TargetID,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: executor: %w", err)
	}

	mon, err := monitor.New(monitor.Config{
		OutputDir:       cfg.Target.OutputDir,
		BitmapSize:      cfg.Target.BitmapSize,
		StderrMaxLen:    cfg.Target.StderrMaxLen,
		CrashInfoMaxLen: cfg.Target.CrashInfoMaxLen,
	})
	if err != nil {
		exec.Cleanup()
		return nil, fmt.Errorf("engine: monitor: %w", err)
	}

	sched := scheduler.New(cfg.Scheduler.Strategy)
	sched.SetCapacity(cfg.Scheduler.MaxSeeds, cfg.Scheduler.MaxSeedsMemoryMB<<20)

	mutStack := mutator.NewStack()
	mutStack.SetPeerSource(func() ([]byte, bool) {
		seeds := sched.Seeds()
		if len(seeds) == 0 {
			return nil, false
		}
		idx := secureRandomIndex(len(seeds))
		return seeds[idx].Data, true
	})
	if cfg.Mutator.DictionaryPath != "" {
		tokens, err := loadDictionary(cfg.Mutator.DictionaryPath)
		if err != nil {
			exec.Cleanup()
			return nil, fmt.Errorf("engine: dictionary: %w", err)
		}
		mutStack.SetTokens(tokens)
	}

	recorder, err := telemetry.NewRecorder(cfg.Target.OutputDir)
	if err != nil {
		exec.Cleanup()
		return nil, fmt.Errorf("engine: telemetry: %w", err)
	}

	var dashboard *telemetry.Dashboard
	if cfg.Telemetry.EnableDashboard {
		dashboard = telemetry.NewDashboard()
		recorder.AttachDashboard(dashboard)
	}

	var limiter *rate.Limiter
	if cfg.Engine.MaxExecRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Engine.MaxExecRate), 1)
	}

	e := &Engine{
		cfg:       cfg,
		exec:      exec,
		mon:       mon,
		sched:     sched,
		mutStack:  mutStack,
		recorder:  recorder,
		dashboard: dashboard,
		limiter:   limiter,
		logger:    log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
	return e, nil
}

// loadDictionary reads a newline-delimited token file for the Havoc
// stack's optional dictionary-assisted insert operator.
func loadDictionary(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tokens [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				tokens = append(tokens, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		tokens = append(tokens, data[start:])
	}
	return tokens, nil
}

// Resume rebuilds an Engine from a checkpoint file instead of a fresh
// Config. A load failure here must never silently fall back to a fresh
// run — callers under --resume-from treat any returned error as fatal.
func Resume(cfg *config.Config, checkpointPath string) (*Engine, error) {
	doc, err := checkpoint.Load(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("engine: resume: %w", err)
	}

	// The checkpoint's own target identity takes precedence over the
	// fresh config's, since it's what the paused run was actually fuzzing.
	cfg.Target.TargetID = doc.Target.ID
	cfg.Target.Path = doc.Target.Path
	cfg.Target.Args = doc.Target.Args
	cfg.Target.SeedDir = doc.Target.SeedDir
	cfg.Target.OutputDir = doc.Target.OutputDir
	cfg.Scheduler.Strategy = doc.Scheduler.Strategy

	e, err := New(cfg)
	if err != nil {
		return nil, err
	}

	bits, err := checkpoint.DecodeBitmap(doc.Monitor.VirginBits)
	if err != nil {
		e.exec.Cleanup()
		return nil, fmt.Errorf("engine: resume: decode virgin_bits: %w", err)
	}
	crash, err := checkpoint.DecodeBitmap(doc.Monitor.VirginCrash)
	if err != nil {
		e.exec.Cleanup()
		return nil, fmt.Errorf("engine: resume: decode virgin_crash: %w", err)
	}
	tmout, err := checkpoint.DecodeBitmap(doc.Monitor.VirginTmout)
	if err != nil {
		e.exec.Cleanup()
		return nil, fmt.Errorf("engine: resume: decode virgin_tmout: %w", err)
	}
	e.mon.Restore(doc.Monitor.Stats, bits, crash, tmout)

	// Seeds are re-inserted through the Scheduler's normal push path so
	// its invariants (memory, ordering) re-establish themselves; the
	// stored Energy value itself is not trusted.
	for _, ss := range doc.Scheduler.Seeds {
		seed, err := checkpoint.DecodeSeed(ss)
		if err != nil {
			e.logger.Printf("resume: skipping unreadable seed: %v", err)
			continue
		}
		e.sched.Push(seed.Data, seed.CoverageBits, seed.ExecTime)
	}

	now := time.Now()
	e.startTime = checkpoint.RebaseStartTime(doc.Runtime.StartTime, doc.Runtime.LastSnapshotTime, now)
	e.lastSnapshot = now
	e.execID = doc.Runtime.LastExecCount
	e.resumedFromCheckpoint = true

	return e, nil
}

// installSignalHandlers wires SIGINT/SIGTERM to flag-only handlers: a
// handler may only set a flag, never perform I/O or free resources.
func (e *Engine) installSignalHandlers() chan os.Signal {
	sigChan := make(chan os.Signal, 4)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGINT {
				if e.sigintCount.Add(1) > 1 {
					e.forceExit.Store(true)
					continue
				}
			} else {
				e.sigtermSeen.Store(true)
				if e.pauseRequested.Load() {
					e.forceExit.Store(true)
					continue
				}
			}
			e.pauseRequested.Store(true)
		}
	}()
	return sigChan
}

// Run loads the initial corpus, then executes the main loop until the
// wall-clock budget expires, a pause/terminate signal fires, or the
// scheduler runs dry. Every exit except a forced one writes the final
// report; a forced exit returns at once with neither report nor
// checkpoint. Apart from the periodic manual-reason checkpoint, a
// checkpoint is written only on an orderly pause.
func (e *Engine) Run() error {
	if !e.resumedFromCheckpoint {
		e.startTime = time.Now()
		e.lastSnapshot = e.startTime
	}

	sigChan := e.installSignalHandlers()
	defer signal.Stop(sigChan)

	if !e.resumedFromCheckpoint {
		if err := e.loadInitialCorpus(); err != nil {
			return fmt.Errorf("engine: initial corpus: %w", err)
		}
	}

	if err := e.startCorpusWatch(); err != nil {
		e.logger.Printf("live corpus watch disabled: %v", err)
	}
	if e.watcher != nil {
		defer e.watcher.Close()
	}

	if e.dashboard != nil {
		go func() {
			if err := e.dashboard.Start(e.cfg.Telemetry.DashboardAddr); err != nil {
				e.logger.Printf("dashboard stopped: %v", err)
			}
		}()
		defer e.dashboard.Stop()
	}

	deadline := time.Time{}
	if e.cfg.Engine.Duration > 0 {
		deadline = e.startTime.Add(e.cfg.Engine.Duration)
	}
	e.lastCheckpoint = time.Now()

	for {
		if e.forceExit.Load() {
			e.logger.Printf("force exit requested, exiting without checkpoint")
			return nil
		}
		if e.pauseRequested.Load() {
			reason := checkpoint.ReasonPause
			if e.sigtermSeen.Load() {
				reason = checkpoint.ReasonSigterm
			}
			e.logger.Printf("pause requested, saving checkpoint (%s)", reason)
			return e.saveCheckpointAndFinish(reason)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}

		e.drainCorpusEvents()
		e.maybeCheckpoint()

		seed := e.sched.Pop()
		if seed == nil {
			break
		}

		energyUses := int(seed.Energy)
		if energyUses < minEnergyUses {
			energyUses = minEnergyUses
		}
		if energyUses > maxEnergyUses {
			energyUses = maxEnergyUses
		}

		for i := 0; i < energyUses; i++ {
			if e.pauseRequested.Load() || e.forceExit.Load() {
				break
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				break
			}
			e.runOneMutation(seed)
			e.maybeSnapshot()
		}
	}

	return e.finish()
}

func (e *Engine) runOneMutation(seed *model.Seed) {
	if e.limiter != nil {
		_ = e.limiter.Wait(context.Background())
	}

	mutant := e.mutStack.Havoc(seed.Data, e.cfg.Engine.HavocIterations)
	if max := e.cfg.Target.MaxSeedSize; max > 0 && len(mutant) > max {
		mutant = mutant[:max]
	}
	e.execID++

	result := e.exec.Execute(mutant)
	interesting := e.mon.Process(e.execID, mutant, result)

	// Every interesting result goes back into the corpus, crashes and
	// hangs included: inputs that reach crashing edges are often one
	// mutation away from reaching new non-crashing ones.
	if interesting {
		e.sched.Push(mutant, result.Coverage.CountSetBits(), result.ExecTime)
	}
}

func (e *Engine) maybeSnapshot() {
	if time.Since(e.lastSnapshot) < e.cfg.Engine.LogInterval {
		return
	}
	e.emitSnapshot()
	e.lastSnapshot = time.Now()
}

func (e *Engine) emitSnapshot() {
	elapsed := time.Since(e.startTime).Seconds()
	stats := e.mon.Stats()
	execRate := 0.0
	if elapsed > 0 {
		execRate = float64(stats.TotalExecs) / elapsed
	}
	e.recorder.RecordSnapshot(telemetry.Snapshot{
		Timestamp:    time.Now(),
		ElapsedSec:   elapsed,
		TotalExecs:   stats.TotalExecs,
		ExecRate:     execRate,
		TotalCrashes: stats.TotalCrashes,
		SavedCrashes: stats.SavedCrashes,
		TotalHangs:   stats.TotalHangs,
		SavedHangs:   stats.SavedHangs,
		Coverage:     stats.TotalCoverageBits,
	})
}

func (e *Engine) finish() error {
	e.emitSnapshot()

	elapsed := time.Since(e.startTime).Seconds()
	stats := e.mon.Stats()
	execRate := 0.0
	if elapsed > 0 {
		execRate = float64(stats.TotalExecs) / elapsed
	}

	report := telemetry.FinalReport{
		TargetID:          e.exec.TargetID(),
		TargetPath:        e.cfg.Target.Path,
		DurationSec:       elapsed,
		TotalExecs:        stats.TotalExecs,
		TotalCrashes:      stats.TotalCrashes,
		TotalHangs:        stats.TotalHangs,
		SavedCrashes:      stats.SavedCrashes,
		SavedHangs:        stats.SavedHangs,
		TotalCoverageBits: stats.TotalCoverageBits,
		TotalSeeds:        e.sched.Len(),
		ExecRate:          execRate,
	}
	if err := e.recorder.WriteFinalReport(report); err != nil {
		e.logger.Printf("failed to write final report: %v", err)
	}
	return e.recorder.Close()
}

// loadInitialCorpus walks the seed directory, executes each file once to
// seed the virgin bitmaps, and pushes it unconditionally onto the
// Scheduler. Symlinks to files are followed; symlinks to directories are
// skipped, not descended into. An empty or absent directory seeds a
// single empty input instead.
func (e *Engine) loadInitialCorpus() error {
	var files []string
	err := filepath.WalkDir(e.cfg.Target.SeedDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.Type()&os.ModeSymlink != 0 {
			info, statErr := os.Stat(path)
			if statErr != nil || info.IsDir() {
				return nil
			}
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(files) == 0 {
		e.seedOne([]byte{})
		return nil
	}

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			e.logger.Printf("skipping unreadable seed %s: %v", f, err)
			continue
		}
		e.seedOne(data)
	}
	return nil
}

func (e *Engine) seedOne(data []byte) {
	e.execID++
	result := e.exec.Execute(data)
	e.mon.Process(e.execID, data, result)
	coverageBits := 0
	if result.Coverage != nil {
		coverageBits = result.Coverage.CountSetBits()
	}
	e.sched.Push(data, coverageBits, result.ExecTime)
}

// startCorpusWatch wires live corpus ingestion: new files
// dropped into the seed directory while a campaign runs are picked up,
// executed once, and pushed through the normal Scheduler.Push path when
// the Monitor finds them interesting. The watcher goroutine
// only forwards paths; the main loop does the execution, keeping the
// engine single-threaded over the executor, monitor and scheduler.
func (e *Engine) startCorpusWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(e.cfg.Target.SeedDir); err != nil {
		w.Close()
		return err
	}
	e.watcher = w
	e.corpusEvents = make(chan string, 64)

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				select {
				case e.corpusEvents <- ev.Name:
				default:
					// Queue full; the file stays on disk and an operator
					// re-touching it will enqueue it again.
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// drainCorpusEvents runs, on the engine's own goroutine, every seed file
// the watcher has reported since the last loop iteration.
func (e *Engine) drainCorpusEvents() {
	if e.corpusEvents == nil {
		return
	}
	for {
		select {
		case path := <-e.corpusEvents:
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			e.execID++
			result := e.exec.Execute(data)
			interesting := e.mon.Process(e.execID, data, result)
			if interesting {
				e.sched.Push(data, result.Coverage.CountSetBits(), result.ExecTime)
			}
		default:
			return
		}
	}
}

// maybeCheckpoint writes a manual-reason checkpoint every
// Checkpoint.Interval, so a crash of the fuzzer host itself loses at most
// one interval of progress. Failures are logged and the run continues.
func (e *Engine) maybeCheckpoint() {
	iv := e.cfg.Checkpoint.Interval
	if iv <= 0 || time.Since(e.lastCheckpoint) < iv {
		return
	}
	e.lastCheckpoint = time.Now()

	doc, err := e.buildCheckpoint(checkpoint.ReasonManual)
	if err != nil {
		e.logger.Printf("periodic checkpoint build failed: %v", err)
		return
	}
	if err := e.writeCheckpoint(doc); err != nil {
		e.logger.Printf("periodic checkpoint save failed: %v", err)
	}
}

func (e *Engine) buildCheckpoint(reason checkpoint.Reason) (checkpoint.Document, error) {
	stats := e.mon.Stats()
	schedStats := e.sched.Stats()

	cfgJSON, err := marshalConfig(e.cfg)
	if err != nil {
		return checkpoint.Document{}, fmt.Errorf("config marshal: %w", err)
	}

	seeds := e.sched.Seeds()
	seedStates := make([]checkpoint.SeedState, len(seeds))
	for i, s := range seeds {
		seedStates[i] = checkpoint.EncodeSeed(s)
	}

	bits, crash, tmout := e.mon.VirginBitmaps()
	encBits, err1 := checkpoint.EncodeBitmap(bits)
	encCrash, err2 := checkpoint.EncodeBitmap(crash)
	encTmout, err3 := checkpoint.EncodeBitmap(tmout)
	if err1 != nil || err2 != nil || err3 != nil {
		return checkpoint.Document{}, fmt.Errorf("bitmap encode: %v / %v / %v", err1, err2, err3)
	}

	return checkpoint.Document{
		Reason: reason,
		Target: checkpoint.Target{
			ID:        e.exec.TargetID(),
			Path:      e.cfg.Target.Path,
			Args:      e.cfg.Target.Args,
			SeedDir:   e.cfg.Target.SeedDir,
			OutputDir: e.cfg.Target.OutputDir,
		},
		Config: cfgJSON,
		Runtime: checkpoint.Runtime{
			StartTime:        e.startTime,
			LastSnapshotTime: e.lastSnapshot,
			LastExecCount:    e.execID,
			LastCoverage:     stats.TotalCoverageBits,
		},
		Monitor: checkpoint.MonitorState{
			Stats:       stats,
			VirginBits:  encBits,
			VirginCrash: encCrash,
			VirginTmout: encTmout,
		},
		Scheduler: checkpoint.SchedulerState{
			Strategy:        e.cfg.Scheduler.Strategy,
			TotalExecTimeNs: schedStats.TotalExecTime.Nanoseconds(),
			TotalCoverage:   schedStats.TotalCoverage,
			TotalMemory:     schedStats.TotalMemory,
			Seeds:           seedStates,
		},
	}, nil
}

func (e *Engine) saveCheckpointAndFinish(reason checkpoint.Reason) error {
	doc, err := e.buildCheckpoint(reason)
	if err != nil {
		// CheckpointError on save: log, exit without checkpoint.
		e.logger.Printf("checkpoint build failed: %v", err)
		return e.finish()
	}
	if err := e.writeCheckpoint(doc); err != nil {
		e.logger.Printf("checkpoint save failed: %v", err)
	}
	return e.finish()
}

func marshalConfig(cfg *config.Config) ([]byte, error) {
	return json.Marshal(cfg)
}

// writeCheckpoint honors an operator-supplied --checkpoint-path, falling
// back to the default <output>/checkpoints/checkpoint.json layout.
func (e *Engine) writeCheckpoint(doc checkpoint.Document) error {
	if e.cfg.Checkpoint.Path == "" {
		return checkpoint.Save(e.cfg.Target.OutputDir, doc)
	}
	if err := os.MkdirAll(filepath.Dir(e.cfg.Checkpoint.Path), 0755); err != nil {
		return fmt.Errorf("engine: create checkpoint dir: %w", err)
	}
	return checkpoint.SaveAs(e.cfg.Checkpoint.Path, doc)
}

// secureRandomIndex returns a uniformly random index in [0, n) using
// crypto/rand, matching the havoc stack's own secureRandomInt helper so
// splice peer selection never depends on a predictable PRNG.
func secureRandomIndex(n int) int {
	if n <= 1 {
		return 0
	}
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return int(binary.BigEndian.Uint64(buf[:]) % uint64(n))
}
