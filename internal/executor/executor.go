// Package executor spawns the fuzz target under a timeout, optional
// memory limit and optional sandbox, and harvests its coverage bitmap
// from shared memory.
package executor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fluxfuzzer/edgefuzz/internal/sandbox"
	"github.com/fluxfuzzer/edgefuzz/internal/shm"
	"github.com/fluxfuzzer/edgefuzz/pkg/model"
)

// Config controls one Executor's behavior. It is immutable after New.
type Config struct {
	TargetPath   string        // absolute path to the target binary
	ArgsTemplate string        // command-line template; "@@" marks the input file
	Timeout      time.Duration // per-execution deadline
	MemLimitMB   int           // RLIMIT_AS in MB; 0 disables the limit
	UseCoverage  bool          // attach an AFL SHM segment
	BitmapSize   int           // SHM segment size, in bytes
	StderrMaxLen int           // captured stderr is truncated to this many bytes

	UseSandbox bool
	SandboxCfg sandbox.Config // only consulted when UseSandbox is true

	TargetID string // operator-supplied identifier; a uuid is generated if empty
}

// Executor runs one target repeatedly against a scratch input file.
type Executor struct {
	cfg        Config
	scratchDir string
	inputFile  string
	shmSeg     *shm.Segment
	targetID   string
}

// New validates the target and configuration and prepares a scratch
// directory (and SHM segment, if coverage is enabled) for repeated
// executions. If sandboxing is requested but unavailable, construction
// fails outright — we never silently degrade to running unsandboxed.
func New(cfg Config) (*Executor, error) {
	absTarget, err := filepath.Abs(cfg.TargetPath)
	if err != nil {
		return nil, fmt.Errorf("executor: resolve target path: %w", err)
	}
	if _, err := os.Stat(absTarget); err != nil {
		return nil, fmt.Errorf("executor: target not found: %w", err)
	}
	cfg.TargetPath = absTarget

	scratchDir, err := os.MkdirTemp("", "edgefuzz_")
	if err != nil {
		return nil, fmt.Errorf("executor: create scratch dir: %w", err)
	}

	id := cfg.TargetID
	if id == "" {
		id = uuid.NewString()
	}

	e := &Executor{
		cfg:        cfg,
		scratchDir: scratchDir,
		inputFile:  filepath.Join(scratchDir, "input"),
		targetID:   id,
	}

	if cfg.UseCoverage {
		size := cfg.BitmapSize
		if size <= 0 {
			size = model.DefaultBitmapSize
		}
		seg, err := shm.New(size)
		if err != nil {
			os.RemoveAll(scratchDir)
			return nil, fmt.Errorf("executor: shm init: %w", err)
		}
		e.shmSeg = seg
	}

	if cfg.UseSandbox {
		sb := cfg.SandboxCfg
		if sb.TargetDir == "" {
			sb.TargetDir = filepath.Dir(absTarget)
		}
		if sb.ScratchDir == "" {
			sb.ScratchDir = scratchDir
		}
		if sb.HelperPath == "" {
			helper, err := sandbox.Find()
			if err != nil {
				e.Cleanup()
				return nil, fmt.Errorf("executor: sandbox requested but unavailable: %w", err)
			}
			sb.HelperPath = helper
		}
		if err := sandbox.Validate(sb); err != nil {
			e.Cleanup()
			return nil, fmt.Errorf("executor: sandbox validation: %w", err)
		}
		e.cfg.SandboxCfg = sb
	}

	return e, nil
}

// TargetID returns this Executor's target identifier — the operator's
// --target-id if one was supplied, otherwise a generated uuid — used to
// namestamp scratch/output artifacts.
func (e *Executor) TargetID() string {
	return e.targetID
}

// buildCommand substitutes the input file path into the argument
// template. The two modes are mutually exclusive: "@@" means file mode;
// without it the template runs unchanged and Execute feeds the scratch
// file on stdin, opening the file itself rather than leaning on shell
// redirection (shell `<` would resolve the path in the sandbox helper's
// mount view, not ours).
func (e *Executor) buildCommand() string {
	if e.fileMode() {
		return strings.ReplaceAll(e.cfg.ArgsTemplate, "@@", e.inputFile)
	}
	return e.cfg.ArgsTemplate
}

func (e *Executor) fileMode() bool {
	return strings.Contains(e.cfg.ArgsTemplate, "@@")
}

// withRlimits wraps a shell command with ulimit directives enforcing the
// configured address-space cap and a zero core-dump limit. Suppressed
// when sandboxing is active, since the limit would otherwise apply to the
// sandbox helper rather than the target.
func (e *Executor) withRlimits(cmd string) string {
	if e.cfg.UseSandbox || e.cfg.MemLimitMB <= 0 {
		return fmt.Sprintf("ulimit -c 0; %s", cmd)
	}
	kb := e.cfg.MemLimitMB * 1024
	return fmt.Sprintf("ulimit -v %d; ulimit -c 0; %s", kb, cmd)
}

// Execute writes input to the scratch file, runs the target once, and
// returns its outcome. It never returns an error: failures are reported
// inside the ExecResult so the fuzzing loop can continue uninterrupted.
func (e *Executor) Execute(input []byte) model.ExecResult {
	if e.shmSeg != nil {
		e.shmSeg.Clear()
	}

	if err := os.WriteFile(e.inputFile, input, 0600); err != nil {
		return model.ExecResult{
			ReturnCode: -1,
			Crashed:    true,
			Stderr:     []byte(fmt.Sprintf("failed to write input: %v", err)),
		}
	}

	shellCmd := e.withRlimits(e.buildCommand())

	var argv []string
	if e.cfg.UseSandbox {
		argv = e.cfg.SandboxCfg.Wrap(shellCmd)
	} else {
		argv = []string{"/bin/sh", "-c", shellCmd}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if !e.fileMode() {
		stdin, err := os.Open(e.inputFile)
		if err != nil {
			return model.ExecResult{
				ReturnCode: -1,
				Crashed:    true,
				Stderr:     []byte(fmt.Sprintf("failed to open input for stdin: %v", err)),
			}
		}
		defer stdin.Close()
		cmd.Stdin = stdin
	}

	env := os.Environ()
	if e.shmSeg != nil {
		env = append(env, fmt.Sprintf("__AFL_SHM_ID=%d", e.shmSeg.ID()), "AFL_NO_FORKSRV=1")
	}
	cmd.Env = env

	// stderr goes to a scratch file, not a pipe: Wait would otherwise block
	// until every background process that inherited the pipe had exited.
	stderrFile, err := os.Create(filepath.Join(e.scratchDir, "stderr"))
	if err != nil {
		return model.ExecResult{
			ReturnCode: -1,
			Crashed:    true,
			Stderr:     []byte(fmt.Sprintf("failed to create stderr capture: %v", err)),
		}
	}
	defer stderrFile.Close()
	cmd.Stderr = stderrFile

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return model.ExecResult{
			ReturnCode: -1,
			ExecTime:   time.Since(start),
			Crashed:    true,
			Stderr:     []byte(fmt.Sprintf("spawn failed: %v", err)),
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := e.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var (
		timedOut bool
		waitErr  error
	)
	select {
	case waitErr = <-done:
		// Reap anything the target left running in its process group.
		killProcessGroup(cmd.Process.Pid)
	case <-time.After(timeout):
		timedOut = true
		killProcessGroup(cmd.Process.Pid)
		<-done
	}
	elapsed := time.Since(start)

	// The target may have written partial coverage before the deadline
	// fired, so the bitmap is harvested on the timeout path too.
	var coverage model.Bitmap
	if e.shmSeg != nil {
		coverage = e.shmSeg.Read()
	}

	if timedOut {
		return model.ExecResult{
			ReturnCode: -1,
			ExecTime:   elapsed,
			TimedOut:   true,
			Stderr:     []byte("execution timeout"),
			Coverage:   coverage,
		}
	}

	returnCode := exitCode(waitErr)
	stderrBytes, _ := os.ReadFile(stderrFile.Name())
	max := e.cfg.StderrMaxLen
	if max > 0 && len(stderrBytes) > max {
		stderrBytes = stderrBytes[:max]
	}

	return model.ExecResult{
		ReturnCode: returnCode,
		ExecTime:   elapsed,
		Crashed:    model.IsCrash(returnCode),
		Stderr:     stderrBytes,
		Coverage:   coverage,
	}
}

// exitCode extracts a process return code from cmd.Wait()'s error,
// following the same negative-for-signal convention os/exec and Python's
// subprocess module both use.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return -1
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode()
	}
	if status.Signaled() {
		return -int(status.Signal())
	}
	return status.ExitStatus()
}

// killProcessGroup sends SIGKILL to the whole process group rooted at
// pid, not just the direct child, so a shell-spawned subprocess tree
// (the sandbox helper included) cannot survive a timeout.
func killProcessGroup(pid int) {
	syscall.Kill(-pid, syscall.SIGKILL)
}

// Cleanup removes the scratch directory and detaches/removes the SHM
// segment. Safe to call more than once or after a partially-failed New.
func (e *Executor) Cleanup() {
	if e == nil {
		return
	}
	if e.scratchDir != "" {
		os.RemoveAll(e.scratchDir)
	}
	if e.shmSeg != nil {
		e.shmSeg.Cleanup()
		e.shmSeg = nil
	}
}
