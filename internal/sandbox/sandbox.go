// Package sandbox builds a bubblewrap (bwrap) invocation that confines a
// fuzz target to a read-only view of the filesystem plus the two
// directories it actually needs to touch.
package sandbox

import (
	"fmt"
	"os"
)

// candidatePaths is where bwrap is commonly installed; the first one that
// exists wins.
var candidatePaths = []string{
	"/usr/bin/bwrap",
	"/usr/local/bin/bwrap",
	"/bin/bwrap",
}

// ErrHelperMissing is returned by Find when no bwrap binary can be located.
// Construction must fail outright in this case rather than silently
// running the target unsandboxed once an operator has opted in.
type ErrHelperMissing struct{}

func (ErrHelperMissing) Error() string {
	return "sandbox: bubblewrap helper not found in standard locations"
}

// Find locates the bwrap binary, checking the standard installation paths.
func Find() (string, error) {
	for _, p := range candidatePaths {
		if fileExists(p) {
			return p, nil
		}
	}
	return "", ErrHelperMissing{}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Config describes the confinement a sandboxed execution should apply.
type Config struct {
	HelperPath string // absolute path to bwrap, from Find
	TargetDir  string // directory containing the target binary (rw)
	ScratchDir string // the Executor's scratch directory (rw)
}

// Wrap returns the argv for running shellCommand (already built as a
// single `/bin/sh -c` string by the Executor) inside the sandbox. The
// caller execs argv[0] with argv[1:] as arguments.
//
// The sandbox: read-only binds `/`, mounts fresh `/dev`, `/proc` and
// `/tmp`, read-writes TargetDir and ScratchDir, unshares the PID
// namespace, dies with the parent, and starts a new session.
func (c Config) Wrap(shellCommand string) []string {
	args := []string{
		c.HelperPath,
		"--ro-bind", "/", "/",
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
		"--bind", c.TargetDir, c.TargetDir,
		"--bind", c.ScratchDir, c.ScratchDir,
		"--unshare-pid",
		"--die-with-parent",
		"--new-session",
		"--",
		"/bin/sh", "-c", shellCommand,
	}
	return args
}

// Validate checks that a requested sandbox configuration can actually be
// honored. Once an operator opts into sandboxing, a broken configuration
// fails construction; it never silently degrades to an unsandboxed run.
func Validate(cfg Config) error {
	if cfg.HelperPath == "" {
		return ErrHelperMissing{}
	}
	if !fileExists(cfg.HelperPath) {
		return fmt.Errorf("sandbox: configured helper path does not exist: %s", cfg.HelperPath)
	}
	if !fileExists(cfg.TargetDir) {
		return fmt.Errorf("sandbox: target directory does not exist: %s", cfg.TargetDir)
	}
	if !fileExists(cfg.ScratchDir) {
		return fmt.Errorf("sandbox: scratch directory does not exist: %s", cfg.ScratchDir)
	}
	return nil
}
