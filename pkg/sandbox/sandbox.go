/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: sandbox.go
Description: Instrumented execution sandbox for the Akaylee Seedbank. Compiles each seed
against its target's instrumented build in a disposable scratch directory, runs the binary
in its own process group under wall-clock and memory ceilings, captures bounded output,
classifies how the run ended and exports coverage artifacts. Every seed gets exactly one
ExecutionResult; errors are reserved for problems with the sandbox itself.
*/

package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/kleascm/akaylee-seedbank/pkg/config"
	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/sirupsen/logrus"
)

// Environment variables handed to instrumented binaries
const (
	EnvProfileFile = "LLVM_PROFILE_FILE"
	EnvTraceFile   = "SEEDBANK_TRACE_FILE"
	EnvASanOptions = "ASAN_OPTIONS"

	TraceFileName    = "trace.cov"
	CoverageFileName = "coverage.json"
)

// Variables inherited from the engine's environment; everything else is dropped
var envAllowlist = []string{"PATH", "HOME", "TMPDIR", "LANG", "LC_ALL", "LD_LIBRARY_PATH"}

var oomReport = regexp.MustCompile(`(?i)(out[- ]of[- ]memory|rss limit exhausted|memory limit exceeded)`)

// Sandbox implements core.Executor
type Sandbox struct {
	cfg    *config.Config
	logger logrus.FieldLogger

	// In-flight process groups, keyed by leader pid
	mu      sync.Mutex
	running map[int]struct{}
}

// New creates a sandbox for the configured targets
func New(cfg *config.Config, logger logrus.FieldLogger) *Sandbox {
	return &Sandbox{
		cfg:     cfg,
		logger:  logger,
		running: make(map[int]struct{}),
	}
}

// Run compiles and executes one seed
func (s *Sandbox) Run(ctx context.Context, seed *core.Seed) (*core.ExecutionResult, error) {
	target, ok := s.cfg.Target(seed.Target)
	if !ok {
		return nil, fmt.Errorf("target %s is not configured", seed.Target)
	}

	dir, err := os.MkdirTemp(s.cfg.Sandbox.ScratchDir, "seedbank-"+seed.Target+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	result := &core.ExecutionResult{
		SeedID:    seed.ID,
		Artifacts: core.Artifacts{Dir: dir, Format: target.CoverageFormat},
	}

	src := filepath.Join(dir, "seed"+target.SourceExt)
	bin := filepath.Join(dir, "seed.bin")
	if err := os.WriteFile(src, seed.Source, 0644); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write seed source: %w", err)
	}
	vars := map[string]string{
		"{src}":     src,
		"{bin}":     bin,
		"{dir}":     dir,
		"{include}": target.IncludeDir,
		"{lib}":     target.Library,
		"{build}":   target.BuildDir,
	}

	logger := s.logger.WithFields(logrus.Fields{"seed": seed.ID, "target": seed.Target})

	compile, err := s.runProcess(ctx, processSpec{
		dir:     dir,
		argv:    expand(target.Compile, vars),
		env:     baseEnv(nil),
		timeout: s.cfg.Sandbox.CompileTimeout,
	})
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to start compiler: %w", err)
	}
	if !compile.succeeded() {
		result.CompileFailed = true
		result.ExitCode = core.ExitCodeCompileFailed
		result.Termination = core.TerminationCompleted
		result.Interrupted = compile.interrupted
		result.Stdout = compile.stdout
		result.Stderr = compile.stderr
		result.Truncated = compile.truncated
		result.WallDuration = compile.duration
		logger.WithField("exit_code", compile.exitCode).Debug("Seed failed to compile")
		return result, nil
	}

	memLimit := s.cfg.MemoryLimitFor(seed.Target)
	run, err := s.runProcess(ctx, processSpec{
		dir:      dir,
		argv:     expand(target.Run, vars),
		env:      s.runEnv(target, dir),
		timeout:  s.cfg.TimeoutFor(seed.Target),
		memLimit: memLimit,
		maxFile:  s.cfg.Sandbox.MaxFileBytes,
	})
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to start seed binary: %w", err)
	}

	result.ExitCode = run.exitCode
	result.Signal = run.signal
	result.Interrupted = run.interrupted
	result.Stdout = run.stdout
	result.Stderr = run.stderr
	result.Truncated = run.truncated
	result.WallDuration = run.duration
	result.PeakRSS = run.peakRSS
	result.Termination = s.classify(run, memLimit)

	switch target.CoverageFormat {
	case core.CoverageFormatTrace:
		result.Artifacts.CoveragePath = filepath.Join(dir, TraceFileName)
	default:
		out := filepath.Join(dir, CoverageFileName)
		if err := s.exportCoverage(ctx, dir, bin, out); err != nil {
			logger.WithError(err).Debug("Coverage export failed")
		}
		result.Artifacts.CoveragePath = out
	}

	logger.WithFields(logrus.Fields{
		"termination": result.Termination.String(),
		"exit_code":   result.ExitCode,
		"duration":    result.WallDuration,
	}).Debug("Seed executed")
	return result, nil
}

// classify maps a finished run onto a termination reason.
// Memory exhaustion is checked before crashes because sanitizers report it with their crash exit code.
func (s *Sandbox) classify(run *processResult, memLimit uint64) core.TerminationReason {
	switch {
	case run.timedOut, run.interrupted:
		return core.TerminationTimeout
	case run.oomKilled,
		memLimit > 0 && run.peakRSS > memLimit,
		oomReport.Match(run.stderr):
		return core.TerminationResourceExceeded
	case run.signal != "", run.exitCode == s.cfg.Sandbox.ASanExitCode:
		return core.TerminationCrashed
	default:
		return core.TerminationCompleted
	}
}

// Release removes the scratch directory of a finished run
func (s *Sandbox) Release(result *core.ExecutionResult) {
	if result == nil || result.Artifacts.Dir == "" {
		return
	}
	if err := os.RemoveAll(result.Artifacts.Dir); err != nil {
		s.logger.WithError(err).WithField("dir", result.Artifacts.Dir).Warn("Failed to remove scratch directory")
	}
}

// KillAll terminates every in-flight process group
func (s *Sandbox) KillAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid := range s.running {
		s.logger.WithField("pid", pid).Warn("Killing in-flight process group")
		killGroup(pid)
	}
}

// InFlight returns the number of running process groups
func (s *Sandbox) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Sandbox) track(pid int) {
	s.mu.Lock()
	s.running[pid] = struct{}{}
	s.mu.Unlock()
}

func (s *Sandbox) untrack(pid int) {
	s.mu.Lock()
	delete(s.running, pid)
	s.mu.Unlock()
}

func (s *Sandbox) runEnv(target config.TargetConfig, dir string) []string {
	extra := map[string]string{
		EnvProfileFile: filepath.Join(dir, "seed-%c%p.profraw"),
		EnvASanOptions: asanOptions(target.ASanOptions, s.cfg.Sandbox.ASanExitCode),
	}
	if target.CoverageFormat == core.CoverageFormatTrace {
		extra[EnvTraceFile] = filepath.Join(dir, TraceFileName)
	}
	for k, v := range target.Env {
		extra[strings.ToUpper(k)] = v
	}
	return baseEnv(extra)
}

func asanOptions(configured string, exitCode int) string {
	if strings.Contains(configured, "exitcode=") {
		return configured
	}
	opts := fmt.Sprintf("exitcode=%d", exitCode)
	if configured != "" {
		opts = configured + ":" + opts
	}
	return opts
}

// baseEnv builds a sorted environment from the allowlist plus extra
func baseEnv(extra map[string]string) []string {
	env := make(map[string]string)
	for _, key := range envAllowlist {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	for k, v := range extra {
		env[k] = v
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// expand substitutes placeholders in an argv template; arguments that expand to nothing are dropped
func expand(template []string, vars map[string]string) []string {
	out := make([]string, 0, len(template))
	for _, arg := range template {
		expanded := arg
		for k, v := range vars {
			expanded = strings.ReplaceAll(expanded, k, v)
		}
		if expanded == "" && arg != "" {
			continue
		}
		out = append(out, expanded)
	}
	return out
}
