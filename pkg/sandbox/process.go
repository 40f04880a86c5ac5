/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: process.go
Description: Process supervision for the sandbox. Starts a command as the leader of a new
process group, enforces the wall-clock limit and samples the group's resident memory, and
kills the whole group on any limit, on cancellation and after the leader exits so no
grandchild outlives its seed.
*/

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

type processSpec struct {
	dir      string
	argv     []string
	env      []string
	timeout  time.Duration
	memLimit uint64 // bytes, 0 = unlimited
	maxFile  uint64 // RLIMIT_FSIZE, 0 = unlimited
}

type processResult struct {
	exitCode    int
	signal      string
	timedOut    bool
	interrupted bool
	oomKilled   bool
	stdout      []byte
	stderr      []byte
	truncated   bool
	duration    time.Duration
	peakRSS     uint64
}

func (r *processResult) succeeded() bool {
	return r.exitCode == 0 && r.signal == "" && !r.timedOut && !r.interrupted
}

// runProcess supervises one command until it and its process group are gone.
// The error is non-nil only when the command could not be started.
func (s *Sandbox) runProcess(ctx context.Context, spec processSpec) (*processResult, error) {
	if len(spec.argv) == 0 {
		return nil, fmt.Errorf("empty command template")
	}

	limit := s.cfg.Sandbox.MaxOutputBytes
	stdout := &limitedWriter{limit: limit}
	stderr := &limitedWriter{limit: limit}

	cmd := exec.Command(spec.argv[0], spec.argv[1:]...)
	cmd.Dir = spec.dir
	cmd.Env = spec.env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	pid := cmd.Process.Pid
	s.track(pid)
	defer s.untrack(pid)

	if err := applyLimits(pid, spec.maxFile); err != nil {
		s.logger.WithError(err).WithField("pid", pid).Debug("Failed to apply resource limits")
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var deadline <-chan time.Time
	if spec.timeout > 0 {
		timer := time.NewTimer(spec.timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(s.cfg.Sandbox.MonitorInterval)
	defer ticker.Stop()

	res := &processResult{}
wait:
	for {
		select {
		case <-done:
			break wait
		case <-deadline:
			res.timedOut = true
			killGroup(pid)
			<-done
			break wait
		case <-ctx.Done():
			res.interrupted = true
			killGroup(pid)
			<-done
			break wait
		case <-ticker.C:
			rss := groupRSS(pid)
			if rss > res.peakRSS {
				res.peakRSS = rss
			}
			if spec.memLimit > 0 && rss > spec.memLimit {
				res.oomKilled = true
				killGroup(pid)
				<-done
				break wait
			}
		}
	}
	res.duration = time.Since(start)

	// Reap stragglers that outlived the leader
	killGroup(pid)

	state := cmd.ProcessState
	res.exitCode = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		res.signal = unix.SignalName(ws.Signal())
		if res.signal == "" {
			res.signal = ws.Signal().String()
		}
	}
	if rss := maxRSS(state); rss > res.peakRSS {
		res.peakRSS = rss
	}

	res.stdout = stdout.Bytes()
	res.stderr = stderr.Bytes()
	res.truncated = stdout.truncated || stderr.truncated
	return res, nil
}

// exportCoverage merges raw LLVM profiles and exports them as JSON into out
func (s *Sandbox) exportCoverage(ctx context.Context, dir, bin, out string) error {
	raws, err := filepath.Glob(filepath.Join(dir, "*.profraw"))
	if err != nil {
		return err
	}
	if len(raws) == 0 {
		return errors.New("no raw profiles written")
	}

	profdata := filepath.Join(dir, "seed.profdata")
	merge := append([]string{"merge", "-sparse"}, raws...)
	merge = append(merge, "-o", profdata)
	if err := s.runTool(ctx, dir, s.cfg.Sandbox.LLVMProfdata, merge, nil); err != nil {
		return fmt.Errorf("profile merge failed: %w", err)
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	export := []string{"export", "-format=text", "-instr-profile=" + profdata, bin}
	if err := s.runTool(ctx, dir, s.cfg.Sandbox.LLVMCov, export, f); err != nil {
		f.Close()
		os.Remove(out)
		return fmt.Errorf("coverage export failed: %w", err)
	}
	return nil
}

func (s *Sandbox) runTool(ctx context.Context, dir, tool string, args []string, stdout *os.File) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Sandbox.ExportTimeout)
	defer cancel()

	stderr := &limitedWriter{limit: s.cfg.Sandbox.MaxOutputBytes}
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Dir = dir
	cmd.Env = baseEnv(nil)
	cmd.Stderr = stderr
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", filepath.Base(tool), err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// limitedWriter keeps at most limit bytes and flags anything dropped
type limitedWriter struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	room := w.limit - w.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			w.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		w.buf.Write(p[:room])
		w.truncated = true
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *limitedWriter) Bytes() []byte {
	return w.buf.Bytes()
}
