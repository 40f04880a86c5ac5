/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: profiler.go
Description: Performance profiling for Akaylee Seedbank batches. Captures a CPU profile for
the lifetime of a run and heap and goroutine snapshots when it stops, written as pprof files
into a per-run directory.
*/

package monitoring

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ProfilerType represents the type of profiling
type ProfilerType string

const (
	ProfilerTypeCPU       ProfilerType = "cpu"
	ProfilerTypeMemory    ProfilerType = "memory"
	ProfilerTypeGoroutine ProfilerType = "goroutine"
)

// ProfilerConfig represents profiling configuration
type ProfilerConfig struct {
	OutputDir        string `json:"output_dir"`
	CPUProfile       bool   `json:"cpu_profile"`
	MemoryProfile    bool   `json:"memory_profile"`
	GoroutineProfile bool   `json:"goroutine_profile"`
}

// ProfileResult describes one written profile
type ProfileResult struct {
	Type       ProfilerType  `json:"type"`
	StartTime  time.Time     `json:"start_time"`
	Duration   time.Duration `json:"duration"`
	OutputFile string        `json:"output_file"`
	Size       int64         `json:"size"`
}

// Profiler captures pprof profiles around a batch
type Profiler struct {
	config *ProfilerConfig
	logger logrus.FieldLogger

	running   bool
	startTime time.Time
	cpuFile   *os.File
	mu        sync.Mutex
}

// NewProfiler creates a new performance profiler
func NewProfiler(config *ProfilerConfig, logger logrus.FieldLogger) *Profiler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Profiler{config: config, logger: logger.WithField("component", "profiler")}
}

// Start creates the output directory and begins CPU profiling if enabled
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("profiler already running")
	}
	if err := os.MkdirAll(p.config.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}

	p.startTime = time.Now()
	if p.config.CPUProfile {
		file, err := os.Create(p.path(ProfilerTypeCPU))
		if err != nil {
			return fmt.Errorf("failed to create CPU profile file: %w", err)
		}
		if err := pprof.StartCPUProfile(file); err != nil {
			file.Close()
			return fmt.Errorf("failed to start CPU profile: %w", err)
		}
		p.cpuFile = file
	}
	p.running = true
	p.logger.WithField("dir", p.config.OutputDir).Info("Profiling started")
	return nil
}

// Stop finishes the CPU profile, writes the snapshot profiles and returns what was written
func (p *Profiler) Stop() ([]*ProfileResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil, fmt.Errorf("profiler not running")
	}
	p.running = false

	var results []*ProfileResult
	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		name := p.cpuFile.Name()
		if err := p.cpuFile.Close(); err != nil {
			return nil, fmt.Errorf("failed to close CPU profile: %w", err)
		}
		p.cpuFile = nil
		results = append(results, p.result(ProfilerTypeCPU, name))
	}

	if p.config.MemoryProfile {
		runtime.GC()
		res, err := p.writeProfile(ProfilerTypeMemory, "heap")
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	if p.config.GoroutineProfile {
		res, err := p.writeProfile(ProfilerTypeGoroutine, "goroutine")
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}

	for _, r := range results {
		p.logger.WithFields(logrus.Fields{"type": r.Type, "file": r.OutputFile, "size": r.Size}).Info("Profile written")
	}
	return results, nil
}

func (p *Profiler) writeProfile(typ ProfilerType, name string) (*ProfileResult, error) {
	prof := pprof.Lookup(name)
	if prof == nil {
		return nil, fmt.Errorf("unknown profile: %s", name)
	}
	path := p.path(typ)
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s profile file: %w", typ, err)
	}
	if err := prof.WriteTo(file, 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write %s profile: %w", typ, err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close %s profile: %w", typ, err)
	}
	return p.result(typ, path), nil
}

func (p *Profiler) path(typ ProfilerType) string {
	return filepath.Join(p.config.OutputDir, fmt.Sprintf("%s_%d.prof", typ, p.startTime.Unix()))
}

func (p *Profiler) result(typ ProfilerType, path string) *ProfileResult {
	r := &ProfileResult{
		Type:       typ,
		StartTime:  p.startTime,
		Duration:   time.Since(p.startTime),
		OutputFile: path,
	}
	if info, err := os.Stat(path); err == nil {
		r.Size = info.Size()
	}
	return r
}
