/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: coverage.go
Description: Coverage collection for the Akaylee Seedbank. Converts the instrumentation
artifact of an execution (llvm-cov export JSON or a harness trace) into a canonical
CoverageReport, attributing library and critical calls per target. Crashed and timed-out
runs are collected too; a missing or invalid artifact is retried once before the seed is
declared unscoreable.
*/

package coverage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kleascm/akaylee-seedbank/pkg/config"
	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/sirupsen/logrus"
)

// Collector implements core.CoverageCollector
type Collector struct {
	cfg        *config.Config
	retryDelay time.Duration
	matchers   map[string]*CriticalMatcher
	logger     logrus.FieldLogger
}

// NewCollector creates a collector for the configured targets
func NewCollector(cfg *config.Config, logger logrus.FieldLogger) *Collector {
	c := &Collector{
		cfg:        cfg,
		retryDelay: cfg.Coverage.RetryDelay,
		matchers:   make(map[string]*CriticalMatcher, len(cfg.Targets)),
		logger:     logger,
	}
	for name, t := range cfg.Targets {
		c.matchers[name] = NewCriticalMatcher(t.CriticalFunctions)
	}
	return c
}

// Collect parses the artifact of result, retrying exactly once
func (c *Collector) Collect(ctx context.Context, seed *core.Seed, result *core.ExecutionResult) (*core.CoverageReport, error) {
	if result.CompileFailed {
		return nil, fmt.Errorf("%w: seed did not compile", core.ErrUnscoreable)
	}

	report, err := c.collectOnce(seed, result)
	if err == nil {
		return report, nil
	}
	c.logger.WithFields(logrus.Fields{
		"seed":     seed.ID,
		"artifact": result.Artifacts.CoveragePath,
	}).Debugf("Coverage collection failed, retrying: %v", err)

	// An interrupted run still gets its retry; only the wait is skipped
	timer := time.NewTimer(c.retryDelay)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}

	report, err = c.collectOnce(seed, result)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrUnscoreable, err)
	}
	return report, nil
}

func (c *Collector) collectOnce(seed *core.Seed, result *core.ExecutionResult) (*core.CoverageReport, error) {
	path := result.Artifacts.CoveragePath
	if path == "" {
		return nil, fmt.Errorf("%w: no coverage artifact", core.ErrCoverageParse)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCoverageParse, err)
	}
	defer f.Close()

	target, _ := c.cfg.Target(seed.Target)
	var report *core.CoverageReport
	switch result.Artifacts.Format {
	case core.CoverageFormatTrace:
		report, err = ParseTrace(f)
	case core.CoverageFormatLLVMJSON:
		report, err = ParseLLVMJSON(f, libraryFilter(target.SourceRoot, result.Artifacts.Dir))
	default:
		err = fmt.Errorf("%w: unsupported format %q", core.ErrCoverageParse, result.Artifacts.Format)
	}
	if err != nil {
		return nil, err
	}

	c.matchers[strings.ToLower(seed.Target)].Attribute(report)
	return report, nil
}

// libraryFilter keeps files under sourceRoot, or everything outside the scratch dir when no root is configured
func libraryFilter(sourceRoot, scratch string) FileFilter {
	if sourceRoot != "" {
		root := filepath.Clean(sourceRoot) + string(filepath.Separator)
		return func(name string) bool {
			return strings.HasPrefix(filepath.Clean(name), root)
		}
	}
	if scratch == "" {
		return nil
	}
	dir := filepath.Clean(scratch) + string(filepath.Separator)
	return func(name string) bool {
		return !strings.HasPrefix(filepath.Clean(name), dir)
	}
}
