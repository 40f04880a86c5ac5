/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: engine.go
Description: Pipeline engine for the Akaylee Seedbank. Feeds a batch of seed files to a
bounded worker pool (one seed per worker, end-to-end through scoring), collects per-seed
outcomes, and handles graceful shutdown: stop feeding, let in-flight sandbox runs drain for
a grace period, then force-kill whatever is still running.
*/

package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// EngineConfig holds pipeline settings
type EngineConfig struct {
	Workers       int           // Worker pool size (0 = runtime.NumCPU())
	Target        string        // Only process seeds for this target ("" = all)
	ShutdownGrace time.Duration // How long in-flight runs may finish after cancellation
}

// Killer is implemented by executors that can terminate every in-flight run
type Killer interface {
	KillAll()
}

// Engine runs batches of seeds through the pipeline
type Engine struct {
	config EngineConfig
	logger *logrus.Logger

	// Core components
	parser    SeedParser
	executor  Executor
	collector CoverageCollector
	scorer    Scorer
	store     CorpusCommitter
	reporters []Reporter

	workers []*Worker

	running bool
	mu      sync.RWMutex
}

// NewEngine creates a new engine instance
func NewEngine(config EngineConfig, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{config: config, logger: logger}
}

// SetParser sets the ingest parser
func (e *Engine) SetParser(p SeedParser) { e.parser = p }

// SetExecutor sets the sandbox
func (e *Engine) SetExecutor(x Executor) { e.executor = x }

// SetCollector sets the coverage collector
func (e *Engine) SetCollector(c CoverageCollector) { e.collector = c }

// SetScorer sets the scorer
func (e *Engine) SetScorer(s Scorer) { e.scorer = s }

// SetStore sets the corpus commit surface
func (e *Engine) SetStore(s CorpusCommitter) { e.store = s }

// AddReporter registers a telemetry reporter
func (e *Engine) AddReporter(r Reporter) {
	e.reporters = append(e.reporters, r)
}

// Initialize validates wiring and builds the worker pool
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.parser == nil:
		return fmt.Errorf("parser not set - use SetParser() before Initialize()")
	case e.executor == nil:
		return fmt.Errorf("executor not set - use SetExecutor() before Initialize()")
	case e.collector == nil:
		return fmt.Errorf("collector not set - use SetCollector() before Initialize()")
	case e.scorer == nil:
		return fmt.Errorf("scorer not set - use SetScorer() before Initialize()")
	case e.store == nil:
		return fmt.Errorf("store not set - use SetStore() before Initialize()")
	}

	n := e.config.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	e.workers = make([]*Worker, n)
	for i := 0; i < n; i++ {
		e.workers[i] = NewWorker(i, e.config.Target, e.parser, e.executor, e.collector, e.scorer, e.store, e.reporters, e.logger)
	}

	e.logger.WithFields(logrus.Fields{"workers": n, "target": e.config.Target}).Info("Seedbank engine initialized")
	return nil
}

// Run processes every seed path and returns the batch outcome.
// Cancelling ctx stops feeding new seeds; in-flight runs get ShutdownGrace to finish.
// The error is non-nil only for fatal engine failures.
func (e *Engine) Run(ctx context.Context, paths []string) (*BatchResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is already running")
	}
	if len(e.workers) == 0 {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine not initialized")
	}
	e.running = true
	workers := e.workers
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	batch := NewBatchResult(uuid.NewString(), e.config.Target)
	e.logger.WithFields(logrus.Fields{"run_id": batch.RunID, "seeds": len(paths)}).Info("Starting batch")

	execCtx, execCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer execCancel()
	drained := make(chan struct{})
	defer close(drained)
	go e.enforceGrace(ctx, drained, execCancel)

	g, gctx := errgroup.WithContext(ctx)
	feed := make(chan string)

	g.Go(func() error {
		defer close(feed)
		for _, p := range paths {
			select {
			case feed <- p:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for _, w := range workers {
		g.Go(func() error {
			for path := range feed {
				rec, err := w.Process(execCtx, path)
				if rec.Status != "" {
					batch.Record(rec)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	batch.Finish(err)

	fields := logrus.Fields{"run_id": batch.RunID, "total": batch.Total(), "quarantined": batch.Quarantined()}
	for _, status := range AllStatuses {
		if n := batch.Count(status); n > 0 {
			fields[string(status)] = n
		}
	}
	if err != nil {
		e.logger.WithFields(fields).Errorf("Batch aborted: %v", err)
		return batch, err
	}
	if ctx.Err() != nil {
		e.logger.WithFields(fields).Warn("Batch interrupted")
	} else {
		e.logger.WithFields(fields).Info("Batch complete")
	}
	return batch, nil
}

// enforceGrace cancels sandbox runs once ctx is done and the grace period has passed
func (e *Engine) enforceGrace(ctx context.Context, drained <-chan struct{}, cancel context.CancelFunc) {
	select {
	case <-drained:
		return
	case <-ctx.Done():
	}

	e.logger.WithField("grace", e.config.ShutdownGrace).Warn("Shutdown requested, draining in-flight runs")
	timer := time.NewTimer(e.config.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-drained:
	case <-timer.C:
		e.logger.Warn("Grace period elapsed, terminating in-flight runs")
		cancel()
		if k, ok := e.executor.(Killer); ok {
			k.KillAll()
		}
	}
}

// GetStats aggregates worker statistics
func (e *Engine) GetStats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var processed, executions, crashes, timeouts, accepted, quarantined int64
	var busy time.Duration
	for _, w := range e.workers {
		s := w.GetStats()
		processed += s["processed"].(int64)
		executions += s["executions"].(int64)
		crashes += s["crashes"].(int64)
		timeouts += s["timeouts"].(int64)
		accepted += s["accepted"].(int64)
		quarantined += s["quarantined"].(int64)
		busy += s["busy"].(time.Duration)
	}

	return map[string]interface{}{
		"workers":     len(e.workers),
		"processed":   processed,
		"executions":  executions,
		"crashes":     crashes,
		"timeouts":    timeouts,
		"accepted":    accepted,
		"quarantined": quarantined,
		"busy":        busy,
		"running":     e.running,
	}
}
