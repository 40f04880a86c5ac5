/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: worker.go
Description: Pipeline worker for the Akaylee Seedbank. A worker owns one seed end-to-end:
ingest, sandboxed execution, coverage collection and tentative scoring. Only the final
commit is handed to the corpus aggregator. Workers also keep their own performance counters.
*/

package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Worker processes seeds one at a time
type Worker struct {
	ID        int               // Unique worker identifier
	Target    string            // Restrict to one target library ("" = any)
	parser    SeedParser        // Ingest
	executor  Executor          // Sandbox
	collector CoverageCollector // Coverage collection
	scorer    Scorer            // Tentative scoring
	store     CorpusCommitter   // Commit surface
	reporters []Reporter        // Telemetry hooks
	logger    logrus.FieldLogger

	// Performance tracking
	processed   int64
	executions  int64
	crashes     int64
	timeouts    int64
	accepted    int64
	quarantined int64
	startTime   time.Time
	busy        time.Duration

	mu sync.RWMutex
}

// NewWorker creates a new worker instance
func NewWorker(id int, target string, parser SeedParser, executor Executor, collector CoverageCollector,
	scorer Scorer, store CorpusCommitter, reporters []Reporter, logger logrus.FieldLogger) *Worker {
	return &Worker{
		ID:        id,
		Target:    target,
		parser:    parser,
		executor:  executor,
		collector: collector,
		scorer:    scorer,
		store:     store,
		reporters: reporters,
		logger:    logger.WithField("worker", id),
		startTime: time.Now(),
	}
}

// Process runs the full pipeline for the seed at path.
// execCtx bounds the sandbox run; it outlives ctx by the shutdown grace period.
// The returned error is non-nil only for failures that must stop the batch.
func (w *Worker) Process(execCtx context.Context, path string) (rec SeedRecord, err error) {
	start := time.Now()
	rec = SeedRecord{Path: path}
	defer func() {
		rec.Duration = time.Since(start)
		w.mu.Lock()
		w.processed++
		w.busy += rec.Duration
		if rec.Status == StatusAccepted {
			w.accepted++
		}
		if rec.Status.Quarantined() {
			w.quarantined++
		}
		w.mu.Unlock()
	}()

	raw, err := os.ReadFile(path)
	if err != nil {
		rec.Status = StatusMalformedHeader
		rec.Error = err.Error()
		return rec, w.quarantineIngest(path, nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err))
	}

	seed, err := w.parser.Parse(path, raw)
	if err != nil {
		status, ok := StatusForError(err)
		if !ok {
			status = StatusMalformedHeader
		}
		rec.Status = status
		rec.Error = err.Error()
		w.logger.WithFields(logrus.Fields{"path": path, "status": status}).Warnf("Seed rejected at ingest: %v", err)
		return rec, w.quarantineIngest(path, raw, err)
	}
	rec.SeedID = seed.ID
	rec.Target = seed.Target

	if w.Target != "" && seed.Target != w.Target {
		rec.Status = StatusSkipped
		return rec, nil
	}
	if w.store.Known(seed.SourceHash) {
		rec.Status = StatusDuplicateSeed
		w.logger.WithFields(logrus.Fields{"seed": seed.ID, "source_hash": seed.SourceHash}).Debug("Seed already in corpus")
		return rec, nil
	}

	result, err := w.executor.Run(execCtx, seed)
	if err != nil {
		rec.Error = err.Error()
		return rec, fmt.Errorf("%w: seed %s: %v", ErrSandboxFailure, seed.ID, err)
	}
	defer w.executor.Release(result)
	w.trackExecution(result)
	rec.Termination = result.Termination.String()
	for _, r := range w.reporters {
		r.OnSeedExecuted(seed, result)
	}

	// Commits must survive engine shutdown so drained runs still land in the corpus
	commitCtx := context.WithoutCancel(execCtx)
	req := &CommitRequest{Seed: seed, Result: result}

	if result.CompileFailed {
		req.Failure = StatusFailedCompile
		req.Cause = ErrCompileFailed
		return w.commit(commitCtx, req, rec)
	}

	report, err := w.collector.Collect(execCtx, seed, result)
	if err != nil {
		req.Failure = StatusQuarantinedUnscoreable
		req.Cause = err
		rec.Error = err.Error()
		return w.commit(commitCtx, req, rec)
	}
	req.Report = report

	snap := w.store.Snapshot(seed.Target)
	req.Tentative = w.scorer.Score(report, snap)
	req.ScoredAt = snap.Seq()

	return w.commit(commitCtx, req, rec)
}

func (w *Worker) commit(ctx context.Context, req *CommitRequest, rec SeedRecord) (SeedRecord, error) {
	outcome, err := w.store.Commit(ctx, req)
	if err != nil {
		rec.Error = err.Error()
		return rec, err
	}
	rec.Status = outcome.Status
	if outcome.Entry != nil {
		rec.EntryID = outcome.Entry.EntryID
	}
	if req.Report != nil {
		score := outcome.Score
		rec.Score = &score
	}
	for _, r := range w.reporters {
		r.OnSeedCommitted(req.Seed, outcome)
	}
	return rec, nil
}

func (w *Worker) quarantineIngest(path string, raw []byte, cause error) error {
	if err := w.store.QuarantineIngest(path, raw, cause); err != nil {
		if errors.Is(err, ErrPersist) {
			return err
		}
		w.logger.WithField("path", path).Errorf("Failed to quarantine rejected seed: %v", err)
	}
	return nil
}

func (w *Worker) trackExecution(result *ExecutionResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.executions++
	switch result.Termination {
	case TerminationCrashed:
		w.crashes++
	case TerminationTimeout:
		w.timeouts++
	}
}

// GetStats returns worker performance statistics
func (w *Worker) GetStats() map[string]interface{} {
	w.mu.RLock()
	defer w.mu.RUnlock()

	stats := make(map[string]interface{})
	stats["id"] = w.ID
	stats["processed"] = w.processed
	stats["executions"] = w.executions
	stats["crashes"] = w.crashes
	stats["timeouts"] = w.timeouts
	stats["accepted"] = w.accepted
	stats["quarantined"] = w.quarantined
	stats["start_time"] = w.startTime
	stats["uptime"] = time.Since(w.startTime)
	stats["busy"] = w.busy

	uptime := time.Since(w.startTime).Seconds()
	if uptime > 0 {
		stats["seeds_per_second"] = float64(w.processed) / uptime
	}

	return stats
}
