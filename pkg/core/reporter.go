/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: reporter.go
Description: Reporter interface and the logging implementation for Akaylee Seedbank telemetry.
Reporters are notified after each sandbox run and after each corpus commit; the Prometheus
implementation lives in the monitoring package.
*/

package core

import (
	"github.com/sirupsen/logrus"
)

// Reporter defines the interface for telemetry and reporting hooks.
type Reporter interface {
	// OnSeedExecuted is called after the sandbox produced a result.
	OnSeedExecuted(seed *Seed, result *ExecutionResult)
	// OnSeedCommitted is called once the aggregator has routed the seed.
	OnSeedCommitted(seed *Seed, outcome *CommitOutcome)
}

// LoggerReporter logs execution and corpus events.
type LoggerReporter struct {
	logger logrus.FieldLogger
}

// NewLoggerReporter creates a new LoggerReporter.
func NewLoggerReporter(logger logrus.FieldLogger) *LoggerReporter {
	return &LoggerReporter{logger: logger}
}

// OnSeedExecuted logs execution results.
func (r *LoggerReporter) OnSeedExecuted(seed *Seed, result *ExecutionResult) {
	fields := logrus.Fields{
		"seed":        seed.ID,
		"target":      seed.Target,
		"termination": result.Termination.String(),
		"exit_code":   result.ExitCode,
		"duration":    result.WallDuration,
	}
	switch {
	case result.CompileFailed:
		r.logger.WithFields(fields).Warn("Seed failed to compile")
	case result.Termination == TerminationCrashed:
		fields["signal"] = result.Signal
		r.logger.WithFields(fields).Warn("Crash detected")
	case result.Termination == TerminationTimeout:
		r.logger.WithFields(fields).Warn("Seed timed out")
	case result.Termination == TerminationResourceExceeded:
		fields["peak_rss"] = result.PeakRSS
		r.logger.WithFields(fields).Warn("Seed exceeded memory ceiling")
	default:
		r.logger.WithFields(fields).Debug("Seed executed")
	}
}

// OnSeedCommitted logs the final routing.
func (r *LoggerReporter) OnSeedCommitted(seed *Seed, outcome *CommitOutcome) {
	fields := logrus.Fields{
		"seed":            seed.ID,
		"target":          seed.Target,
		"status":          outcome.Status,
		"unique_branches": outcome.Score.UniqueBranches,
		"composite":       outcome.Score.Composite,
	}
	if outcome.Recomputed {
		fields["recomputed"] = true
	}
	if outcome.Status.Quarantined() {
		r.logger.WithFields(fields).Warn("Seed quarantined")
		return
	}
	r.logger.WithFields(fields).Info("Seed committed")
}
