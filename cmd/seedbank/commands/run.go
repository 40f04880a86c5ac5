/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: run.go
Description: Run command for the Akaylee Seedbank. Assembles the pipeline engine from the
ingest parser, sandbox, coverage collector, scorer and corpus store, runs the staged batch
to completion with graceful shutdown on SIGINT/SIGTERM, and prints per-outcome counts.
*/

package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/kleascm/akaylee-seedbank/pkg/config"
	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/kleascm/akaylee-seedbank/pkg/coverage"
	"github.com/kleascm/akaylee-seedbank/pkg/ingest"
	"github.com/kleascm/akaylee-seedbank/pkg/monitoring"
	"github.com/kleascm/akaylee-seedbank/pkg/sandbox"
	"github.com/kleascm/akaylee-seedbank/pkg/scoring"
	"github.com/kleascm/akaylee-seedbank/pkg/utils"
	"github.com/spf13/cobra"
)

// RunPipeline executes the run command
func RunPipeline(cmd *cobra.Command, args []string) (err error) {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	applyRunOverrides(cmd, s.cfg)
	targets, err := s.targets(cmd)
	if err != nil {
		return err
	}
	target, _ := cmd.Flags().GetString("target")
	logger := s.log.GetLogger()

	inputs, _ := cmd.Flags().GetStringSlice("input")
	staged := len(inputs) == 0
	var paths []string
	if staged {
		for _, t := range targets {
			p, err := ingest.LoadStaged(s.store.Layout().Pending(), t)
			if err != nil {
				return fatal(err)
			}
			paths = append(paths, p...)
		}
	} else if paths, err = ingest.Discover(inputs); err != nil {
		return fatal(err)
	}
	if len(paths) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to run: no staged seeds (use 'seedbank ingest' or --input)")
		return nil
	}

	engine := core.NewEngine(core.EngineConfig{
		Workers:       s.cfg.Pipeline.Workers,
		Target:        target,
		ShutdownGrace: s.cfg.Pipeline.ShutdownGrace,
	}, logger)
	engine.SetParser(ingest.NewParser(s.cfg.HeaderRegistry()))
	engine.SetExecutor(sandbox.New(s.cfg, logger))
	engine.SetCollector(coverage.NewCollector(s.cfg, logger))
	engine.SetScorer(scoring.New(s.cfg.Scoring.Weights))
	engine.SetStore(s.store)
	engine.AddReporter(core.NewLoggerReporter(logger))

	ctx, cancel := signalContext()
	defer cancel()

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		metrics := monitoring.NewPrometheusReporter(s.store, logger)
		for _, t := range targets {
			metrics.SetBitmapEdges(t, s.store.Snapshot(t).Len())
		}
		if err := metrics.Start(ctx, addr); err != nil {
			return fatal(err)
		}
		defer metrics.Stop()
		engine.AddReporter(metrics)
		fmt.Fprintf(cmd.OutOrStdout(), "📈 Metrics available at http://%s/metrics\n", metrics.Addr())
	}

	if err := engine.Initialize(); err != nil {
		return fatal(err)
	}

	var profiler *monitoring.Profiler
	if dir, _ := cmd.Flags().GetString("profile-dir"); dir != "" {
		profiler = monitoring.NewProfiler(&monitoring.ProfilerConfig{
			OutputDir:        dir,
			CPUProfile:       true,
			MemoryProfile:    true,
			GoroutineProfile: true,
		}, logger)
		if err := profiler.Start(); err != nil {
			return fatal(err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "🚀 Running %d seed(s)\n", len(paths))
	batch, runErr := engine.Run(ctx, paths)
	if profiler != nil {
		if _, err := profiler.Stop(); err != nil {
			logger.Errorf("Failed to write profiles: %v", err)
		}
	}
	if batch == nil {
		return fatal(runErr)
	}

	if staged {
		for _, rec := range batch.Records {
			if rec.Status == core.StatusSkipped {
				continue
			}
			if err := ingest.Unstage(rec.Path); err != nil {
				logger.WithField("path", rec.Path).Warnf("Failed to unstage seed: %v", err)
			}
		}
	}

	printBatch(cmd.OutOrStdout(), batch)
	printWorkerStats(cmd.OutOrStdout(), engine.GetStats())
	s.log.LogStats(batch)

	if out, _ := cmd.Flags().GetString("out"); out != "" {
		format, _ := cmd.Flags().GetString("format")
		path, err := utils.WriteReport(out, "runs", target, format, batch)
		if err != nil {
			logger.Errorf("Failed to write batch result: %v", err)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "📄 Batch result written to %s\n", path)
		}
	}

	if runErr != nil {
		return fatal(runErr)
	}
	if code := batch.ExitCode(); code != core.ExitOK {
		return &ExitError{Code: code, Err: fmt.Errorf("%d seed(s) quarantined", batch.Quarantined())}
	}
	return nil
}

// applyRunOverrides folds --workers and --timeout into the loaded configuration
func applyRunOverrides(cmd *cobra.Command, cfg *config.Config) {
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Pipeline.Workers = workers
	}
	if ms, _ := cmd.Flags().GetInt("timeout"); ms > 0 {
		cfg.Sandbox.Timeout = time.Duration(ms) * time.Millisecond
		for name, t := range cfg.Targets {
			t.Timeout = 0
			cfg.Targets[name] = t
		}
	}
}

func printBatch(w io.Writer, batch *core.BatchResult) {
	fmt.Fprintf(w, "\n📊 Batch %s:\n", batch.RunID)
	fmt.Fprintf(w, "  Seeds:       %d\n", batch.Total())
	fmt.Fprintf(w, "  Duration:    %v\n", batch.Finished.Sub(batch.Started).Round(time.Millisecond))
	for _, status := range core.AllStatuses {
		if n := batch.Count(status); n > 0 {
			fmt.Fprintf(w, "  %-24s %d\n", string(status)+":", n)
		}
	}
	if batch.Fatal != "" {
		fmt.Fprintf(w, "  Fatal:       %s\n", batch.Fatal)
	}
}

func printWorkerStats(w io.Writer, stats map[string]interface{}) {
	fmt.Fprintf(w, "\n⚙️  Workers (%v):\n", stats["workers"])
	fmt.Fprintf(w, "  Executions:  %v\n", stats["executions"])
	fmt.Fprintf(w, "  Crashes:     %v\n", stats["crashes"])
	fmt.Fprintf(w, "  Timeouts:    %v\n", stats["timeouts"])
	fmt.Fprintf(w, "  Busy:        %v\n", stats["busy"].(time.Duration).Round(time.Millisecond))
}
