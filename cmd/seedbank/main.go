/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: main.go
Description: Command-line interface for the Akaylee Seedbank. Wires the ingest, run, report,
schedule, rescore, minimize and triage commands onto one root command with shared
configuration and logging flags, and maps command errors to process exit codes.
*/

package main

import (
	"fmt"
	"os"

	"github.com/kleascm/akaylee-seedbank/cmd/seedbank/commands"
	"github.com/spf13/cobra"
)

var (
	// Configuration
	configFile string
	corpusRoot string

	// Logging configuration
	logLevel  string
	logFormat string
	logDir    string
	jsonLogs  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "seedbank",
		Short: "Akaylee Seedbank - seed execution, coverage scoring and corpus curation",
		Long: `Akaylee Seedbank executes generated C/C++ seed programs against instrumented
target libraries, scores each seed by the branch coverage it adds, and curates a
deduplicated corpus with a global coverage bitmap per library. Its schedule output
feeds the next round of seed generation.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file path (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&corpusRoot, "corpus", "", "Corpus root directory (overrides corpus.root)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "custom", "Log format (text, json, custom)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Also write logs to a timestamped file in this directory")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Use JSON log format")

	// Bind flags to viper
	v := commands.Viper()
	v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	v.BindPFlag("corpus.root", rootCmd.PersistentFlags().Lookup("corpus"))
	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	v.BindPFlag("log.dir", rootCmd.PersistentFlags().Lookup("log-dir"))
	v.BindPFlag("log.json", rootCmd.PersistentFlags().Lookup("json-logs"))

	// Ingest command
	ingestCmd := &cobra.Command{
		Use:   "ingest <path>...",
		Short: "Validate seed files and stage them for the next run",
		Long: `Parse and validate seed files (files or directories, walked recursively), stage the
valid ones under <corpus>/_pending/<target>/ and quarantine malformed ones with a reason
file. With --watch, keep watching the given directory and ingest seeds as they land.`,
		Args: cobra.MinimumNArgs(1),
		RunE: commands.RunIngest,
	}
	ingestCmd.Flags().Bool("watch", false, "Keep watching the directory for new seeds")
	ingestCmd.Flags().Duration("settle", 0, "How long a new file must stay unchanged before it is ingested")

	// Run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline over the staged batch",
		Long: `Execute every staged seed (or the seeds under --input) in the sandbox, collect
coverage, score against the corpus bitmap and commit each seed to its outcome. Prints
per-outcome counts when the batch completes.`,
		Args: cobra.NoArgs,
		RunE: commands.RunPipeline,
	}
	runCmd.Flags().String("target", "", "Only process seeds for this target library")
	runCmd.Flags().Int("workers", 0, "Worker pool size (0 = pipeline.workers, then CPU count)")
	runCmd.Flags().Int("timeout", 0, "Per-seed wall-clock limit in milliseconds (0 = configured)")
	runCmd.Flags().StringSlice("input", nil, "Seed files or directories to run instead of the staged batch")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while running (e.g. :9464)")
	runCmd.Flags().String("out", "", "Write the batch result to this reports directory")
	runCmd.Flags().String("format", "json", "Batch result file format (json, yaml)")
	runCmd.Flags().String("profile-dir", "", "Write CPU, heap and goroutine profiles of the run to this directory")

	// Report command
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize the corpus",
		Long:  `Show per-outcome totals, aggregate density and branch coverage fraction per target library.`,
		Args:  cobra.NoArgs,
		RunE:  commands.RunReport,
	}
	reportCmd.Flags().String("target", "", "Only report this target library")
	reportCmd.Flags().String("format", "text", "Output format (text, json, yaml)")
	reportCmd.Flags().String("out", "", "Also write the report to this reports directory")

	// Schedule command
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Emit the next seeds for the generator",
		Long: `Order accepted corpus entries by frontier priority (many library calls, low density)
and rotate across target libraries. The output is advisory and never modifies the corpus.`,
		Args: cobra.NoArgs,
		RunE: commands.RunSchedule,
	}
	scheduleCmd.Flags().String("target", "", "Only schedule this target library")
	scheduleCmd.Flags().Int("count", 10, "Number of entries to emit (0 = all)")
	scheduleCmd.Flags().String("format", "text", "Output format (text, json, yaml)")

	// Rescore command
	rescoreCmd := &cobra.Command{
		Use:   "rescore",
		Short: "Re-score accepted entries against each other",
		Long: `Recompute every live accepted entry against the union of the other accepted entries
and write superseding revisions. With --verify, only recompute stored scores and fail if
any of them cannot be reproduced.`,
		Args: cobra.NoArgs,
		RunE: commands.RunRescore,
	}
	rescoreCmd.Flags().String("target", "", "Only re-score this target library")
	rescoreCmd.Flags().Bool("verify", false, "Verify stored scores instead of re-scoring")
	rescoreCmd.Flags().String("format", "text", "Output format (text, json, yaml)")

	// Minimize command
	minimizeCmd := &cobra.Command{
		Use:   "minimize",
		Short: "List a minimal covering subset of the corpus",
		Args:  cobra.NoArgs,
		RunE:  commands.RunMinimize,
	}
	minimizeCmd.Flags().String("target", "", "Only minimize this target library")
	minimizeCmd.Flags().String("format", "text", "Output format (text, json, yaml)")

	// Triage command
	triageCmd := &cobra.Command{
		Use:   "triage",
		Short: "Group quarantined crashes by stack",
		Args:  cobra.NoArgs,
		RunE:  commands.RunTriage,
	}
	triageCmd.Flags().String("target", "", "Only triage this target library")
	triageCmd.Flags().String("format", "text", "Output format (text, json, yaml)")

	rootCmd.AddCommand(ingestCmd, runCmd, reportCmd, scheduleCmd, rescoreCmd, minimizeCmd, triageCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(commands.ExitCode(err))
	}
}
