/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: utils.go
Description: Shared utilities for the Akaylee Seedbank commands. Provides configuration
loading, logging setup, corpus opening, exit code mapping and the target selection and
output helpers used across all command implementations.
*/

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/kleascm/akaylee-seedbank/pkg/config"
	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/kleascm/akaylee-seedbank/pkg/corpus"
	"github.com/kleascm/akaylee-seedbank/pkg/logging"
	"github.com/kleascm/akaylee-seedbank/pkg/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// v holds defaults, SEEDBANK_* environment overrides and the bound global flags
var v = config.NewViper()

// Viper returns the configuration registry flags are bound to
func Viper() *viper.Viper {
	return v
}

// ExitError carries the process exit code a command failed with
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func fatal(err error) error {
	return &ExitError{Code: core.ExitFatal, Err: err}
}

// ExitCode maps a command error to the process exit code
func ExitCode(err error) int {
	if err == nil {
		return core.ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return core.ExitFatal
}

// LoadConfig loads configuration from the config file, environment and flags
func LoadConfig() (*config.Config, error) {
	if err := config.ReadFile(v, v.GetString("config")); err != nil {
		return nil, fatal(err)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fatal(fmt.Errorf("invalid configuration: %w", err))
	}
	return cfg, nil
}

// SetupLogging configures the logging system
func SetupLogging() (*logging.Logger, error) {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(v.GetString("log.level"))
	cfg.Format = logging.LogFormat(v.GetString("log.format"))
	if v.GetBool("log.json") {
		cfg.Format = logging.LogFormatJSON
	}
	cfg.OutputDir = v.GetString("log.dir")
	cfg.Output = os.Stderr

	logger, err := logging.NewLogger(cfg)
	if err != nil {
		return nil, fatal(fmt.Errorf("failed to setup logging: %w", err))
	}
	return logger, nil
}

// session bundles what every corpus command needs
type session struct {
	cfg   *config.Config
	log   *logging.Logger
	store *corpus.Store
}

// openSession loads configuration, sets up logging and opens the corpus
func openSession() (*session, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	log, err := SetupLogging()
	if err != nil {
		return nil, err
	}
	store, err := corpus.Open(cfg, log.GetLogger())
	if err != nil {
		log.Close()
		return nil, fatal(fmt.Errorf("failed to open corpus: %w", err))
	}
	return &session{cfg: cfg, log: log, store: store}, nil
}

func (s *session) close() error {
	err := s.store.Close()
	s.log.Close()
	if err != nil {
		return fatal(fmt.Errorf("failed to close corpus: %w", err))
	}
	return nil
}

// targets resolves the --target flag to the list of targets a command acts on
func (s *session) targets(cmd *cobra.Command) ([]string, error) {
	target, _ := cmd.Flags().GetString("target")
	if target == "" {
		return s.cfg.TargetNames(), nil
	}
	if _, ok := s.cfg.Target(target); !ok {
		return nil, fatal(fmt.Errorf("%w: %s is not configured", core.ErrUnknownTarget, target))
	}
	return []string{target}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// outputFormat reads and validates the --format flag
func outputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("format")
	switch format {
	case utils.FormatText, utils.FormatJSON, utils.FormatYAML:
		return format, nil
	}
	return "", fatal(fmt.Errorf("unsupported format: %s", format))
}

// emit writes v in a structured format, or calls text for the text format
func emit(w io.Writer, format string, v interface{}, text func(io.Writer)) error {
	if format == utils.FormatText {
		text(w)
		return nil
	}
	return utils.Encode(w, format, v)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
