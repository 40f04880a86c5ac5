/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: config.go
Description: Configuration for the Akaylee Seedbank. Loads defaults, an optional YAML/TOML
config file, SEEDBANK_* environment variables and bound command-line flags through viper,
then validates the target registry (instrumented builds, compile templates, critical-function
allowlists), resource ceilings and scoring weights.
*/

package config

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/kleascm/akaylee-seedbank/pkg/scoring"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides (SEEDBANK_SANDBOX_TIMEOUT=30s)
const EnvPrefix = "SEEDBANK"

// Config is the complete engine configuration
type Config struct {
	Corpus   CorpusConfig            `mapstructure:"corpus"`
	Sandbox  SandboxConfig           `mapstructure:"sandbox"`
	Coverage CoverageConfig          `mapstructure:"coverage"`
	Scoring  ScoringConfig           `mapstructure:"scoring"`
	Pipeline PipelineConfig          `mapstructure:"pipeline"`
	Targets  map[string]TargetConfig `mapstructure:"targets"`
}

// CorpusConfig controls the corpus store
type CorpusConfig struct {
	Root           string `mapstructure:"root"`
	KeepDuplicates bool   `mapstructure:"keep_duplicates"` // Persist Rejected-Duplicate seed files
	CriticalFloor  int    `mapstructure:"critical_floor"`  // Accept when critical calls exceed this (0 disables)
}

// SandboxConfig holds global execution ceilings
type SandboxConfig struct {
	ScratchDir      string        `mapstructure:"scratch_dir"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CompileTimeout  time.Duration `mapstructure:"compile_timeout"`
	MemoryLimitMB   uint64        `mapstructure:"memory_limit_mb"`
	MaxOutputBytes  int           `mapstructure:"max_output_bytes"`
	MaxFileBytes    uint64        `mapstructure:"max_file_bytes"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	ExportTimeout   time.Duration `mapstructure:"export_timeout"`
	LLVMProfdata    string        `mapstructure:"llvm_profdata"`
	LLVMCov         string        `mapstructure:"llvm_cov"`
	ASanExitCode    int           `mapstructure:"asan_exitcode"`
}

// CoverageConfig controls coverage collection
type CoverageConfig struct {
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// ScoringConfig holds the composite weights
type ScoringConfig struct {
	Weights scoring.Weights `mapstructure:"weights"`
}

// PipelineConfig controls the worker pool and aggregator
type PipelineConfig struct {
	Workers          int           `mapstructure:"workers"`
	CommitQueueDepth int           `mapstructure:"commit_queue_depth"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
}

// TargetConfig registers one instrumented target library
type TargetConfig struct {
	Headers           []string            `mapstructure:"headers"`            // Include names that identify the target
	BuildDir          string              `mapstructure:"build_dir"`          // Instrumented build root
	IncludeDir        string              `mapstructure:"include_dir"`        // Defaults to <build_dir>/include
	Library           string              `mapstructure:"library"`            // Static/shared library to link
	SourceRoot        string              `mapstructure:"source_root"`        // Library sources, for call attribution
	Compile           []string            `mapstructure:"compile"`            // argv template
	Run               []string            `mapstructure:"run"`                // argv template, defaults to {bin}
	SourceExt         string              `mapstructure:"source_ext"`         // Defaults to .cpp
	CoverageFormat    core.CoverageFormat `mapstructure:"coverage_format"`    // llvm-json or trace
	CriticalFunctions []string            `mapstructure:"critical_functions"` // Exact names or globs
	TotalBranches     int                 `mapstructure:"total_branches"`     // For coverage fraction reporting
	ASanOptions       string              `mapstructure:"asan_options"`
	Env               map[string]string   `mapstructure:"env"`
	Timeout           time.Duration       `mapstructure:"timeout"`         // Overrides sandbox.timeout
	MemoryLimitMB     uint64              `mapstructure:"memory_limit_mb"` // Overrides sandbox.memory_limit_mb
}

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("corpus.root", "./corpus")
	v.SetDefault("corpus.keep_duplicates", false)
	v.SetDefault("corpus.critical_floor", 0)

	v.SetDefault("sandbox.scratch_dir", "")
	v.SetDefault("sandbox.timeout", 180*time.Second)
	v.SetDefault("sandbox.compile_timeout", 120*time.Second)
	v.SetDefault("sandbox.memory_limit_mb", 2048)
	v.SetDefault("sandbox.max_output_bytes", 64*1024)
	v.SetDefault("sandbox.max_file_bytes", 256*1024*1024)
	v.SetDefault("sandbox.monitor_interval", 20*time.Millisecond)
	v.SetDefault("sandbox.export_timeout", 60*time.Second)
	v.SetDefault("sandbox.llvm_profdata", "llvm-profdata")
	v.SetDefault("sandbox.llvm_cov", "llvm-cov")
	v.SetDefault("sandbox.asan_exitcode", 168)

	v.SetDefault("coverage.retry_delay", 50*time.Millisecond)

	w := scoring.DefaultWeights()
	v.SetDefault("scoring.weights.density", w.Density)
	v.SetDefault("scoring.weights.unique_branches", w.UniqueBranches)
	v.SetDefault("scoring.weights.critical_calls", w.CriticalCalls)
	v.SetDefault("scoring.weights.duplicate_penalty", w.DuplicatePenalty)

	v.SetDefault("pipeline.workers", 0)
	v.SetDefault("pipeline.commit_queue_depth", 64)
	v.SetDefault("pipeline.shutdown_grace", 10*time.Second)
}

// NewViper returns a viper instance with defaults and environment binding
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile loads a config file into v
func ReadFile(v *viper.Viper, file string) error {
	if file == "" {
		return nil
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	targets := make(map[string]TargetConfig, len(c.Targets))
	for name, t := range c.Targets {
		if t.SourceExt == "" {
			t.SourceExt = ".cpp"
		}
		if !strings.HasPrefix(t.SourceExt, ".") {
			t.SourceExt = "." + t.SourceExt
		}
		if t.CoverageFormat == "" {
			t.CoverageFormat = core.CoverageFormatLLVMJSON
		}
		if t.IncludeDir == "" && t.BuildDir != "" {
			t.IncludeDir = path.Join(t.BuildDir, "include")
		}
		if len(t.Run) == 0 {
			t.Run = []string{"{bin}"}
		}
		targets[strings.ToLower(name)] = t
	}
	c.Targets = targets
}

// Validate checks the configuration for invalid or missing values
func (c *Config) Validate() error {
	if c.Corpus.Root == "" {
		return fmt.Errorf("corpus.root must not be empty")
	}
	if c.Corpus.CriticalFloor < 0 {
		return fmt.Errorf("corpus.critical_floor must not be negative")
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}
	if c.Sandbox.CompileTimeout <= 0 {
		return fmt.Errorf("sandbox.compile_timeout must be positive")
	}
	if c.Sandbox.ExportTimeout <= 0 {
		return fmt.Errorf("sandbox.export_timeout must be positive")
	}
	if c.Sandbox.MemoryLimitMB == 0 {
		return fmt.Errorf("sandbox.memory_limit_mb must be positive")
	}
	if c.Sandbox.MaxOutputBytes <= 0 {
		return fmt.Errorf("sandbox.max_output_bytes must be positive")
	}
	if c.Sandbox.MonitorInterval <= 0 {
		return fmt.Errorf("sandbox.monitor_interval must be positive")
	}
	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers must not be negative")
	}
	if c.Pipeline.CommitQueueDepth <= 0 {
		return fmt.Errorf("pipeline.commit_queue_depth must be positive")
	}
	if err := c.Scoring.Weights.Validate(); err != nil {
		return err
	}

	claimed := make(map[string]string)
	for _, name := range c.TargetNames() {
		t := c.Targets[name]
		if len(t.Headers) == 0 {
			return fmt.Errorf("target %s: headers must not be empty", name)
		}
		if len(t.Compile) == 0 {
			return fmt.Errorf("target %s: compile template must not be empty", name)
		}
		if t.Timeout < 0 {
			return fmt.Errorf("target %s: timeout must not be negative", name)
		}
		switch t.CoverageFormat {
		case core.CoverageFormatLLVMJSON, core.CoverageFormatTrace:
		default:
			return fmt.Errorf("target %s: unsupported coverage format: %s", name, t.CoverageFormat)
		}
		for _, pattern := range t.CriticalFunctions {
			if _, err := path.Match(pattern, ""); err != nil {
				return fmt.Errorf("target %s: bad critical function pattern %q: %w", name, pattern, err)
			}
		}
		for _, h := range t.Headers {
			if other, ok := claimed[h]; ok {
				return fmt.Errorf("header %s is claimed by both %s and %s", h, other, name)
			}
			claimed[h] = name
		}
	}
	return nil
}

// TargetNames returns the registered targets in sorted order
func (c *Config) TargetNames() []string {
	names := make([]string, 0, len(c.Targets))
	for name := range c.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Target looks up one target by name
func (c *Config) Target(name string) (TargetConfig, bool) {
	t, ok := c.Targets[strings.ToLower(name)]
	return t, ok
}

// TimeoutFor returns the effective wall-clock limit for a target
func (c *Config) TimeoutFor(name string) time.Duration {
	if t, ok := c.Target(name); ok && t.Timeout > 0 {
		return t.Timeout
	}
	return c.Sandbox.Timeout
}

// MemoryLimitFor returns the effective memory ceiling in bytes for a target
func (c *Config) MemoryLimitFor(name string) uint64 {
	mb := c.Sandbox.MemoryLimitMB
	if t, ok := c.Target(name); ok && t.MemoryLimitMB > 0 {
		mb = t.MemoryLimitMB
	}
	return mb * 1024 * 1024
}

// HeaderRegistry returns target -> identifying headers for ingest
func (c *Config) HeaderRegistry() map[string][]string {
	out := make(map[string][]string, len(c.Targets))
	for name, t := range c.Targets {
		out[name] = t.Headers
	}
	return out
}
