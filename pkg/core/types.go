/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: types.go
Description: Core types and interfaces for the Akaylee Seedbank engine. Defines the data
structures that flow through the seed pipeline (seeds, execution results, coverage reports,
quality scores, corpus entries) and the component interfaces the engine is wired from.
*/

package core

import (
	"context"
	"sort"
	"time"

	"github.com/kleascm/akaylee-seedbank/pkg/bitmap"
)

// ExitCodeCompileFailed is the synthetic exit code reported when a seed does not compile
const ExitCodeCompileFailed = 254

// HeaderLayout remembers how a seed's metadata block was written
type HeaderLayout struct {
	Marker   string `json:"marker"`   // Comment marker, "//" or "#"
	Trailing bool   `json:"trailing"` // Header followed the body instead of preceding it
}

// Seed is a candidate program plus its provenance
// Immutable once Ingest has produced it
type Seed struct {
	ID          string       `json:"id"`          // Upstream identifier
	Prompt      string       `json:"prompt"`      // Opaque generation context
	Combination []string     `json:"combination"` // Opaque generation parameters
	Target      string       `json:"target"`      // Target library name
	SourceHash  string       `json:"source_hash"` // sha256 of the normalized body
	Source      []byte       `json:"-"`           // Executable body, header stripped
	Includes    []string     `json:"includes"`    // Declared #include dependencies
	Path        string       `json:"path"`        // Where the seed was read from
	Header      HeaderLayout `json:"header"`      // Layout of the original header
}

// TerminationReason describes how a sandboxed run ended
type TerminationReason int

const (
	TerminationCompleted TerminationReason = iota
	TerminationTimeout
	TerminationCrashed
	TerminationResourceExceeded
)

// String returns the canonical name of the termination reason
func (t TerminationReason) String() string {
	switch t {
	case TerminationCompleted:
		return "Completed"
	case TerminationTimeout:
		return "Timeout"
	case TerminationCrashed:
		return "Crashed"
	case TerminationResourceExceeded:
		return "ResourceExceeded"
	default:
		return "Unknown"
	}
}

// ParseTermination converts a stored name back into a TerminationReason
func ParseTermination(s string) TerminationReason {
	switch s {
	case "Timeout":
		return TerminationTimeout
	case "Crashed":
		return TerminationCrashed
	case "ResourceExceeded":
		return TerminationResourceExceeded
	default:
		return TerminationCompleted
	}
}

// CoverageFormat names the instrumentation artifact a target produces
type CoverageFormat string

const (
	CoverageFormatLLVMJSON CoverageFormat = "llvm-json" // llvm-cov export JSON
	CoverageFormatTrace    CoverageFormat = "trace"     // line-oriented harness trace
)

// Artifacts locates the instrumentation output of one execution
type Artifacts struct {
	Dir          string         `json:"dir"`           // Disposable scratch directory
	CoveragePath string         `json:"coverage_path"` // Raw coverage artifact
	Format       CoverageFormat `json:"format"`        // Artifact format
}

// ExecutionResult is the outcome of running one compiled seed
type ExecutionResult struct {
	SeedID        string            `json:"seed_id"`        // Seed that was executed
	ExitCode      int               `json:"exit_code"`      // Process exit code (254 on compile failure)
	Termination   TerminationReason `json:"termination"`    // How the run ended
	CompileFailed bool              `json:"compile_failed"` // Compilation short-circuited the run
	Signal        string            `json:"signal"`         // Terminating signal name, if any
	Interrupted   bool              `json:"interrupted"`    // Killed by engine shutdown
	Stdout        []byte            `json:"stdout"`         // Bounded stdout capture
	Stderr        []byte            `json:"stderr"`         // Bounded stderr capture
	Truncated     bool              `json:"truncated"`      // A capture hit its bound
	WallDuration  time.Duration     `json:"wall_duration"`  // Wall-clock run time
	PeakRSS       uint64            `json:"peak_rss"`       // Peak resident set in bytes
	Artifacts     Artifacts         `json:"artifacts"`      // Instrumentation output
}

// CoverageReport holds canonical per-seed coverage facts
type CoverageReport struct {
	VisitedLines  map[string]struct{} `json:"visited_lines"`  // Program points reached
	BranchHits    map[string]uint64   `json:"branch_hits"`    // Edge identifier -> hit count
	LibraryCalls  map[string]int      `json:"library_calls"`  // Target entry point -> invocations
	CriticalCalls map[string]int      `json:"critical_calls"` // Allowlisted subset of LibraryCalls
}

// NewCoverageReport creates an empty report
func NewCoverageReport() *CoverageReport {
	return &CoverageReport{
		VisitedLines:  make(map[string]struct{}),
		BranchHits:    make(map[string]uint64),
		LibraryCalls:  make(map[string]int),
		CriticalCalls: make(map[string]int),
	}
}

// LibraryCallCount returns the size of the library call multiset
func (r *CoverageReport) LibraryCallCount() int {
	return sumCounts(r.LibraryCalls)
}

// CriticalCallCount returns the size of the critical call multiset
func (r *CoverageReport) CriticalCallCount() int {
	return sumCounts(r.CriticalCalls)
}

// CoveredBranches returns edge identifiers with a non-zero hit count, sorted
func (r *CoverageReport) CoveredBranches() []string {
	out := make([]string, 0, len(r.BranchHits))
	for edge, hits := range r.BranchHits {
		if hits > 0 {
			out = append(out, edge)
		}
	}
	sort.Strings(out)
	return out
}

func sumCounts(m map[string]int) int {
	total := 0
	for _, n := range m {
		total += n
	}
	return total
}

// QualityScore is the set of metrics derived from a coverage report and a bitmap view
type QualityScore struct {
	Density           float64 `json:"density" yaml:"density"`
	UniqueBranches    int     `json:"unique_branches" yaml:"unique_branches"`
	LibraryCallCount  int     `json:"library_calls" yaml:"library_calls"`
	CriticalCallCount int     `json:"critical_calls" yaml:"critical_calls"`
	VisitedCount      int     `json:"visited" yaml:"visited"`
	Composite         float64 `json:"composite" yaml:"composite"`
}

// SeedStatus is the final routing of a seed
type SeedStatus string

const (
	StatusAccepted               SeedStatus = "Accepted"
	StatusRejectedDuplicate      SeedStatus = "Rejected-Duplicate"
	StatusQuarantinedCrash       SeedStatus = "Quarantined-Crash"
	StatusAblationVariant        SeedStatus = "Ablation-Variant"
	StatusQuarantinedUnscoreable SeedStatus = "Quarantined-Unscoreable"
	StatusFailedCompile          SeedStatus = "Failed-Compile"

	// Outcomes that never produce a corpus entry
	StatusDuplicateSeed   SeedStatus = "Duplicate-Seed"
	StatusMalformedHeader SeedStatus = "Malformed-Header"
	StatusUnknownTarget   SeedStatus = "Unknown-Target"
	StatusSkipped         SeedStatus = "Skipped"
)

// AllStatuses lists every status in reporting order
var AllStatuses = []SeedStatus{
	StatusAccepted,
	StatusAblationVariant,
	StatusRejectedDuplicate,
	StatusQuarantinedCrash,
	StatusQuarantinedUnscoreable,
	StatusFailedCompile,
	StatusDuplicateSeed,
	StatusMalformedHeader,
	StatusUnknownTarget,
	StatusSkipped,
}

// Quarantined reports whether the status lands the seed in a quarantine area
func (s SeedStatus) Quarantined() bool {
	switch s {
	case StatusQuarantinedCrash, StatusQuarantinedUnscoreable, StatusMalformedHeader, StatusUnknownTarget:
		return true
	}
	return false
}

// CorpusEntry is a persisted, scored seed
// Never mutated; re-scoring writes a new revision that supersedes it
type CorpusEntry struct {
	EntryID     string            `json:"entry_id" yaml:"entry_id"`
	Seq         uint64            `json:"seq" yaml:"seq"`                 // Commit sequence
	Revision    int               `json:"revision" yaml:"revision"`       // 1 for first commit
	Supersedes  string            `json:"supersedes,omitempty" yaml:"supersedes,omitempty"`
	Superseded  bool              `json:"superseded" yaml:"superseded"`   // A newer revision exists
	Seed        *Seed             `json:"seed" yaml:"seed"`
	Score       QualityScore      `json:"score" yaml:"score"`
	Basis       ScoreBasis        `json:"basis" yaml:"basis"`             // View the score was computed against
	Status      SeedStatus        `json:"status" yaml:"status"`
	Termination TerminationReason `json:"termination" yaml:"termination"`
	Coverage    []uint64          `json:"-" yaml:"-"`                     // Full edge set, sorted
	Contributed []uint64          `json:"contributed_edges" yaml:"contributed_edges"`
	Path        string            `json:"path" yaml:"path"`               // Persisted seed file, if kept
	CreatedAt   time.Time         `json:"created_at" yaml:"created_at"`
}

// ScheduledEntry is one slot of the feed handed back to the seed generator
type ScheduledEntry struct {
	Entry    *CorpusEntry `json:"entry" yaml:"entry"`
	Priority float64      `json:"priority" yaml:"priority"` // Frontier priority at scheduling time
	Round    int          `json:"round" yaml:"round"`       // Rotation round across targets, from 0
}

// ScoreBasis names the coverage view a score was computed against
type ScoreBasis string

const (
	BasisBitmap      ScoreBasis = "bitmap"        // Global bitmap at commit time
	BasisLeaveOneOut ScoreBasis = "leave-one-out" // Other live accepted entries at re-score time
)

// CommitRequest carries one scored seed to the corpus aggregator
type CommitRequest struct {
	Seed      *Seed
	Result    *ExecutionResult
	Report    *CoverageReport
	Tentative QualityScore // Score against the worker's snapshot
	ScoredAt  uint64       // Snapshot sequence the tentative score used
	Failure   SeedStatus   // Set for compile failures and unscoreable seeds
	Cause     error        // Why the seed failed, if it did
}

// CommitOutcome is the aggregator's final answer for one request
type CommitOutcome struct {
	Status     SeedStatus
	Score      QualityScore
	Entry      *CorpusEntry
	Recomputed bool // Final score differs from the tentative one
}

// SeedParser turns raw seed text into a Seed
type SeedParser interface {
	Parse(path string, raw []byte) (*Seed, error)
}

// Executor compiles and runs a seed in isolation
type Executor interface {
	Run(ctx context.Context, seed *Seed) (*ExecutionResult, error)
	Release(result *ExecutionResult)
}

// CoverageCollector converts instrumentation artifacts into a CoverageReport
type CoverageCollector interface {
	Collect(ctx context.Context, seed *Seed, result *ExecutionResult) (*CoverageReport, error)
}

// Scorer computes a QualityScore; implementations must be pure
type Scorer interface {
	Score(report *CoverageReport, known bitmap.EdgeSet) QualityScore
}

// CorpusCommitter is the corpus surface the pipeline depends on
type CorpusCommitter interface {
	Known(sourceHash string) bool
	Snapshot(target string) *bitmap.Snapshot
	Commit(ctx context.Context, req *CommitRequest) (*CommitOutcome, error)
	QuarantineIngest(path string, raw []byte, reason error) error
}
