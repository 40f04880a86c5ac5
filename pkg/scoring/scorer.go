/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: scorer.go
Description: Quality scorer for the Akaylee Seedbank. Computes density, uniqueness and
criticality metrics for a coverage report against a read-only view of the global bitmap.
Scoring is a pure function of (report, view, weights): it never mutates the bitmap.
*/

package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/kleascm/akaylee-seedbank/pkg/bitmap"
	"github.com/kleascm/akaylee-seedbank/pkg/core"
)

// Weights are the composite score coefficients
type Weights struct {
	Density          float64 `mapstructure:"density" json:"density" yaml:"density"`
	UniqueBranches   float64 `mapstructure:"unique_branches" json:"unique_branches" yaml:"unique_branches"`
	CriticalCalls    float64 `mapstructure:"critical_calls" json:"critical_calls" yaml:"critical_calls"`
	DuplicatePenalty float64 `mapstructure:"duplicate_penalty" json:"duplicate_penalty" yaml:"duplicate_penalty"`
}

// DefaultWeights returns the stock weighting
func DefaultWeights() Weights {
	return Weights{
		Density:          1.0,
		UniqueBranches:   1.0,
		CriticalCalls:    0.5,
		DuplicatePenalty: 1.0,
	}
}

// Validate rejects weights that would make scores meaningless
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"density":           w.Density,
		"unique_branches":   w.UniqueBranches,
		"critical_calls":    w.CriticalCalls,
		"duplicate_penalty": w.DuplicatePenalty,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("scoring weight %s must be finite", name)
		}
		if v < 0 {
			return fmt.Errorf("scoring weight %s must not be negative", name)
		}
	}
	return nil
}

// EdgeID maps a canonical branch-edge identifier to its bitmap key
func EdgeID(edge string) uint64 {
	return xxhash.Sum64String(edge)
}

// EdgeIDs returns the sorted, de-duplicated keys of every covered branch in the report
func EdgeIDs(report *core.CoverageReport) []uint64 {
	if report == nil {
		return nil
	}
	seen := make(map[uint64]struct{}, len(report.BranchHits))
	out := make([]uint64, 0, len(report.BranchHits))
	for edge, hits := range report.BranchHits {
		if hits == 0 {
			continue
		}
		id := EdgeID(edge)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Scorer computes QualityScores with fixed weights
type Scorer struct {
	weights Weights
}

// New creates a scorer
func New(weights Weights) *Scorer {
	return &Scorer{weights: weights}
}

// Weights returns the configured weights
func (s *Scorer) Weights() Weights {
	return s.weights
}

// Score computes the quality of report relative to the known edge set
func (s *Scorer) Score(report *core.CoverageReport, known bitmap.EdgeSet) core.QualityScore {
	if report == nil {
		report = core.NewCoverageReport()
	}
	return s.ScoreEdges(report, EdgeIDs(report), known)
}

// ScoreEdges is Score with the report's edge ids already computed
func (s *Scorer) ScoreEdges(report *core.CoverageReport, edges []uint64, known bitmap.EdgeSet) core.QualityScore {
	return s.ScoreCounts(edges, len(report.VisitedLines), report.LibraryCallCount(), report.CriticalCallCount(), known)
}

// ScoreCounts scores from the persisted facts of an entry, so stored scores can be re-derived
// without the original report
func (s *Scorer) ScoreCounts(edges []uint64, visited, libraryCalls, criticalCalls int, known bitmap.EdgeSet) core.QualityScore {
	unique := 0
	for _, e := range edges {
		if known == nil || !known.Contains(e) {
			unique++
		}
	}

	score := core.QualityScore{
		UniqueBranches:    unique,
		LibraryCallCount:  libraryCalls,
		CriticalCallCount: criticalCalls,
		VisitedCount:      visited,
	}
	score.Density = float64(unique) / float64(max(1, visited))

	penalty := 0.0
	if unique == 0 {
		penalty = 1.0
	}
	score.Composite = s.weights.Density*score.Density +
		s.weights.UniqueBranches*float64(score.UniqueBranches) +
		s.weights.CriticalCalls*float64(score.CriticalCallCount) -
		s.weights.DuplicatePenalty*penalty

	return score
}
