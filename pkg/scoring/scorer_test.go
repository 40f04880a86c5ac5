/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: scorer_test.go
Description: Tests for the quality scorer: determinism, uniqueness against bitmap views,
density, the duplicate penalty and the composite formula.
*/

package scoring_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kleascm/akaylee-seedbank/pkg/bitmap"
	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/kleascm/akaylee-seedbank/pkg/scoring"
	"github.com/stretchr/testify/assert"
)

func reportWith(branches []string, lines int, calls, critical map[string]int) *core.CoverageReport {
	r := core.NewCoverageReport()
	for _, b := range branches {
		r.BranchHits[b] = 1
	}
	for i := 0; i < lines; i++ {
		r.VisitedLines[string(rune('a'+i))] = struct{}{}
	}
	for k, v := range calls {
		r.LibraryCalls[k] = v
	}
	for k, v := range critical {
		r.CriticalCalls[k] = v
	}
	return r
}

func snapshotOf(branches ...string) *bitmap.Snapshot {
	b := bitmap.New()
	ids := make([]uint64, 0, len(branches))
	for _, br := range branches {
		ids = append(ids, scoring.EdgeID(br))
	}
	b.Add(ids, 1)
	return b.Snapshot()
}

func TestScoreIsDeterministic(t *testing.T) {
	s := scoring.New(scoring.DefaultWeights())
	report := reportWith([]string{"1", "2", "3"}, 4, map[string]int{"inflate": 2}, map[string]int{"inflate": 2})
	snap := snapshotOf("2")

	first := s.Score(report, snap)
	for i := 0; i < 50; i++ {
		if diff := cmp.Diff(first, s.Score(report, snap)); diff != "" {
			t.Fatalf("score changed between calls (-first +now):\n%s", diff)
		}
	}
	assert.Equal(t, 1, snap.Len(), "scoring must not mutate the snapshot")
}

func TestScoreUniqueBranches(t *testing.T) {
	s := scoring.New(scoring.DefaultWeights())

	a := reportWith([]string{"1", "2", "3"}, 3, nil, nil)
	b := reportWith([]string{"1", "2", "4"}, 3, nil, nil)

	assert.Equal(t, 3, s.Score(a, bitmap.Empty()).UniqueBranches)
	assert.Equal(t, 1, s.Score(b, snapshotOf("1", "2", "3")).UniqueBranches)
	assert.Equal(t, 0, s.Score(a, snapshotOf("1", "2", "3")).UniqueBranches)
}

func TestScoreIgnoresZeroHitBranches(t *testing.T) {
	s := scoring.New(scoring.DefaultWeights())
	r := reportWith([]string{"x:1:1:T"}, 1, nil, nil)
	r.BranchHits["x:1:1:F"] = 0

	assert.Equal(t, 1, s.Score(r, nil).UniqueBranches)
	assert.Len(t, scoring.EdgeIDs(r), 1)
}

func TestScoreDensityAndComposite(t *testing.T) {
	w := scoring.Weights{Density: 2, UniqueBranches: 0.5, CriticalCalls: 3, DuplicatePenalty: 10}
	s := scoring.New(w)

	testCases := []struct {
		name     string
		report   *core.CoverageReport
		known    *bitmap.Snapshot
		expected core.QualityScore
	}{
		{
			name:   "novel",
			report: reportWith([]string{"1", "2"}, 4, map[string]int{"png_read": 3}, map[string]int{"png_read": 1}),
			known:  bitmap.Empty(),
			expected: core.QualityScore{
				Density: 0.5, UniqueBranches: 2, LibraryCallCount: 3, CriticalCallCount: 1, VisitedCount: 4,
				Composite: 2*0.5 + 0.5*2 + 3*1,
			},
		},
		{
			name:   "pure duplicate",
			report: reportWith([]string{"1"}, 2, map[string]int{"png_read": 1}, nil),
			known:  snapshotOf("1"),
			expected: core.QualityScore{
				Density: 0, UniqueBranches: 0, LibraryCallCount: 1, VisitedCount: 2,
				Composite: -10,
			},
		},
		{
			name:   "no visited lines",
			report: reportWith([]string{"9"}, 0, nil, nil),
			known:  nil,
			expected: core.QualityScore{
				Density: 1, UniqueBranches: 1,
				Composite: 2*1 + 0.5*1,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := s.Score(tc.report, tc.known)
			if diff := cmp.Diff(tc.expected, got); diff != "" {
				t.Errorf("unexpected score (-want +got):\n%s", diff)
			}
		})
	}
}

func TestScoreNilReport(t *testing.T) {
	s := scoring.New(scoring.DefaultWeights())
	got := s.Score(nil, nil)
	assert.Equal(t, 0, got.UniqueBranches)
	assert.Equal(t, -scoring.DefaultWeights().DuplicatePenalty, got.Composite)
}

func TestWeightsValidate(t *testing.T) {
	assert.NoError(t, scoring.DefaultWeights().Validate())
	bad := scoring.DefaultWeights()
	bad.CriticalCalls = -1
	assert.Error(t, bad.Validate())
}
