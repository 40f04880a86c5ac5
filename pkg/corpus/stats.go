/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: stats.go
Description: Read-only corpus summaries: per-status totals, aggregate density and branch
coverage fraction per target, plus a greedy set-cover minimization of the accepted entries.
*/

package corpus

import (
	"context"
	"sort"

	"github.com/kleascm/akaylee-seedbank/pkg/bitmap"
	"github.com/kleascm/akaylee-seedbank/pkg/core"
)

// Stats summarizes one target
type Stats struct {
	Target           string                  `json:"target" yaml:"target"`
	Totals           map[core.SeedStatus]int `json:"totals" yaml:"totals"`
	Entries          int                     `json:"entries" yaml:"entries"`
	AggregateDensity float64                 `json:"aggregate_density" yaml:"aggregate_density"`
	BitmapEdges      int                     `json:"bitmap_edges" yaml:"bitmap_edges"`
	TotalBranches    int                     `json:"total_branches,omitempty" yaml:"total_branches,omitempty"`
	CoverageFraction float64                 `json:"coverage_fraction,omitempty" yaml:"coverage_fraction,omitempty"`
}

// Stats computes the summary of target from live entries
func (s *Store) Stats(ctx context.Context, target string) (*Stats, error) {
	entries, err := s.manifest.entries(ctx, Filter{Target: target})
	if err != nil {
		return nil, err
	}

	st := &Stats{
		Target:      target,
		Totals:      make(map[core.SeedStatus]int),
		Entries:     len(entries),
		BitmapEdges: s.Snapshot(target).Len(),
	}
	var unique, visited int
	for _, e := range entries {
		st.Totals[e.Status]++
		if e.Status == core.StatusAccepted {
			unique += e.Score.UniqueBranches
			visited += e.Score.VisitedCount
		}
	}
	st.AggregateDensity = float64(unique) / float64(max(1, visited))

	if t, ok := s.cfg.Target(target); ok && t.TotalBranches > 0 {
		st.TotalBranches = t.TotalBranches
		st.CoverageFraction = float64(st.BitmapEdges) / float64(t.TotalBranches)
	}
	return st, nil
}

// AllStats returns Stats for every configured target, or only target when set
func (s *Store) AllStats(ctx context.Context, target string) ([]*Stats, error) {
	targets := s.cfg.TargetNames()
	if target != "" {
		targets = []string{target}
	}
	out := make([]*Stats, 0, len(targets))
	for _, t := range targets {
		st, err := s.Stats(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Minimization is an advisory smallest-cover listing of a target's accepted entries
type Minimization struct {
	Target    string              `json:"target" yaml:"target"`
	Accepted  int                 `json:"accepted" yaml:"accepted"`
	Selected  []*core.CorpusEntry `json:"selected" yaml:"selected"`
	Covered   int                 `json:"covered" yaml:"covered"`
	Uncovered int                 `json:"uncovered" yaml:"uncovered"` // Bitmap edges no live entry covers
}

// Minimize greedily picks accepted entries until their union covers every bitmap edge any of
// them covers. Ties go to the earlier commit. Nothing is modified.
func (s *Store) Minimize(ctx context.Context, target string) (*Minimization, error) {
	entries, err := s.manifest.entries(ctx, Filter{Target: target, Statuses: []core.SeedStatus{core.StatusAccepted}})
	if err != nil {
		return nil, err
	}
	universe := s.Snapshot(target)

	remaining := make(bitmap.Set)
	for _, e := range entries {
		for _, edge := range e.Coverage {
			if universe.Contains(edge) {
				remaining[edge] = struct{}{}
			}
		}
	}

	m := &Minimization{
		Target:    target,
		Accepted:  len(entries),
		Selected:  make([]*core.CorpusEntry, 0),
		Covered:   len(remaining),
		Uncovered: universe.Len() - len(remaining),
	}

	candidates := append([]*core.CorpusEntry(nil), entries...)
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Seq < candidates[j].Seq })
	for len(remaining) > 0 {
		best, bestGain := -1, 0
		for i, c := range candidates {
			if c == nil {
				continue
			}
			gain := 0
			for _, edge := range c.Coverage {
				if remaining.Contains(edge) {
					gain++
				}
			}
			if gain > bestGain {
				best, bestGain = i, gain
			}
		}
		if best < 0 {
			break
		}
		pick := candidates[best]
		candidates[best] = nil
		for _, edge := range pick.Coverage {
			delete(remaining, edge)
		}
		m.Selected = append(m.Selected, pick)
	}
	return m, nil
}
