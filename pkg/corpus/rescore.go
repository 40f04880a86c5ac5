/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: rescore.go
Description: Explicit re-scoring and score verification. Re-scoring replaces each live Accepted
entry of a target with a new revision scored against the coverage of the other accepted entries;
verification rebuilds the view a stored score was computed against and recomputes it.
*/

package corpus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kleascm/akaylee-seedbank/pkg/bitmap"
	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/kleascm/akaylee-seedbank/pkg/ingest"
	"github.com/sirupsen/logrus"
)

// ErrVerifyMismatch is returned when a stored score cannot be reproduced
var ErrVerifyMismatch = errors.New("stored score does not match recomputed score")

// RescoreResult summarizes one re-scoring pass
type RescoreResult struct {
	Target    string              `json:"target" yaml:"target"`
	Revisions []*core.CorpusEntry `json:"revisions" yaml:"revisions"`
	Demoted   int                 `json:"demoted" yaml:"demoted"` // No longer Accepted
}

// Rescore recomputes every live Accepted entry of target against the leave-one-out view:
// the union of the coverage of the other live accepted entries at the time the entry is
// processed. Entries are processed in commit order; each gets a superseding revision.
// The bitmap is never reduced.
func (s *Store) Rescore(ctx context.Context, target string) (*RescoreResult, error) {
	result := &RescoreResult{Target: target, Revisions: make([]*core.CorpusEntry, 0)}
	err := s.agg.Do(ctx, func() error {
		ix := s.indexFor(target)
		for _, old := range ix.sorted() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rev, err := s.rescoreEntry(context.WithoutCancel(ctx), ix, old)
			if err != nil {
				return err
			}
			result.Revisions = append(result.Revisions, rev)
			if rev.Status != core.StatusAccepted {
				result.Demoted++
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	s.logger.WithFields(logrus.Fields{
		"target":    target,
		"revisions": len(result.Revisions),
		"demoted":   result.Demoted,
	}).Info("Re-scoring complete")
	return result, nil
}

func (s *Store) rescoreEntry(ctx context.Context, ix *coverageIndex, old *core.CorpusEntry) (*core.CorpusEntry, error) {
	others := ix.others(old.EntryID)
	score := s.scorer.ScoreCounts(old.Coverage, old.Score.VisitedCount, old.Score.LibraryCallCount,
		old.Score.CriticalCallCount, others)

	contributed := make([]uint64, 0)
	for _, e := range old.Coverage {
		if !others.Contains(e) {
			contributed = append(contributed, e)
		}
	}

	rev := &core.CorpusEntry{
		EntryID:     uuid.NewString(),
		Seq:         s.seq + 1,
		Revision:    old.Revision + 1,
		Supersedes:  old.EntryID,
		Seed:        old.Seed,
		Score:       score,
		Basis:       core.BasisLeaveOneOut,
		Termination: old.Termination,
		Coverage:    old.Coverage,
		Contributed: contributed,
		CreatedAt:   time.Now().UTC(),
	}
	rev.Status = s.route(old.Seed.Target, old.Coverage, score, old.EntryID)
	rev.Path = s.seedPath(rev)

	if rev.Path != "" {
		if err := writeAtomic(rev.Path, ingest.Render(rev.Seed, rev.Score)); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrPersist, err)
		}
	}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if err := insertEntry(ctx, tx, rev); err != nil {
			return err
		}
		return markSuperseded(ctx, tx, old.EntryID, rev.Seq)
	})
	if err != nil {
		if rev.Path != "" && rev.Path != old.Path {
			os.Remove(rev.Path)
		}
		return nil, err
	}
	if old.Path != "" && old.Path != rev.Path {
		if err := os.Remove(old.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.WithField("path", old.Path).Warnf("Failed to remove superseded seed file: %v", err)
		}
	}

	s.seq = rev.Seq
	ix.remove(old.EntryID)
	if rev.Status == core.StatusAccepted {
		ix.add(rev)
	}
	return rev, nil
}

// Verify recomputes the score of entry against the view recorded by its basis and reports
// ErrVerifyMismatch if the stored score is not reproduced exactly
func (s *Store) Verify(ctx context.Context, entry *core.CorpusEntry) error {
	if entry.Seed == nil {
		return fmt.Errorf("entry %s has no seed", entry.EntryID)
	}

	var view bitmap.EdgeSet
	switch entry.Basis {
	case core.BasisLeaveOneOut:
		set, err := s.leaveOneOutView(ctx, entry)
		if err != nil {
			return err
		}
		view = set
	default:
		view = s.Snapshot(entry.Seed.Target).AsOf(entry.Seq)
	}

	got := s.scorer.ScoreCounts(entry.Coverage, entry.Score.VisitedCount, entry.Score.LibraryCallCount,
		entry.Score.CriticalCallCount, view)
	if got != entry.Score {
		return fmt.Errorf("%w: entry %s (seq %d): stored %+v, recomputed %+v",
			ErrVerifyMismatch, entry.EntryID, entry.Seq, entry.Score, got)
	}
	return nil
}

// leaveOneOutView rebuilds the set of edges covered by the other accepted seeds just before
// entry was written: the latest revision of every other source hash, if it was Accepted.
func (s *Store) leaveOneOutView(ctx context.Context, entry *core.CorpusEntry) (bitmap.Set, error) {
	all, err := s.manifest.entries(ctx, Filter{Target: entry.Seed.Target, IncludeSuperseded: true})
	if err != nil {
		return nil, err
	}
	latest := make(map[string]*core.CorpusEntry)
	for _, e := range all {
		if e.Seq >= entry.Seq {
			break
		}
		latest[e.Seed.SourceHash] = e
	}

	view := make(bitmap.Set)
	for hash, e := range latest {
		if hash == entry.Seed.SourceHash || e.Status != core.StatusAccepted {
			continue
		}
		for _, edge := range e.Coverage {
			view[edge] = struct{}{}
		}
	}
	return view, nil
}

// VerifyAll checks every live scored entry of target and returns how many were checked
func (s *Store) VerifyAll(ctx context.Context, target string) (int, error) {
	entries, err := s.manifest.entries(ctx, Filter{Target: target})
	if err != nil {
		return 0, err
	}
	checked := 0
	var errs []error
	for _, e := range entries {
		if !scored(e) {
			continue
		}
		checked++
		if err := s.Verify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return checked, errors.Join(errs...)
}

// scored reports whether the entry carries a score derived from a coverage report
func scored(e *core.CorpusEntry) bool {
	switch e.Status {
	case core.StatusFailedCompile, core.StatusQuarantinedUnscoreable:
		return false
	case core.StatusQuarantinedCrash:
		// Crashes without collectable coverage are stored with a zero score
		return len(e.Coverage) > 0 || e.Score != (core.QualityScore{})
	}
	return true
}
