/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: store_test.go
Description: Tests for the corpus store: routing decisions, bitmap growth, persistence and
reload, re-scoring and score verification, and the single-writer aggregator.
*/

package corpus_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kleascm/akaylee-seedbank/pkg/config"
	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/kleascm/akaylee-seedbank/pkg/corpus"
	"github.com/kleascm/akaylee-seedbank/pkg/ingest"
	"github.com/kleascm/akaylee-seedbank/pkg/scoring"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Corpus:   config.CorpusConfig{Root: t.TempDir()},
		Scoring:  config.ScoringConfig{Weights: scoring.DefaultWeights()},
		Pipeline: config.PipelineConfig{CommitQueueDepth: 4},
		Targets: map[string]config.TargetConfig{
			"zlib": {Headers: []string{"zlib.h"}, Compile: []string{"cc"}, TotalBranches: 8},
		},
	}
}

func openStore(t *testing.T, cfg *config.Config) *corpus.Store {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s, err := corpus.Open(cfg, logger)
	require.NoError(t, err)
	return s
}

func makeSeed(id string) *core.Seed {
	body := fmt.Sprintf("#include <zlib.h>\nint main() { return %s; }\n", id)
	return &core.Seed{
		ID:         id,
		Prompt:     "seed " + id,
		Target:     "zlib",
		Source:     []byte(body),
		SourceHash: ingest.SourceHash([]byte(body)),
		Includes:   []string{"zlib.h"},
		Path:       "/incoming/" + id + ".cpp",
		Header:     core.HeaderLayout{Marker: "//"},
	}
}

func makeReport(visited int, edges ...string) *core.CoverageReport {
	r := core.NewCoverageReport()
	for i := 0; i < visited; i++ {
		r.VisitedLines[fmt.Sprintf("inflate.c:%d", i+1)] = struct{}{}
	}
	for _, e := range edges {
		r.BranchHits[e] = 1
	}
	r.LibraryCalls["inflate"] = 2
	return r
}

func request(seed *core.Seed, report *core.CoverageReport) *core.CommitRequest {
	return &core.CommitRequest{
		Seed:   seed,
		Result: &core.ExecutionResult{SeedID: seed.ID, Termination: core.TerminationCompleted},
		Report: report,
	}
}

func commit(t *testing.T, s *corpus.Store, req *core.CommitRequest) *core.CommitOutcome {
	t.Helper()
	out, err := s.Commit(context.Background(), req)
	require.NoError(t, err)
	return out
}

func TestCommitGrowsBitmap(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()

	a := commit(t, s, request(makeSeed("1"), makeReport(3, "e1", "e2", "e3")))
	assert.Equal(t, core.StatusAccepted, a.Status)
	assert.Equal(t, 3, a.Score.UniqueBranches)
	assert.InDelta(t, 1.0, a.Score.Density, 1e-9)

	b := commit(t, s, request(makeSeed("2"), makeReport(3, "e1", "e2", "e4")))
	assert.Equal(t, core.StatusAccepted, b.Status)
	assert.Equal(t, 1, b.Score.UniqueBranches)
	assert.Equal(t, []uint64{scoring.EdgeID("e4")}, b.Entry.Contributed)

	snap := s.Snapshot("zlib")
	assert.Equal(t, 4, snap.Len())
	for _, e := range []string{"e1", "e2", "e3", "e4"} {
		assert.True(t, snap.Contains(scoring.EdgeID(e)), e)
	}
	assert.Equal(t, uint64(1), a.Entry.Seq)
	assert.Equal(t, uint64(2), b.Entry.Seq)

	// The persisted file carries the final score in its header
	raw, err := os.ReadFile(b.Entry.Path)
	require.NoError(t, err)
	hdr, body, err := ingest.SplitHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, 1, hdr.NrUniqueBranch)
	assert.Equal(t, ingest.SourceHash(body), b.Entry.Seed.SourceHash)
	assert.Equal(t, filepath.Join(s.Layout().Root, "zlib", "accepted"), filepath.Dir(b.Entry.Path))
}

func TestTentativeScoreIsRechecked(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()

	commit(t, s, request(makeSeed("1"), makeReport(2, "e1", "e2")))

	// Scored against an empty snapshot before the first commit landed
	req := request(makeSeed("2"), makeReport(2, "e1", "e2"))
	req.Tentative = core.QualityScore{UniqueBranches: 2, Density: 1, VisitedCount: 2, LibraryCallCount: 2, Composite: 3}
	out := commit(t, s, req)
	assert.True(t, out.Recomputed)
	assert.Equal(t, 0, out.Score.UniqueBranches)
	assert.Equal(t, core.StatusRejectedDuplicate, out.Status)
}

func TestSubsetIsNeverAccepted(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()

	commit(t, s, request(makeSeed("1"), makeReport(3, "e1", "e2", "e3")))
	commit(t, s, request(makeSeed("2"), makeReport(3, "e1", "e2", "e4")))

	dup := commit(t, s, request(makeSeed("3"), makeReport(1, "e1", "e2")))
	assert.Equal(t, core.StatusRejectedDuplicate, dup.Status)
	assert.Empty(t, dup.Entry.Path, "duplicates are not kept by default")
	assert.Equal(t, -1.0, dup.Score.Composite)

	// Covered by the union but by no single entry
	abl := commit(t, s, request(makeSeed("4"), makeReport(2, "e3", "e4")))
	assert.Equal(t, core.StatusAblationVariant, abl.Status)
	assert.FileExists(t, abl.Entry.Path)
	assert.Equal(t, filepath.Join(s.Layout().Root, "zlib", "ablation"), filepath.Dir(abl.Entry.Path))

	empty := commit(t, s, request(makeSeed("5"), makeReport(4)))
	assert.Equal(t, core.StatusRejectedDuplicate, empty.Status)

	assert.Equal(t, 4, s.Snapshot("zlib").Len())
	rows, err := s.Entries(context.Background(), corpus.Filter{Target: "zlib", Statuses: []core.SeedStatus{core.StatusRejectedDuplicate}})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestKeepDuplicates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Corpus.KeepDuplicates = true
	s := openStore(t, cfg)
	defer s.Close()

	commit(t, s, request(makeSeed("1"), makeReport(3, "e1", "e2", "e3")))
	dup := commit(t, s, request(makeSeed("2"), makeReport(1, "e2")))
	require.Equal(t, core.StatusRejectedDuplicate, dup.Status)
	assert.FileExists(t, dup.Entry.Path)
	assert.Equal(t, filepath.Join(cfg.Corpus.Root, "zlib", "rejected"), filepath.Dir(dup.Entry.Path))
}

func TestCrashIsAlwaysQuarantined(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()

	req := request(makeSeed("1"), makeReport(3, "e1", "e2", "e3"))
	req.Result.Termination = core.TerminationCrashed
	req.Result.Signal = "SIGSEGV"
	req.Result.Stdout = []byte("partial output\n")
	req.Result.Stderr = []byte("==1==ERROR: AddressSanitizer: SEGV on unknown address 0x000000000000\n")

	out := commit(t, s, req)
	assert.Equal(t, core.StatusQuarantinedCrash, out.Status)
	assert.Equal(t, 3, out.Score.UniqueBranches, "scored, but the score does not matter")
	assert.Equal(t, 0, s.Snapshot("zlib").Len(), "crashes never extend the bitmap")

	assert.Equal(t, filepath.Join(s.Layout().Root, "zlib", "quarantine", "crash"), filepath.Dir(out.Entry.Path))
	stdout, err := os.ReadFile(out.Entry.Path + corpus.StdoutSuffix)
	require.NoError(t, err)
	assert.Equal(t, "partial output\n", string(stdout))
	triage, err := os.ReadFile(out.Entry.Path + corpus.TriageSuffix)
	require.NoError(t, err)
	assert.Contains(t, string(triage), "NULL_POINTER")

	// Coverage collection failed as well; the crash still wins
	lost := &core.CommitRequest{
		Seed:    makeSeed("2"),
		Result:  &core.ExecutionResult{Termination: core.TerminationCrashed, Signal: "SIGABRT"},
		Failure: core.StatusQuarantinedUnscoreable,
		Cause:   core.ErrUnscoreable,
	}
	assert.Equal(t, core.StatusQuarantinedCrash, commit(t, s, lost).Status)
}

func TestFailuresArePersisted(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()

	compile := &core.CommitRequest{
		Seed:    makeSeed("1"),
		Result:  &core.ExecutionResult{CompileFailed: true, ExitCode: core.ExitCodeCompileFailed, Stderr: []byte("error: expected ';'\n")},
		Failure: core.StatusFailedCompile,
		Cause:   core.ErrCompileFailed,
	}
	out := commit(t, s, compile)
	assert.Equal(t, core.StatusFailedCompile, out.Status)
	stderr, err := os.ReadFile(out.Entry.Path + corpus.StderrSuffix)
	require.NoError(t, err)
	assert.Contains(t, string(stderr), "expected ';'")

	unscoreable := &core.CommitRequest{
		Seed:    makeSeed("2"),
		Result:  &core.ExecutionResult{Termination: core.TerminationCompleted},
		Failure: core.StatusQuarantinedUnscoreable,
		Cause:   fmt.Errorf("%w: %w", core.ErrUnscoreable, core.ErrCoverageParse),
	}
	out = commit(t, s, unscoreable)
	assert.Equal(t, core.StatusQuarantinedUnscoreable, out.Status)
	reason, err := os.ReadFile(out.Entry.Path + corpus.ReasonSuffix)
	require.NoError(t, err)
	assert.Contains(t, string(reason), "unscoreable")
}

func TestDuplicateSeed(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()

	seed := makeSeed("1")
	assert.False(t, s.Known(seed.SourceHash))
	commit(t, s, request(seed, makeReport(1, "e1")))
	assert.True(t, s.Known(seed.SourceHash))

	again := makeSeed("1")
	again.ID = "99"
	out := commit(t, s, request(again, makeReport(1, "e9")))
	assert.Equal(t, core.StatusDuplicateSeed, out.Status)
	assert.Nil(t, out.Entry)
	assert.Equal(t, 1, s.Snapshot("zlib").Len())
}

func TestCriticalFloor(t *testing.T) {
	cfg := testConfig(t)
	cfg.Corpus.CriticalFloor = 2
	s := openStore(t, cfg)
	defer s.Close()

	commit(t, s, request(makeSeed("1"), makeReport(2, "e1", "e2")))

	critical := makeReport(1, "e1")
	critical.CriticalCalls["inflate"] = 3
	assert.Equal(t, core.StatusAccepted, commit(t, s, request(makeSeed("2"), critical)).Status)

	below := makeReport(1, "e2")
	below.CriticalCalls["inflate"] = 2
	assert.Equal(t, core.StatusRejectedDuplicate, commit(t, s, request(makeSeed("3"), below)).Status)
}

func TestReopenRestoresState(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)
	a := commit(t, s, request(makeSeed("1"), makeReport(3, "e1", "e2", "e3")))
	commit(t, s, request(makeSeed("2"), makeReport(3, "e1", "e2", "e4")))
	require.NoError(t, s.Close())

	s = openStore(t, cfg)
	defer s.Close()

	snap := s.Snapshot("zlib")
	assert.Equal(t, 4, snap.Len())
	seq, ok := snap.AddedAt(scoring.EdgeID("e4"))
	require.True(t, ok)
	assert.Equal(t, uint64(2), seq)
	assert.True(t, s.Known(a.Entry.Seed.SourceHash))

	c := commit(t, s, request(makeSeed("3"), makeReport(1, "e3")))
	assert.Equal(t, core.StatusRejectedDuplicate, c.Status, "accepted index was reloaded")
	assert.Equal(t, uint64(3), c.Entry.Seq)

	entries, err := s.Entries(context.Background(), corpus.Filter{Target: "zlib", Statuses: []core.SeedStatus{core.StatusAccepted}})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, a.Entry.EntryID, entries[0].EntryID)
	assert.Equal(t, a.Entry.Score, entries[0].Score)
	assert.Equal(t, a.Entry.Coverage, entries[0].Coverage)
	assert.Equal(t, a.Entry.Seed.Prompt, entries[0].Seed.Prompt)
}

func TestCorruptManifest(t *testing.T) {
	cfg := testConfig(t)
	garbage := make([]byte, 4096)
	for i := range garbage {
		garbage[i] = byte('x')
	}
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Corpus.Root, corpus.ManifestFile), garbage, 0644))

	logger, _ := test.NewNullLogger()
	_, err := corpus.Open(cfg, logger)
	assert.ErrorIs(t, err, core.ErrCorpusCorrupt)
	assert.True(t, core.IsFatal(err))
}

func TestVerifyReproducesStoredScores(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()
	ctx := context.Background()

	commit(t, s, request(makeSeed("1"), makeReport(3, "e1", "e2", "e3")))
	commit(t, s, request(makeSeed("2"), makeReport(5, "e1", "e2", "e4")))
	commit(t, s, request(makeSeed("3"), makeReport(1, "e2")))
	commit(t, s, request(makeSeed("4"), makeReport(2, "e3", "e4")))
	crash := request(makeSeed("5"), makeReport(2, "e5"))
	crash.Result.Termination = core.TerminationCrashed
	commit(t, s, crash)

	checked, err := s.VerifyAll(ctx, "zlib")
	require.NoError(t, err)
	assert.Equal(t, 5, checked)

	entries, err := s.Entries(ctx, corpus.Filter{Target: "zlib", Statuses: []core.SeedStatus{core.StatusAccepted}})
	require.NoError(t, err)
	tampered := *entries[1]
	tampered.Score.UniqueBranches++
	assert.ErrorIs(t, s.Verify(ctx, &tampered), corpus.ErrVerifyMismatch)
}

func TestRescoreLeaveOneOut(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()
	ctx := context.Background()

	a := commit(t, s, request(makeSeed("1"), makeReport(3, "e1", "e2", "e3")))
	commit(t, s, request(makeSeed("2"), makeReport(3, "e1", "e2", "e4")))
	c := commit(t, s, request(makeSeed("3"), makeReport(3, "e3", "e4", "e5")))
	require.Equal(t, core.StatusAccepted, c.Status)

	res, err := s.Rescore(ctx, "zlib")
	require.NoError(t, err)
	require.Len(t, res.Revisions, 3)
	assert.Equal(t, 1, res.Demoted)

	// The first seed is fully covered by the other two
	revA := res.Revisions[0]
	assert.Equal(t, a.Entry.EntryID, revA.Supersedes)
	assert.Equal(t, 2, revA.Revision)
	assert.Equal(t, core.BasisLeaveOneOut, revA.Basis)
	assert.Equal(t, 0, revA.Score.UniqueBranches)
	assert.Equal(t, core.StatusAblationVariant, revA.Status)
	assert.NoFileExists(t, a.Entry.Path)
	assert.FileExists(t, revA.Path)

	// Later entries are scored without the demoted one
	assert.Equal(t, 2, res.Revisions[1].Score.UniqueBranches)
	assert.Equal(t, 2, res.Revisions[2].Score.UniqueBranches)
	assert.Equal(t, core.StatusAccepted, res.Revisions[2].Status)

	assert.Equal(t, 5, s.Snapshot("zlib").Len(), "re-scoring never shrinks the bitmap")

	live, err := s.Entries(ctx, corpus.Filter{Target: "zlib"})
	require.NoError(t, err)
	assert.Len(t, live, 3)
	all, err := s.Entries(ctx, corpus.Filter{Target: "zlib", IncludeSuperseded: true})
	require.NoError(t, err)
	assert.Len(t, all, 6)

	checked, err := s.VerifyAll(ctx, "zlib")
	require.NoError(t, err)
	assert.Equal(t, 3, checked)
}

func TestStatsAndMinimize(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()
	ctx := context.Background()

	commit(t, s, request(makeSeed("1"), makeReport(3, "e1", "e2", "e3")))
	commit(t, s, request(makeSeed("2"), makeReport(3, "e1", "e2", "e4")))
	commit(t, s, request(makeSeed("3"), makeReport(1, "e1")))

	st, err := s.Stats(ctx, "zlib")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Totals[core.StatusAccepted])
	assert.Equal(t, 1, st.Totals[core.StatusRejectedDuplicate])
	assert.Equal(t, 3, st.Entries)
	assert.Equal(t, 4, st.BitmapEdges)
	assert.InDelta(t, 4.0/6.0, st.AggregateDensity, 1e-9)
	assert.InDelta(t, 0.5, st.CoverageFraction, 1e-9)

	big := commit(t, s, request(makeSeed("4"), makeReport(5, "e1", "e2", "e3", "e4", "e5")))
	require.Equal(t, core.StatusAccepted, big.Status)

	m, err := s.Minimize(ctx, "zlib")
	require.NoError(t, err)
	assert.Equal(t, 3, m.Accepted)
	require.Len(t, m.Selected, 1)
	assert.Equal(t, big.Entry.EntryID, m.Selected[0].EntryID)
	assert.Equal(t, 5, m.Covered)
	assert.Equal(t, 0, m.Uncovered)
}

func TestQuarantineIngest(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()

	err := s.QuarantineIngest("/incoming/bad.cpp", []byte("int main() {}\n"), fmt.Errorf("%w: missing ID", core.ErrMalformedHeader))
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(s.Layout().IngestQuarantine(), "*-bad.cpp*"))
	require.NoError(t, err)
	require.Len(t, matches, 2)
	reason, err := os.ReadFile(matches[1])
	require.NoError(t, err)
	assert.Contains(t, string(reason), "malformed header: missing ID")
}

func TestConcurrentCommits(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := openStore(t, testConfig(t))
	const n = 24
	var wg sync.WaitGroup
	outcomes := make([]*core.CommitOutcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := s.Commit(context.Background(), request(makeSeed(fmt.Sprint(i)), makeReport(1, fmt.Sprintf("edge-%d", i))))
			assert.NoError(t, err)
			outcomes[i] = out
		}()
	}
	wg.Wait()

	seqs := make(map[uint64]bool)
	for _, out := range outcomes {
		require.NotNil(t, out)
		assert.Equal(t, core.StatusAccepted, out.Status)
		seqs[out.Entry.Seq] = true
	}
	assert.Len(t, seqs, n)
	assert.Equal(t, n, s.Snapshot("zlib").Len())

	require.NoError(t, s.Close())
	_, err := s.Commit(context.Background(), request(makeSeed("late"), makeReport(1, "x")))
	assert.ErrorIs(t, err, core.ErrStoreClosed)
}

func TestAggregatorPoisonedByFatalError(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := corpus.NewAggregator(1)
	defer a.Close()
	ctx := context.Background()

	assert.EqualError(t, a.Do(ctx, func() error { return fmt.Errorf("not fatal") }), "not fatal")
	fatal := fmt.Errorf("%w: disk full", core.ErrPersist)
	assert.ErrorIs(t, a.Do(ctx, func() error { return fatal }), core.ErrPersist)

	ran := false
	err := a.Do(ctx, func() error { ran = true; return nil })
	assert.ErrorIs(t, err, core.ErrPersist)
	assert.False(t, ran)
}
