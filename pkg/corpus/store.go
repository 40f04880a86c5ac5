/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: store.go
Description: Corpus store for the Akaylee Seedbank. Owns the per-target bitmaps, the accepted
coverage index and the SQLite manifest; routes every scored seed to its final status on the
aggregator goroutine and publishes immutable bitmap snapshots for lock-free scoring.
*/

package corpus

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kleascm/akaylee-seedbank/pkg/analysis"
	"github.com/kleascm/akaylee-seedbank/pkg/bitmap"
	"github.com/kleascm/akaylee-seedbank/pkg/config"
	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/kleascm/akaylee-seedbank/pkg/ingest"
	"github.com/kleascm/akaylee-seedbank/pkg/scoring"
	"github.com/sirupsen/logrus"
)

// Store is the persistent corpus
type Store struct {
	cfg      *config.Config
	layout   Layout
	manifest *manifest
	scorer   *scoring.Scorer
	triager  *analysis.Triager
	agg      *Aggregator
	logger   logrus.FieldLogger

	// Owned by the aggregator goroutine
	bitmaps map[string]*bitmap.Bitmap
	index   map[string]*coverageIndex
	seq     uint64

	snapshots atomic.Pointer[map[string]*bitmap.Snapshot]

	knownMu sync.RWMutex
	known   map[string]struct{}

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the corpus under cfg.Corpus.Root and reloads its state
func Open(cfg *config.Config, logger logrus.FieldLogger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	layout := Layout{Root: cfg.Corpus.Root}
	if err := layout.Ensure(cfg.TargetNames(), cfg.Corpus.KeepDuplicates); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorpusCorrupt, err)
	}

	m, err := openManifest(layout.Manifest())
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:      cfg,
		layout:   layout,
		manifest: m,
		scorer:   scoring.New(cfg.Scoring.Weights),
		triager:  analysis.NewTriager(),
		logger:   logger.WithField("component", "corpus"),
		bitmaps:  make(map[string]*bitmap.Bitmap),
		index:    make(map[string]*coverageIndex),
	}
	if err := s.reload(); err != nil {
		m.close()
		return nil, err
	}
	s.agg = NewAggregator(cfg.Pipeline.CommitQueueDepth)

	s.logger.WithFields(logrus.Fields{
		"root":     layout.Root,
		"last_seq": s.seq,
		"seeds":    len(s.known),
	}).Info("Corpus opened")
	return s, nil
}

func (s *Store) reload() error {
	err := s.manifest.loadEdges(func(target string, edge, seq uint64) {
		s.bitmapFor(target).Restore(edge, seq)
	})
	if err != nil {
		return err
	}

	accepted, err := s.manifest.entries(context.Background(), Filter{Statuses: []core.SeedStatus{core.StatusAccepted}})
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrCorpusCorrupt, err)
	}
	for _, e := range accepted {
		s.indexFor(e.Seed.Target).add(e)
	}

	if s.known, err = s.manifest.knownHashes(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCorpusCorrupt, err)
	}
	if s.seq, err = s.manifest.lastSeq(); err != nil {
		return err
	}

	snaps := make(map[string]*bitmap.Snapshot, len(s.bitmaps))
	for target, bm := range s.bitmaps {
		snaps[target] = bm.Snapshot()
	}
	s.snapshots.Store(&snaps)
	return nil
}

// Layout returns the directory layout of the corpus
func (s *Store) Layout() Layout {
	return s.layout
}

// Known reports whether a seed with this source hash was already committed
func (s *Store) Known(sourceHash string) bool {
	s.knownMu.RLock()
	defer s.knownMu.RUnlock()
	_, ok := s.known[sourceHash]
	return ok
}

func (s *Store) remember(sourceHash string) {
	s.knownMu.Lock()
	s.known[sourceHash] = struct{}{}
	s.knownMu.Unlock()
}

// Snapshot returns the latest published bitmap view of target
func (s *Store) Snapshot(target string) *bitmap.Snapshot {
	snaps := s.snapshots.Load()
	if snaps == nil {
		return bitmap.Empty()
	}
	if snap, ok := (*snaps)[strings.ToLower(target)]; ok {
		return snap
	}
	return bitmap.Empty()
}

func (s *Store) publish(target string) {
	old := s.snapshots.Load()
	next := make(map[string]*bitmap.Snapshot, len(*old)+1)
	for k, v := range *old {
		next[k] = v
	}
	next[target] = s.bitmapFor(target).Snapshot()
	s.snapshots.Store(&next)
}

func (s *Store) bitmapFor(target string) *bitmap.Bitmap {
	bm, ok := s.bitmaps[target]
	if !ok {
		bm = bitmap.New()
		s.bitmaps[target] = bm
	}
	return bm
}

func (s *Store) indexFor(target string) *coverageIndex {
	ix, ok := s.index[target]
	if !ok {
		ix = newCoverageIndex()
		s.index[target] = ix
	}
	return ix
}

// Commit routes one seed to its final status and persists it.
// The returned error is fatal (ErrPersist or ErrStoreClosed); per-seed outcomes travel in the outcome.
func (s *Store) Commit(ctx context.Context, req *core.CommitRequest) (*core.CommitOutcome, error) {
	var outcome *core.CommitOutcome
	err := s.agg.Do(ctx, func() error {
		var err error
		outcome, err = s.commit(context.WithoutCancel(ctx), req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *Store) commit(ctx context.Context, req *core.CommitRequest) (*core.CommitOutcome, error) {
	seed := req.Seed
	if s.Known(seed.SourceHash) {
		return &core.CommitOutcome{Status: core.StatusDuplicateSeed}, nil
	}

	target := seed.Target
	bm := s.bitmapFor(target)

	var edges []uint64
	var score core.QualityScore
	if req.Report != nil {
		edges = scoring.EdgeIDs(req.Report)
		score = s.scorer.ScoreEdges(req.Report, edges, bm)
	}

	entry := &core.CorpusEntry{
		EntryID:   uuid.NewString(),
		Seq:       s.seq + 1,
		Revision:  1,
		Seed:      seed,
		Score:     score,
		Basis:     core.BasisBitmap,
		Coverage:  edges,
		CreatedAt: time.Now().UTC(),
	}
	if req.Result != nil {
		entry.Termination = req.Result.Termination
	}

	crashed := req.Result != nil && req.Result.Termination == core.TerminationCrashed
	switch {
	case req.Failure == core.StatusFailedCompile:
		entry.Status = core.StatusFailedCompile
	case crashed:
		entry.Status = core.StatusQuarantinedCrash
	case req.Failure != "" || req.Report == nil:
		entry.Status = core.StatusQuarantinedUnscoreable
	default:
		entry.Status = s.route(target, edges, score, "")
	}

	var added []uint64
	if entry.Status == core.StatusAccepted {
		added = bm.Missing(edges)
		entry.Contributed = added
	}

	written, err := s.writeSeedFiles(entry, req)
	if err != nil {
		return nil, err
	}
	err = s.tx(ctx, func(tx *sql.Tx) error {
		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}
		return insertEdges(ctx, tx, target, added, entry.Seq)
	})
	if err != nil {
		removeAll(written)
		return nil, err
	}

	s.seq = entry.Seq
	s.remember(seed.SourceHash)
	if entry.Status == core.StatusAccepted {
		bm.Add(edges, entry.Seq)
		s.indexFor(target).add(entry)
		s.publish(target)
	}

	outcome := &core.CommitOutcome{Status: entry.Status, Score: score, Entry: entry}
	if req.Report != nil {
		outcome.Recomputed = score != req.Tentative
	}
	fields := logrus.Fields{
		"seed":   seed.ID,
		"target": target,
		"seq":    entry.Seq,
		"status": entry.Status,
	}
	if outcome.Recomputed {
		fields["tentative_unique"] = req.Tentative.UniqueBranches
		fields["unique"] = score.UniqueBranches
	}
	s.logger.WithFields(fields).Debug("Seed committed")
	return outcome, nil
}

// route picks the status of a scored, non-crashing seed. exclude names an entry that does not
// count as covering the seed (the seed's own previous revision when re-scoring).
func (s *Store) route(target string, edges []uint64, score core.QualityScore, exclude string) core.SeedStatus {
	if score.UniqueBranches > 0 {
		return core.StatusAccepted
	}
	if floor := s.cfg.Corpus.CriticalFloor; floor > 0 && score.CriticalCallCount > floor {
		return core.StatusAccepted
	}
	if _, ok := s.indexFor(target).coveredBy(edges, exclude); ok {
		return core.StatusRejectedDuplicate
	}
	return core.StatusAblationVariant
}

// seedPath returns where the entry's seed file belongs, or "" when it is not kept
func (s *Store) seedPath(e *core.CorpusEntry) string {
	if e.Status == core.StatusRejectedDuplicate && !s.cfg.Corpus.KeepDuplicates {
		return ""
	}
	dir, ok := s.layout.Partition(e.Seed.Target, e.Status)
	if !ok {
		return ""
	}
	return filepath.Join(dir, SeedFileName(e.Seed))
}

// writeSeedFiles renders the seed with its score and, for crashes, the captured output and
// triage record. It returns every file written.
func (s *Store) writeSeedFiles(e *core.CorpusEntry, req *core.CommitRequest) ([]string, error) {
	e.Path = s.seedPath(e)
	if e.Path == "" {
		return nil, nil
	}

	files := map[string][]byte{e.Path: ingest.Render(e.Seed, e.Score)}
	if e.Status == core.StatusQuarantinedCrash && req.Result != nil {
		files[e.Path+StdoutSuffix] = req.Result.Stdout
		files[e.Path+StderrSuffix] = req.Result.Stderr
		triage, err := json.MarshalIndent(s.triager.Triage(e.Seed, req.Result), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("%w: triage record: %v", core.ErrPersist, err)
		}
		files[e.Path+TriageSuffix] = triage
	}
	if e.Status == core.StatusQuarantinedUnscoreable && req.Cause != nil {
		files[e.Path+ReasonSuffix] = []byte(req.Cause.Error() + "\n")
	}
	if e.Status == core.StatusFailedCompile && req.Result != nil {
		files[e.Path+StderrSuffix] = req.Result.Stderr
	}

	written := make([]string, 0, len(files))
	for path, data := range files {
		if err := writeAtomic(path, data); err != nil {
			removeAll(written)
			return nil, fmt.Errorf("%w: %v", core.ErrPersist, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.manifest.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", core.ErrPersist, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: %v", core.ErrPersist, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", core.ErrPersist, err)
	}
	return nil
}

// QuarantineIngest stores a seed rejected before execution together with the reason
func (s *Store) QuarantineIngest(path string, raw []byte, reason error) error {
	sum := sha256.Sum256([]byte(path))
	name := hex.EncodeToString(sum[:4]) + "-" + filepath.Base(path)
	dest := filepath.Join(s.layout.IngestQuarantine(), name)

	if raw != nil {
		if err := writeAtomic(dest, raw); err != nil {
			return fmt.Errorf("%w: quarantine %s: %v", core.ErrPersist, path, err)
		}
	}
	msg := "rejected"
	if reason != nil {
		msg = reason.Error()
	}
	if err := writeAtomic(dest+ReasonSuffix, []byte(fmt.Sprintf("source: %s\nreason: %s\n", path, msg))); err != nil {
		return fmt.Errorf("%w: quarantine %s: %v", core.ErrPersist, path, err)
	}
	s.logger.WithFields(logrus.Fields{"path": path, "quarantined_as": dest}).Warnf("Seed quarantined at ingest: %s", msg)
	return nil
}

// Entries lists manifest entries in commit order
func (s *Store) Entries(ctx context.Context, f Filter) ([]*core.CorpusEntry, error) {
	return s.manifest.entries(ctx, f)
}

// Close drains pending commits and closes the manifest
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.agg.Close()
		s.closeErr = s.manifest.close()
		s.logger.WithField("last_seq", s.seq).Info("Corpus closed")
	})
	return s.closeErr
}

func removeAll(paths []string) {
	for _, p := range paths {
		os.Remove(p)
	}
}
