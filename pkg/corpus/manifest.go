/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: manifest.go
Description: SQLite manifest of the corpus. Records every committed entry (all revisions),
the per-target edge bitmap with the commit sequence that introduced each edge, and store
metadata. The bitmap and coverage index are rebuilt from here on open.
*/

package corpus

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	entry_id          TEXT PRIMARY KEY,
	seq               INTEGER NOT NULL UNIQUE,
	revision          INTEGER NOT NULL,
	supersedes        TEXT NOT NULL DEFAULT '',
	superseded_by_seq INTEGER,
	seed_id           TEXT NOT NULL,
	target            TEXT NOT NULL,
	source_hash       TEXT NOT NULL,
	prompt            TEXT NOT NULL DEFAULT '',
	combination       TEXT NOT NULL DEFAULT '[]',
	includes          TEXT NOT NULL DEFAULT '[]',
	origin_path       TEXT NOT NULL DEFAULT '',
	header_marker     TEXT NOT NULL DEFAULT '//',
	header_trailing   INTEGER NOT NULL DEFAULT 0,
	source            BLOB,
	status            TEXT NOT NULL,
	basis             TEXT NOT NULL,
	termination       TEXT NOT NULL,
	density           REAL NOT NULL DEFAULT 0,
	unique_branches   INTEGER NOT NULL DEFAULT 0,
	library_calls     INTEGER NOT NULL DEFAULT 0,
	critical_calls    INTEGER NOT NULL DEFAULT 0,
	visited           INTEGER NOT NULL DEFAULT 0,
	composite         REAL NOT NULL DEFAULT 0,
	coverage          BLOB,
	contributed       BLOB,
	path              TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS entries_source_hash ON entries(source_hash);
CREATE INDEX IF NOT EXISTS entries_target_status ON entries(target, status);
CREATE TABLE IF NOT EXISTS edges (
	target TEXT NOT NULL,
	edge   INTEGER NOT NULL,
	seq    INTEGER NOT NULL,
	PRIMARY KEY (target, edge)
);
`

const entryColumns = `entry_id, seq, revision, supersedes, superseded_by_seq, seed_id, target, source_hash,
	prompt, combination, includes, origin_path, header_marker, header_trailing, source, status, basis,
	termination, density, unique_branches, library_calls, critical_calls, visited, composite, coverage,
	contributed, path, created_at`

// Filter selects manifest entries
type Filter struct {
	Target            string            // "" = every target
	Statuses          []core.SeedStatus // empty = every status
	SourceHash        string            // "" = any
	IncludeSuperseded bool              // include revisions replaced by a re-score
	Limit             int               // 0 = no limit
}

type manifest struct {
	db *sql.DB
}

func corrupt(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", core.ErrCorpusCorrupt, fmt.Sprintf(format, args...))
}

func openManifest(path string) (*manifest, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, corrupt("open %s: %v", path, err)
	}
	// One connection: the aggregator is the only writer and readers are infrequent
	db.SetMaxOpenConns(1)

	m := &manifest{db: db}
	if err := m.init(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *manifest) init() error {
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := m.db.Exec(pragma); err != nil {
			return corrupt("%s: %v", pragma, err)
		}
	}

	var check string
	if err := m.db.QueryRow("PRAGMA quick_check").Scan(&check); err != nil {
		return corrupt("integrity check: %v", err)
	}
	if check != "ok" {
		return corrupt("integrity check: %s", check)
	}

	if _, err := m.db.Exec(schema); err != nil {
		return corrupt("schema: %v", err)
	}

	var version string
	err := m.db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := m.db.Exec("INSERT INTO meta (key, value) VALUES ('schema_version', ?)", schemaVersion); err != nil {
			return corrupt("schema version: %v", err)
		}
	case err != nil:
		return corrupt("schema version: %v", err)
	case version != schemaVersion:
		return corrupt("unsupported schema version %s", version)
	}
	return nil
}

func (m *manifest) close() error {
	return m.db.Close()
}

// lastSeq returns the highest commit sequence on record
func (m *manifest) lastSeq() (uint64, error) {
	var seq sql.NullInt64
	if err := m.db.QueryRow("SELECT MAX(seq) FROM entries").Scan(&seq); err != nil {
		return 0, corrupt("last sequence: %v", err)
	}
	return uint64(seq.Int64), nil
}

// loadEdges streams every bitmap edge
func (m *manifest) loadEdges(fn func(target string, edge, seq uint64)) error {
	rows, err := m.db.Query("SELECT target, edge, seq FROM edges")
	if err != nil {
		return corrupt("load edges: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var target string
		var edge, seq int64
		if err := rows.Scan(&target, &edge, &seq); err != nil {
			return corrupt("load edges: %v", err)
		}
		fn(target, uint64(edge), uint64(seq))
	}
	if err := rows.Err(); err != nil {
		return corrupt("load edges: %v", err)
	}
	return nil
}

// knownHashes returns the source hash of every committed seed
func (m *manifest) knownHashes() (map[string]struct{}, error) {
	rows, err := m.db.Query("SELECT DISTINCT source_hash FROM entries")
	if err != nil {
		return nil, corrupt("load hashes: %v", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, corrupt("load hashes: %v", err)
		}
		out[h] = struct{}{}
	}
	return out, rows.Err()
}

// entries lists entries matching f in commit order
func (m *manifest) entries(ctx context.Context, f Filter) ([]*core.CorpusEntry, error) {
	var where []string
	var args []interface{}
	if f.Target != "" {
		where = append(where, "target = ?")
		args = append(args, strings.ToLower(f.Target))
	}
	if f.SourceHash != "" {
		where = append(where, "source_hash = ?")
		args = append(args, f.SourceHash)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.IncludeSuperseded {
		where = append(where, "superseded_by_seq IS NULL")
	}

	query := "SELECT " + entryColumns + " FROM entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	out := make([]*core.CorpusEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*core.CorpusEntry, error) {
	var (
		e                                    core.CorpusEntry
		seed                                 core.Seed
		seq                                  int64
		supersededBy                         sql.NullInt64
		combination, includes                string
		trailing                             int
		status, basis, termination, created  string
		coverage, contributed                []byte
	)
	err := row.Scan(&e.EntryID, &seq, &e.Revision, &e.Supersedes, &supersededBy, &seed.ID, &seed.Target,
		&seed.SourceHash, &seed.Prompt, &combination, &includes, &seed.Path, &seed.Header.Marker, &trailing,
		&seed.Source, &status, &basis, &termination, &e.Score.Density, &e.Score.UniqueBranches,
		&e.Score.LibraryCallCount, &e.Score.CriticalCallCount, &e.Score.VisitedCount, &e.Score.Composite,
		&coverage, &contributed, &e.Path, &created)
	if err != nil {
		return nil, corrupt("scan entry: %v", err)
	}

	e.Seq = uint64(seq)
	e.Superseded = supersededBy.Valid
	e.Status = core.SeedStatus(status)
	e.Basis = core.ScoreBasis(basis)
	e.Termination = core.ParseTermination(termination)
	seed.Header.Trailing = trailing != 0
	if err := json.Unmarshal([]byte(combination), &seed.Combination); err != nil {
		return nil, corrupt("entry %s combination: %v", e.EntryID, err)
	}
	if err := json.Unmarshal([]byte(includes), &seed.Includes); err != nil {
		return nil, corrupt("entry %s includes: %v", e.EntryID, err)
	}
	if e.Coverage, err = decodeEdges(coverage); err != nil {
		return nil, corrupt("entry %s coverage: %v", e.EntryID, err)
	}
	if e.Contributed, err = decodeEdges(contributed); err != nil {
		return nil, corrupt("entry %s contributed edges: %v", e.EntryID, err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, corrupt("entry %s timestamp: %v", e.EntryID, err)
	}
	e.Seed = &seed
	return &e, nil
}

// insertEntry writes one entry row inside tx
func insertEntry(ctx context.Context, tx *sql.Tx, e *core.CorpusEntry) error {
	combination, _ := json.Marshal(nonNil(e.Seed.Combination))
	includes, _ := json.Marshal(nonNil(e.Seed.Includes))
	trailing := 0
	if e.Seed.Header.Trailing {
		trailing = 1
	}
	marker := e.Seed.Header.Marker
	if marker == "" {
		marker = "//"
	}

	_, err := tx.ExecContext(ctx, "INSERT INTO entries ("+entryColumns+`) VALUES
		(?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, int64(e.Seq), e.Revision, e.Supersedes, e.Seed.ID, e.Seed.Target, e.Seed.SourceHash,
		e.Seed.Prompt, string(combination), string(includes), e.Seed.Path, marker, trailing, e.Seed.Source,
		string(e.Status), string(e.Basis), e.Termination.String(), e.Score.Density, e.Score.UniqueBranches,
		e.Score.LibraryCallCount, e.Score.CriticalCallCount, e.Score.VisitedCount, e.Score.Composite,
		encodeEdges(e.Coverage), encodeEdges(e.Contributed), e.Path, e.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// insertEdges records edges newly added to target's bitmap under seq
func insertEdges(ctx context.Context, tx *sql.Tx, target string, edges []uint64, seq uint64) error {
	if len(edges) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO edges (target, edge, seq) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range edges {
		if _, err := stmt.ExecContext(ctx, target, int64(e), int64(seq)); err != nil {
			return err
		}
	}
	return nil
}

// markSuperseded links an entry to the revision that replaced it
func markSuperseded(ctx context.Context, tx *sql.Tx, entryID string, bySeq uint64) error {
	res, err := tx.ExecContext(ctx, "UPDATE entries SET superseded_by_seq = ? WHERE entry_id = ? AND superseded_by_seq IS NULL",
		int64(bySeq), entryID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("entry %s is not live", entryID)
	}
	return nil
}

// encodeEdges packs sorted edge ids as big-endian uint64s
func encodeEdges(edges []uint64) []byte {
	buf := make([]byte, 8*len(edges))
	for i, e := range edges {
		binary.BigEndian.PutUint64(buf[i*8:], e)
	}
	return buf
}

func decodeEdges(buf []byte) ([]uint64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("edge blob length %d is not a multiple of 8", len(buf))
	}
	out := make([]uint64, len(buf)/8)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(buf[i*8:])
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
