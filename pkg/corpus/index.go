/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: index.go
Description: In-memory index of the live Accepted entries of one target. Answers "is this
edge set already covered by a single accepted entry" through rarest-edge postings, and builds
the leave-one-out views used when re-scoring.
*/

package corpus

import (
	"sort"

	"github.com/kleascm/akaylee-seedbank/pkg/bitmap"
	"github.com/kleascm/akaylee-seedbank/pkg/core"
)

// coverageIndex is owned by the aggregator goroutine
type coverageIndex struct {
	entries  map[string]*core.CorpusEntry   // entry id -> live accepted entry
	postings map[uint64]map[string]struct{} // edge -> entry ids covering it
}

func newCoverageIndex() *coverageIndex {
	return &coverageIndex{
		entries:  make(map[string]*core.CorpusEntry),
		postings: make(map[uint64]map[string]struct{}),
	}
}

func (ix *coverageIndex) add(e *core.CorpusEntry) {
	ix.entries[e.EntryID] = e
	for _, edge := range e.Coverage {
		p, ok := ix.postings[edge]
		if !ok {
			p = make(map[string]struct{})
			ix.postings[edge] = p
		}
		p[e.EntryID] = struct{}{}
	}
}

func (ix *coverageIndex) remove(entryID string) {
	e, ok := ix.entries[entryID]
	if !ok {
		return
	}
	delete(ix.entries, entryID)
	for _, edge := range e.Coverage {
		p := ix.postings[edge]
		delete(p, entryID)
		if len(p) == 0 {
			delete(ix.postings, edge)
		}
	}
}

func (ix *coverageIndex) len() int {
	return len(ix.entries)
}

// coveredBy finds a live entry (other than exclude) whose edge set contains edges.
// edges must be sorted. An empty edge set is covered by any entry.
func (ix *coverageIndex) coveredBy(edges []uint64, exclude string) (*core.CorpusEntry, bool) {
	if len(edges) == 0 {
		for _, e := range ix.sorted() {
			if e.EntryID != exclude {
				return e, true
			}
		}
		return nil, false
	}

	// Only entries holding the rarest edge can be supersets
	var rarest map[string]struct{}
	for _, edge := range edges {
		p := ix.postings[edge]
		if len(p) == 0 {
			return nil, false
		}
		if rarest == nil || len(p) < len(rarest) {
			rarest = p
		}
	}

	candidates := make([]*core.CorpusEntry, 0, len(rarest))
	for id := range rarest {
		if id != exclude {
			candidates = append(candidates, ix.entries[id])
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Seq < candidates[j].Seq })
	for _, c := range candidates {
		if bitmap.IsSubset(edges, c.Coverage) {
			return c, true
		}
	}
	return nil, false
}

// others returns the union of every live entry's coverage except exclude's
func (ix *coverageIndex) others(exclude string) bitmap.Set {
	out := make(bitmap.Set)
	for edge, p := range ix.postings {
		if _, only := p[exclude]; only && len(p) == 1 {
			continue
		}
		out[edge] = struct{}{}
	}
	return out
}

// sorted returns the live entries in commit order
func (ix *coverageIndex) sorted() []*core.CorpusEntry {
	out := make([]*core.CorpusEntry, 0, len(ix.entries))
	for _, e := range ix.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
