/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: bitmap.go
Description: Global branch-coverage bitmap for the Akaylee Seedbank. A Bitmap is the
mutable, single-owner edge set of one target library; every edge remembers the commit
sequence that introduced it. Snapshots are immutable copies handed to scoring so the hot
path never takes a lock, and any past view can be reconstructed with AsOf.
*/

package bitmap

import (
	"sort"
)

// EdgeSet is the read-only view the scorer needs
type EdgeSet interface {
	Contains(edge uint64) bool
	Len() int
}

// Bitmap is the authoritative per-target edge set
// Not safe for concurrent use: exactly one goroutine (the aggregator) owns it
type Bitmap struct {
	edges   map[uint64]uint64 // edge id -> commit sequence that added it
	lastSeq uint64            // highest sequence applied
}

// New creates an empty bitmap
func New() *Bitmap {
	return &Bitmap{edges: make(map[uint64]uint64)}
}

// Restore adds a persisted edge with its original sequence
// Used when reloading the manifest; out-of-order restores are fine
func (b *Bitmap) Restore(edge, seq uint64) {
	if prev, ok := b.edges[edge]; ok && prev <= seq {
		return
	}
	b.edges[edge] = seq
	if seq > b.lastSeq {
		b.lastSeq = seq
	}
}

// Add records the edges not yet present under seq and returns them sorted.
// The bitmap never shrinks: already-known edges keep their original sequence.
func (b *Bitmap) Add(edges []uint64, seq uint64) []uint64 {
	added := make([]uint64, 0)
	for _, e := range edges {
		if _, ok := b.edges[e]; ok {
			continue
		}
		b.edges[e] = seq
		added = append(added, e)
	}
	if seq > b.lastSeq {
		b.lastSeq = seq
	}
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	return added
}

// Missing returns the subset of edges not yet in the bitmap, sorted
func (b *Bitmap) Missing(edges []uint64) []uint64 {
	missing := make([]uint64, 0)
	for _, e := range edges {
		if _, ok := b.edges[e]; !ok {
			missing = append(missing, e)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// Contains reports whether edge is present
func (b *Bitmap) Contains(edge uint64) bool {
	_, ok := b.edges[edge]
	return ok
}

// Len returns the number of edges
func (b *Bitmap) Len() int {
	return len(b.edges)
}

// Snapshot copies the bitmap into an immutable view
func (b *Bitmap) Snapshot() *Snapshot {
	edges := make(map[uint64]uint64, len(b.edges))
	for e, s := range b.edges {
		edges[e] = s
	}
	return &Snapshot{edges: edges, seq: b.lastSeq}
}

// Snapshot is an immutable view of a bitmap at a point in the commit sequence
// A nil *Snapshot behaves as the empty set
type Snapshot struct {
	edges map[uint64]uint64
	seq   uint64
}

// Empty returns a snapshot with no edges
func Empty() *Snapshot {
	return &Snapshot{edges: map[uint64]uint64{}}
}

// Contains reports whether edge was present when the snapshot was taken
func (s *Snapshot) Contains(edge uint64) bool {
	if s == nil {
		return false
	}
	_, ok := s.edges[edge]
	return ok
}

// Len returns the number of edges in the snapshot
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.edges)
}

// Seq returns the highest commit sequence reflected in the snapshot
func (s *Snapshot) Seq() uint64 {
	if s == nil {
		return 0
	}
	return s.seq
}

// AsOf rebuilds the view seen by a commit with the given sequence:
// every edge added strictly before seq.
func (s *Snapshot) AsOf(seq uint64) *Snapshot {
	out := &Snapshot{edges: make(map[uint64]uint64)}
	if s == nil {
		return out
	}
	for e, added := range s.edges {
		if added < seq {
			out.edges[e] = added
			if added > out.seq {
				out.seq = added
			}
		}
	}
	return out
}

// AddedAt returns the sequence that introduced edge
func (s *Snapshot) AddedAt(edge uint64) (uint64, bool) {
	if s == nil {
		return 0, false
	}
	seq, ok := s.edges[edge]
	return seq, ok
}

// Edges returns every edge in ascending order
func (s *Snapshot) Edges() []uint64 {
	if s == nil {
		return nil
	}
	out := make([]uint64, 0, len(s.edges))
	for e := range s.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Set is a plain edge set, used for leave-one-out views during re-scoring
type Set map[uint64]struct{}

// NewSet builds a set from edges
func NewSet(edges ...[]uint64) Set {
	s := make(Set)
	for _, group := range edges {
		for _, e := range group {
			s[e] = struct{}{}
		}
	}
	return s
}

// Contains reports membership
func (s Set) Contains(edge uint64) bool {
	_, ok := s[edge]
	return ok
}

// Len returns the set cardinality
func (s Set) Len() int {
	return len(s)
}

// IsSubset reports whether every element of sub (sorted ascending) is in super (sorted ascending)
func IsSubset(sub, super []uint64) bool {
	if len(sub) > len(super) {
		return false
	}
	j := 0
	for _, e := range sub {
		for j < len(super) && super[j] < e {
			j++
		}
		if j == len(super) || super[j] != e {
			return false
		}
		j++
	}
	return true
}
