/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: bitmap_test.go
Description: Tests for the coverage bitmap: monotonic growth, snapshot isolation,
historical reconstruction and subset checks.
*/

package bitmap_test

import (
	"testing"

	"github.com/kleascm/akaylee-seedbank/pkg/bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmapAddIsMonotonic(t *testing.T) {
	b := bitmap.New()

	added := b.Add([]uint64{3, 1, 2}, 1)
	assert.Equal(t, []uint64{1, 2, 3}, added)
	assert.Equal(t, 3, b.Len())

	added = b.Add([]uint64{1, 2, 4}, 2)
	assert.Equal(t, []uint64{4}, added)
	assert.Equal(t, 4, b.Len())

	// Re-adding known edges never changes size or their original sequence
	sizes := []int{b.Len()}
	for seq := uint64(3); seq < 10; seq++ {
		b.Add([]uint64{1, 2, 3, 4}, seq)
		sizes = append(sizes, b.Len())
	}
	for i := 1; i < len(sizes); i++ {
		assert.GreaterOrEqual(t, sizes[i], sizes[i-1])
	}

	snap := b.Snapshot()
	seq, ok := snap.AddedAt(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), seq)
}

func TestSnapshotIsIsolated(t *testing.T) {
	b := bitmap.New()
	b.Add([]uint64{10}, 1)
	snap := b.Snapshot()

	b.Add([]uint64{11}, 2)

	assert.True(t, snap.Contains(10))
	assert.False(t, snap.Contains(11))
	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, uint64(1), snap.Seq())
}

func TestSnapshotAsOf(t *testing.T) {
	b := bitmap.New()
	b.Add([]uint64{1, 2, 3}, 1)
	b.Add([]uint64{4}, 2)
	b.Add([]uint64{5, 6}, 5)
	snap := b.Snapshot()

	assert.Equal(t, 0, snap.AsOf(1).Len())
	assert.Equal(t, []uint64{1, 2, 3}, snap.AsOf(2).Edges())
	assert.Equal(t, []uint64{1, 2, 3, 4}, snap.AsOf(5).Edges())
	assert.Equal(t, 6, snap.AsOf(6).Len())
}

func TestNilSnapshotIsEmpty(t *testing.T) {
	var snap *bitmap.Snapshot
	assert.False(t, snap.Contains(1))
	assert.Equal(t, 0, snap.Len())
	assert.Nil(t, snap.Edges())
	assert.Equal(t, 0, bitmap.Empty().Len())
}

func TestRestoreKeepsEarliestSequence(t *testing.T) {
	b := bitmap.New()
	b.Restore(7, 9)
	b.Restore(7, 4)
	b.Restore(7, 12)

	seq, ok := b.Snapshot().AddedAt(7)
	require.True(t, ok)
	assert.Equal(t, uint64(4), seq)
}

func TestMissing(t *testing.T) {
	b := bitmap.New()
	b.Add([]uint64{1, 2}, 1)
	assert.Equal(t, []uint64{3, 9}, b.Missing([]uint64{9, 1, 3, 2}))
	assert.Empty(t, b.Missing([]uint64{1, 2}))
}

func TestIsSubset(t *testing.T) {
	testCases := []struct {
		name  string
		sub   []uint64
		super []uint64
		want  bool
	}{
		{"empty sub", nil, []uint64{1}, true},
		{"equal", []uint64{1, 2}, []uint64{1, 2}, true},
		{"strict", []uint64{2, 5}, []uint64{1, 2, 3, 5}, true},
		{"missing", []uint64{2, 4}, []uint64{1, 2, 3, 5}, false},
		{"larger", []uint64{1, 2, 3}, []uint64{1, 2}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, bitmap.IsSubset(tc.sub, tc.super))
		})
	}
}

func TestSet(t *testing.T) {
	s := bitmap.NewSet([]uint64{1, 2}, []uint64{2, 3})
	assert.Equal(t, 3, s.Len())
	assert.True(t, s.Contains(3))
	assert.False(t, s.Contains(4))
}
