// Copyright 2024 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package compact

import (
	"sort"

	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/internal/manifest"
)

// Boundary is a user key at which a compaction's key space is split into
// independent sub-ranges. A boundary is an owned copy of the key, ordered by
// the engine comparer, with no further structure.
type Boundary []byte

// KeyRange bounds one compaction sub-range. Start is inclusive and End
// exclusive; a nil bound leaves that side of the range open. Sub-range splits
// always fall on user key boundaries, so all versions of a user key belong to
// the same range.
type KeyRange struct {
	Start []byte
	End   []byte
}

// SplitBoundaries computes up to k-1 boundaries that partition the key space
// of the given input tables into sub-ranges of roughly equal data volume, so
// a compaction can run them as independent sub-jobs.
//
// Candidate split points are the start and end user keys of every input
// table, since a table boundary is a natural place to split without
// re-seeking mid-file. The volume between consecutive candidates is estimated
// by apportioning each table's size evenly across the candidate intervals it
// spans; boundaries are then chosen greedily, emitted whenever the
// accumulated volume reaches a 1/k share of the total. Balance is
// best-effort: ties favor fewer, larger groups, and fewer than k-1 boundaries
// are returned when the candidates cannot support k groups.
func SplitBoundaries(cmp base.Compare, tables []*manifest.TableMetadata, k int) []Boundary {
	if k <= 1 || len(tables) == 0 {
		return nil
	}

	candidates := make([][]byte, 0, 2*len(tables))
	for _, m := range tables {
		candidates = append(candidates, m.Smallest.UserKey, m.Largest.UserKey)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return cmp(candidates[i], candidates[j]) < 0
	})
	n := 1
	for j := 1; j < len(candidates); j++ {
		if cmp(candidates[j-1], candidates[j]) != 0 {
			candidates[n] = candidates[j]
			n++
		}
	}
	candidates = candidates[:n]
	if len(candidates) < 2 {
		return nil
	}

	volumes := make([]uint64, len(candidates)-1)
	var total uint64
	for _, m := range tables {
		total += m.Size
		lo := sort.Search(len(candidates), func(i int) bool {
			return cmp(candidates[i], m.Smallest.UserKey) >= 0
		})
		hi := sort.Search(len(candidates), func(i int) bool {
			return cmp(candidates[i], m.Largest.UserKey) >= 0
		})
		if lo == hi {
			// The table holds a single user key. Attribute its size to the
			// interval starting there, or the last interval when the key ends
			// the key space.
			if lo >= len(volumes) {
				lo = len(volumes) - 1
			}
			volumes[lo] += m.Size
			continue
		}
		per := m.Size / uint64(hi-lo)
		for j := lo; j < hi; j++ {
			volumes[j] += per
		}
	}

	target := total / uint64(k)
	if target == 0 {
		target = 1
	}
	var bounds []Boundary
	var acc uint64
	for j, v := range volumes {
		acc += v
		// The candidate after the final interval is the end of the key
		// space, not a split point.
		if acc >= target && j+1 < len(volumes) && len(bounds) < k-1 {
			bounds = append(bounds, append(Boundary(nil), candidates[j+1]...))
			acc = 0
		}
	}
	return bounds
}

// MergeBoundaries reduces a boundary list so that it induces at most granted
// sub-ranges, combining adjacent ranges while preserving their order. It
// never splits a range. Boundaries are dropped evenly, keeping the retained
// groups close in range count.
func MergeBoundaries(bounds []Boundary, granted int) []Boundary {
	m := len(bounds) + 1
	if granted >= m {
		return bounds
	}
	if granted <= 1 {
		return nil
	}
	merged := make([]Boundary, 0, granted-1)
	for i := 1; i < granted; i++ {
		merged = append(merged, bounds[i*m/granted-1])
	}
	return merged
}

// BoundaryRanges expands a boundary list into the sub-ranges it induces: one
// more range than there are boundaries, in key order, covering the whole key
// space.
func BoundaryRanges(bounds []Boundary) []KeyRange {
	ranges := make([]KeyRange, 0, len(bounds)+1)
	var start []byte
	for _, b := range bounds {
		ranges = append(ranges, KeyRange{Start: start, End: b})
		start = b
	}
	return append(ranges, KeyRange{Start: start})
}
