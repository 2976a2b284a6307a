// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package manifest provides the in-memory representation of the table
// catalog's versions and the version edit format used to persist changes to
// the manifest.
package manifest

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/shaledb/shale/internal/base"
)

// NumLevels is the number of levels a version contains.
const NumLevels = 7

// Version is a collection of table metadata for on-disk tables at various
// levels. Compactions migrate data from level N to level N+1. The tables map
// internal keys (which are a user key, a kind, and a sequence number) to user
// values.
//
// The tables at level 0 are sorted by increasing largest sequence number.
// The range of internal keys [Smallest, Largest] in each level 0 table may
// overlap.
//
// The tables at any non-0 level are sorted by their internal key range and
// any two tables at the same non-0 level do not overlap.
//
// The internal key ranges of two tables at different levels X and Y may
// overlap, for any X != Y.
//
// Finally, for every internal key in a table at level X, there is no internal
// key in a higher level table that has both the same user key and a higher
// sequence number.
type Version struct {
	refs atomic.Int32

	// Levels holds the tables for each level, sorted per the level's ordering.
	Levels [NumLevels][]*TableMetadata

	// Deleted is called with the tables that became obsolete when the
	// version's reference count falls to zero. It is set by the version set
	// when the version is installed, and is invoked while holding the version
	// list's mutex.
	Deleted func(obsolete []*TableMetadata)

	// The list the version is linked into.
	list *VersionList

	// The next/prev link for the VersionList doubly-linked list of versions.
	prev, next *Version
}

// String implements fmt.Stringer, printing the user key ranges of the tables
// in the version.
func (v *Version) String() string {
	var buf bytes.Buffer
	for level := 0; level < NumLevels; level++ {
		if len(v.Levels[level]) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "L%d:", level)
		for _, m := range v.Levels[level] {
			fmt.Fprintf(&buf, " %s-%s", m.Smallest.UserKey, m.Largest.UserKey)
		}
		fmt.Fprintf(&buf, "\n")
	}
	return buf.String()
}

// DebugString is like String, but prints full internal keys.
func (v *Version) DebugString() string {
	var buf bytes.Buffer
	for level := 0; level < NumLevels; level++ {
		if len(v.Levels[level]) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "L%d:", level)
		for _, m := range v.Levels[level] {
			fmt.Fprintf(&buf, " %s-%s", m.Smallest, m.Largest)
		}
		fmt.Fprintf(&buf, "\n")
	}
	return buf.String()
}

// Refs returns the version's reference count.
func (v *Version) Refs() int32 {
	return v.refs.Load()
}

// Ref increments the version's reference count.
func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref decrements the version's reference count. If the last reference was
// removed, the version is removed from its list and the Deleted callback is
// invoked with any newly obsolete tables. Requires that the version list's
// mutex is NOT held.
func (v *Version) Unref() {
	if v.refs.Add(-1) == 0 {
		l := v.list
		l.mu.Lock()
		l.Remove(v)
		v.Deleted(v.unrefTables())
		l.mu.Unlock()
	}
}

// UnrefLocked decrements the version's reference count. Requires that the
// version list's mutex is held.
func (v *Version) UnrefLocked() {
	if v.refs.Add(-1) == 0 {
		v.list.Remove(v)
		v.Deleted(v.unrefTables())
	}
}

// Next returns the next version in the list of versions.
func (v *Version) Next() *Version {
	return v.next
}

func (v *Version) unrefTables() []*TableMetadata {
	var obsolete []*TableMetadata
	for _, lm := range v.Levels {
		for _, m := range lm {
			if m.Unref() == 0 {
				obsolete = append(obsolete, m)
			}
		}
	}
	return obsolete
}

// Overlaps returns all tables of v.Levels[level] whose user key range
// intersects the inclusive range [start, end]. If level is non-zero then the
// user key ranges of the level's tables are assumed to not overlap (although
// they may touch). If level is zero then that assumption cannot be made, and
// the [start, end] range is expanded to the union of those matching ranges
// so far and the computation is repeated until [start, end] stabilizes.
func (v *Version) Overlaps(level int, cmp base.Compare, start, end []byte) []*TableMetadata {
	if level == 0 {
		// The tables in level 0 can overlap with each other. As soon as we find
		// one table that overlaps with our target range, we need to expand the
		// range and find all tables that overlap with the expanded range.
		var ret []*TableMetadata
	loop:
		for {
			for _, m := range v.Levels[level] {
				if cmp(m.Largest.UserKey, start) < 0 {
					// m is completely before the specified range; skip it.
					continue
				}
				if cmp(m.Smallest.UserKey, end) > 0 {
					// m is completely after the specified range; skip it.
					continue
				}
				ret = append(ret, m)

				// Check if the newly added table has expanded the range. If so,
				// restart the search.
				restart := false
				if cmp(m.Smallest.UserKey, start) < 0 {
					start = m.Smallest.UserKey
					restart = true
				}
				if cmp(m.Largest.UserKey, end) > 0 {
					end = m.Largest.UserKey
					restart = true
				}
				if restart {
					ret = ret[:0]
					continue loop
				}
			}
			return ret
		}
	}

	// Binary search to find the range of tables which overlap with our target
	// range.
	tables := v.Levels[level]
	lower := sort.Search(len(tables), func(i int) bool {
		return cmp(tables[i].Largest.UserKey, start) >= 0
	})
	upper := sort.Search(len(tables), func(i int) bool {
		return cmp(tables[i].Smallest.UserKey, end) > 0
	})
	if lower >= upper {
		return nil
	}
	return tables[lower:upper]
}

// CheckOrdering checks that the tables are consistent with respect to
// increasing largest sequence numbers (for level 0 tables) and increasing
// and non-overlapping internal key ranges (for non-0 level tables).
func (v *Version) CheckOrdering(cmp base.Compare) error {
	for level, tables := range v.Levels {
		if err := CheckOrdering(cmp, level, tables); err != nil {
			return base.CorruptionErrorf("%s\n%s", err, v.DebugString())
		}
	}
	return nil
}

// CheckOrdering checks that a single level's tables are consistent with the
// level's required ordering.
func CheckOrdering(cmp base.Compare, level int, tables []*TableMetadata) error {
	if level == 0 {
		for i := 1; i < len(tables); i++ {
			prev, m := tables[i-1], tables[i]
			if prev.LargestSeqNum > m.LargestSeqNum {
				return base.CorruptionErrorf(
					"L0 tables are not in increasing largest seqnum order: %s, %s",
					prev.DebugString(), m.DebugString())
			}
		}
		return nil
	}
	for i, m := range tables {
		if base.InternalCompare(cmp, m.Smallest, m.Largest) > 0 {
			return base.CorruptionErrorf("L%d table %s has inconsistent bounds: %s, %s",
				level, m.FileNum, m.Smallest, m.Largest)
		}
		if i > 0 {
			prev := tables[i-1]
			if base.InternalCompare(cmp, prev.Largest, m.Smallest) >= 0 {
				return base.CorruptionErrorf(
					"L%d tables are not in increasing ikey order: %s, %s",
					level, prev.DebugString(), m.DebugString())
			}
		}
	}
	return nil
}

// VersionList implements a doubly-linked list of versions, oldest to newest.
type VersionList struct {
	mu   *sync.Mutex
	root Version
}

// Init initializes the version list.
func (l *VersionList) Init(mu *sync.Mutex) {
	l.mu = mu
	l.root.next = &l.root
	l.root.prev = &l.root
}

// Empty returns true if the list is empty.
func (l *VersionList) Empty() bool {
	return l.root.next == &l.root
}

// Front returns the oldest version in the list, or nil if the list is empty.
func (l *VersionList) Front() *Version {
	if l.root.next == &l.root {
		return nil
	}
	return l.root.next
}

// Back returns the newest version in the list, or nil if the list is empty.
func (l *VersionList) Back() *Version {
	if l.root.prev == &l.root {
		return nil
	}
	return l.root.prev
}

// PushBack adds a new version to the back of the list. This new version
// becomes the "newest" version in the list.
func (l *VersionList) PushBack(v *Version) {
	if v.list != nil || v.prev != nil || v.next != nil {
		panic("version list is inconsistent")
	}
	v.prev = l.root.prev
	v.prev.next = v
	v.next = &l.root
	v.next.prev = v
	v.list = l
}

// Remove removes the specified version from the list.
func (l *VersionList) Remove(v *Version) {
	if v == &l.root {
		panic("cannot remove version list root node")
	}
	if v.list != l {
		panic("version list is inconsistent")
	}
	v.prev.next = v.next
	v.next.prev = v.prev
	v.next = nil // avoid memory leaks
	v.prev = nil // avoid memory leaks
	v.list = nil // avoid memory leaks
}
