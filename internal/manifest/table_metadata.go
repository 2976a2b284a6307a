// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package manifest

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/shaledb/shale/internal/base"
)

// TableMetadata holds the metadata for an on-disk table.
type TableMetadata struct {
	// refs is the reference count for the table: the number of versions
	// containing it. When the count falls to zero the table is obsolete and
	// may be deleted.
	refs atomic.Int32

	// FileNum is the file number.
	FileNum base.DiskFileNum
	// Size is the size of the file, in bytes.
	Size uint64
	// Smallest and Largest are the inclusive bounds of the internal keys
	// stored in the table.
	Smallest base.InternalKey
	Largest  base.InternalKey
	// Smallest and largest sequence numbers in the table.
	SmallestSeqNum base.SeqNum
	LargestSeqNum  base.SeqNum
	// CreationTime is the time, in seconds since the epoch, at which the table
	// was created.
	CreationTime uint64
	// AncestorTime is the creation time of the oldest ancestor of the table:
	// the minimum CreationTime over the input tables of the compaction that
	// produced it, transitively. Zero when unknown.
	AncestorTime uint64
	// EpochNumber is a catalog-wide monotonic number assigned when the table
	// is created. Tables produced by later jobs carry larger epoch numbers.
	EpochNumber uint64
	// UniqueID identifies the table across catalogs sharing storage. Zero
	// when unknown.
	UniqueID [2]uint64
	// Checksum is a whole-file checksum of the table, computed by the function
	// named by ChecksumFuncName. Empty when unknown.
	Checksum         string
	ChecksumFuncName string
	// Temperature is the intended placement tier for the table.
	Temperature base.Temperature
	// MarkedForCompaction records an external request to compact the table.
	MarkedForCompaction bool
}

// Refs returns the table's reference count.
func (m *TableMetadata) Refs() int32 {
	return m.refs.Load()
}

// Ref increments the table's reference count.
func (m *TableMetadata) Ref() {
	m.refs.Add(1)
}

// Unref decrements the table's reference count, returning the new count.
func (m *TableMetadata) Unref() int32 {
	v := m.refs.Add(-1)
	if v < 0 {
		panic(errors.AssertionFailedf("table %s refcount below zero", m.FileNum))
	}
	return v
}

// String implements fmt.Stringer.
func (m *TableMetadata) String() string {
	return redact.StringWithoutMarkers(m)
}

// SafeFormat implements redact.SafeFormatter.
func (m *TableMetadata) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s:[%s-%s]", m.FileNum, redact.Safe(m.Smallest), redact.Safe(m.Largest))
}

// DebugString returns a verbose representation including sequence numbers
// and size, for test output.
func (m *TableMetadata) DebugString() string {
	return fmt.Sprintf("%s:[%s-%s] seqnums:[%d-%d] size:%d",
		m.FileNum, m.Smallest, m.Largest, m.SmallestSeqNum, m.LargestSeqNum, m.Size)
}

// TableInfo returns a subset of the metadata, for event reporting.
func (m *TableMetadata) TableInfo() TableInfo {
	return TableInfo{
		FileNum:        m.FileNum,
		Size:           m.Size,
		Smallest:       m.Smallest,
		Largest:        m.Largest,
		SmallestSeqNum: m.SmallestSeqNum,
		LargestSeqNum:  m.LargestSeqNum,
	}
}

// TableInfo contains the common information for table related events.
type TableInfo struct {
	// FileNum is the internal table number.
	FileNum base.DiskFileNum
	// Size is the size of the file in bytes.
	Size uint64
	// Smallest is the smallest internal key in the table.
	Smallest base.InternalKey
	// Largest is the largest internal key in the table.
	Largest base.InternalKey
	// SmallestSeqNum is the smallest sequence number in the table.
	SmallestSeqNum base.SeqNum
	// LargestSeqNum is the largest sequence number in the table.
	LargestSeqNum base.SeqNum
}

// Overlaps returns true if the table's user key range intersects the
// inclusive range [start, end].
func (m *TableMetadata) Overlaps(cmp base.Compare, start, end []byte) bool {
	return cmp(m.Largest.UserKey, start) >= 0 && cmp(m.Smallest.UserKey, end) <= 0
}

// Validate performs sanity checks on the metadata.
func (m *TableMetadata) Validate(cmp base.Compare) error {
	if base.InternalCompare(cmp, m.Smallest, m.Largest) > 0 {
		return base.CorruptionErrorf("table %s has inconsistent bounds: %s vs %s",
			errors.Safe(m.FileNum), m.Smallest, m.Largest)
	}
	if m.SmallestSeqNum > m.LargestSeqNum {
		return base.CorruptionErrorf("table %s has inconsistent seqnums: %d vs %d",
			errors.Safe(m.FileNum), m.SmallestSeqNum, m.LargestSeqNum)
	}
	return nil
}

// ParseTableMetadataDebug parses a TableMetadata from its DebugString
// representation: "000001:[a#10,SET-z#20,SET]" with optional
// " seqnums:[s-l]" and " size:n" fields following.
func ParseTableMetadataDebug(s string) (*TableMetadata, error) {
	m := &TableMetadata{}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, errors.Newf("invalid table metadata %q", errors.Safe(s))
	}
	p := fields[0]
	i := strings.Index(p, ":[")
	if i < 0 || !strings.HasSuffix(p, "]") {
		return nil, errors.Newf("invalid table metadata %q", errors.Safe(s))
	}
	dfn, ok := base.ParseDiskFileNum(p[:i])
	if !ok {
		return nil, errors.Newf("invalid file number in %q", errors.Safe(s))
	}
	m.FileNum = dfn
	bounds := p[i+2 : len(p)-1]
	j := strings.Index(bounds, "-")
	if j < 0 {
		return nil, errors.Newf("invalid bounds in %q", errors.Safe(s))
	}
	m.Smallest = base.ParseInternalKey(bounds[:j])
	m.Largest = base.ParseInternalKey(bounds[j+1:])
	m.SmallestSeqNum = m.Smallest.SeqNum()
	m.LargestSeqNum = m.Largest.SeqNum()
	if m.LargestSeqNum < m.SmallestSeqNum {
		m.SmallestSeqNum, m.LargestSeqNum = m.LargestSeqNum, m.SmallestSeqNum
	}
	for _, f := range fields[1:] {
		switch {
		case strings.HasPrefix(f, "seqnums:["):
			val := strings.TrimSuffix(strings.TrimPrefix(f, "seqnums:["), "]")
			k := strings.Index(val, "-")
			if k < 0 {
				return nil, errors.Newf("invalid seqnums in %q", errors.Safe(s))
			}
			m.SmallestSeqNum = base.ParseSeqNum(val[:k])
			m.LargestSeqNum = base.ParseSeqNum(val[k+1:])
		case strings.HasPrefix(f, "size:"):
			var size uint64
			if _, err := fmt.Sscanf(f, "size:%d", &size); err != nil {
				return nil, err
			}
			m.Size = size
		default:
			return nil, errors.Newf("unknown field %q", errors.Safe(f))
		}
	}
	return m, nil
}

// SortBySmallest sorts the specified tables by increasing smallest internal
// key. This is the ordering required for levels other than L0.
func SortBySmallest(tables []*TableMetadata, cmp base.Compare) {
	sort.Slice(tables, func(i, j int) bool {
		return base.InternalCompare(cmp, tables[i].Smallest, tables[j].Smallest) < 0
	})
}

// SortBySeqNum sorts the specified tables by increasing largest sequence
// number, the L0 ordering.
func SortBySeqNum(tables []*TableMetadata) {
	sort.Slice(tables, func(i, j int) bool {
		a, b := tables[i], tables[j]
		if a.LargestSeqNum != b.LargestSeqNum {
			return a.LargestSeqNum < b.LargestSeqNum
		}
		return a.FileNum < b.FileNum
	})
}

// TotalSize returns the sum of the sizes of the tables.
func TotalSize(tables []*TableMetadata) uint64 {
	var size uint64
	for _, m := range tables {
		size += m.Size
	}
	return size
}

// KeyRange returns the minimal smallest and maximal largest internal key
// over the given table slices.
func KeyRange(cmp base.Compare, tables ...[]*TableMetadata) (smallest, largest base.InternalKey) {
	first := true
	for _, ff := range tables {
		for _, m := range ff {
			if first {
				smallest, largest = m.Smallest, m.Largest
				first = false
				continue
			}
			if base.InternalCompare(cmp, m.Smallest, smallest) < 0 {
				smallest = m.Smallest
			}
			if base.InternalCompare(cmp, m.Largest, largest) > 0 {
				largest = m.Largest
			}
		}
	}
	return smallest, largest
}
