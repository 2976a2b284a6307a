// Copyright 2024 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package compact

import (
	"sort"

	"github.com/shaledb/shale/internal/base"
)

// Snapshots stores a list of snapshot sequence numbers, in ascending order.
//
// A snapshot is a sequence number along with a guarantee from the engine that
// it will maintain the view of the database at that sequence number. When
// reading, the engine ignores sequence numbers larger than the snapshot
// sequence number. The complexity for compactions is that collapsing entries
// shadowed by newer entries is at odds with that guarantee: rather than
// collapsing entries up to the next user key, a compaction can only collapse
// entries up to the next snapshot boundary. Snapshots define stripes, and
// entries are collapsed within stripes but not across them. Consider:
//
//	a.SET.9
//	a.DEL.8
//	a.SET.7
//	a.DEL.6
//	a.SET.5
//
// In the absence of snapshots these entries collapse to a.SET.9. With a
// snapshot at sequence number 7, the entries divide into two stripes and
// collapse within them:
//
//	a.SET.9        a.SET.9
//	a.DEL.8  --->
//	a.SET.7
//	--             --
//	a.DEL.6  --->  a.DEL.6
//	a.SET.5
//
// A snapshot only affects a compaction when its sequence number lies within
// the range of sequence numbers being compacted; in the example, a snapshot
// at 10 or at 5 changes nothing.
type Snapshots []base.SeqNum

// Index returns the index of the first snapshot sequence number which is
// greater than seq. The maintained invariant of the compaction iterator is
// that all entries it is currently collapsing map to the same index.
func (s Snapshots) Index(seq base.SeqNum) int {
	return sort.Search(len(s), func(i int) bool {
		return s[i] > seq
	})
}

// IndexAndSeqNum returns the index of the first snapshot sequence number
// which is greater than seq, along with that snapshot's sequence number.
// If seq is visible to all snapshots, it returns len(s) and SeqNumMax.
func (s Snapshots) IndexAndSeqNum(seq base.SeqNum) (int, base.SeqNum) {
	index := s.Index(seq)
	if index == len(s) {
		return index, base.SeqNumMax
	}
	return index, s[index]
}
