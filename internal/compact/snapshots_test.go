// Copyright 2024 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package compact

import (
	"testing"

	"github.com/shaledb/shale/internal/base"
	"github.com/stretchr/testify/require"
)

func TestSnapshotsIndex(t *testing.T) {
	testCases := []struct {
		snapshots  []base.SeqNum
		seq        base.SeqNum
		wantIdx    int
		wantSeqNum base.SeqNum
	}{
		{nil, 1, 0, base.SeqNumMax},
		{[]base.SeqNum{}, 1, 0, base.SeqNumMax},
		{[]base.SeqNum{1}, 0, 0, 1},
		{[]base.SeqNum{1}, 1, 1, base.SeqNumMax},
		{[]base.SeqNum{1}, 2, 1, base.SeqNumMax},
		{[]base.SeqNum{1, 3}, 0, 0, 1},
		{[]base.SeqNum{1, 3}, 1, 1, 3},
		{[]base.SeqNum{1, 3}, 2, 1, 3},
		{[]base.SeqNum{1, 3}, 3, 2, base.SeqNumMax},
		{[]base.SeqNum{1, 3}, 4, 2, base.SeqNumMax},
		// A duplicated snapshot does not create an empty stripe.
		{[]base.SeqNum{1, 3, 3}, 2, 1, 3},
	}
	for _, c := range testCases {
		t.Run("", func(t *testing.T) {
			s := Snapshots(c.snapshots)
			idx, seqNum := s.IndexAndSeqNum(c.seq)
			require.Equal(t, c.wantIdx, idx)
			require.Equal(t, c.wantSeqNum, seqNum)
			require.Equal(t, c.wantIdx, s.Index(c.seq))
		})
	}
}
