// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

// Merge merges oldValue and newValue, and returns the merged value. The buf
// parameter can be used to store the newly merged value in order to avoid
// memory allocations. The merge operation must be associative. That is, for
// the values A, B, C:
//
//	Merge(A, Merge(B, C)) == Merge(Merge(A, B), C)
//
// Examples of merge operators are integer addition, list append, and string
// concatenation.
//
// During compaction, merge operands are combined from newest to oldest. A
// compaction may produce partial merge results when the oldest operand lies
// below the compaction's output level.
type Merge func(key, oldValue, newValue, buf []byte) []byte

// Merger defines an associative merge operation. The merge operation merges
// two or more values for a single key. The merge operation is invoked when a
// MERGE record is encountered during a compaction.
type Merger struct {
	Merge Merge

	// Name is the name of the merger.
	//
	// The engine stores the merger name on disk, and opening a store with a
	// different merger from the one it was created with will result in an
	// error.
	Name string
}

// DefaultMerger is the default implementation of the Merger interface. It
// concatenates the two values to merge.
var DefaultMerger = &Merger{
	Merge: func(key, oldValue, newValue, buf []byte) []byte {
		return append(append(buf, oldValue...), newValue...)
	},

	Name: "shale.concatenate",
}
