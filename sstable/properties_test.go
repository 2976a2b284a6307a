// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"testing"

	"github.com/kr/pretty"
	"github.com/stretchr/testify/require"
)

func TestPropertiesRoundTrip(t *testing.T) {
	want := Properties{
		ComparerName:     "leveldb.BytewiseComparator",
		CompressionName:  "zstd3",
		DataSize:         1<<20 + 17,
		IndexSize:        4111,
		MergerName:       "shale.concatenate",
		NumDataBlocks:    256,
		NumDeletions:     19,
		NumEntries:       1703,
		NumMergeOperands: 7,
		RawKeySize:       23456,
		RawValueSize:     1 << 19,
	}

	var w blockWriter
	w.restartInterval = propertiesBlockRestartInterval
	want.save(&w)

	var got Properties
	require.NoError(t, got.load(w.finish()))
	if diff := pretty.Diff(want, got); diff != nil {
		t.Fatalf("%v", diff)
	}
}

func TestPropertiesUnknownKeyIgnored(t *testing.T) {
	want := Properties{
		ComparerName: "leveldb.BytewiseComparator",
		NumEntries:   42,
	}

	var w blockWriter
	w.restartInterval = propertiesBlockRestartInterval
	want.save(&w)
	// Properties written by a future version must not break older readers.
	w.add([]byte("zz.some.future.property"), []byte("whatever"))

	var got Properties
	require.NoError(t, got.load(w.finish()))
	if diff := pretty.Diff(want, got); diff != nil {
		t.Fatalf("%v", diff)
	}
}

func TestPropertiesLoadCorrupt(t *testing.T) {
	var got Properties
	require.Error(t, got.load([]byte{1, 2}))
	require.Error(t, got.load([]byte{0xff, 0xff, 0xff, 0xff}))
	// A shared-prefix length that exceeds the preceding key.
	require.Error(t, got.load([]byte{5, 1, 0, 'k', 0, 0, 0, 0, 1, 0, 0, 0}))
}
