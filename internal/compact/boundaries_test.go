// Copyright 2024 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package compact

import (
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/internal/manifest"
	"github.com/stretchr/testify/require"
)

func TestSplitBoundaries(t *testing.T) {
	datadriven.RunTest(t, "testdata/split_boundaries", func(t *testing.T, d *datadriven.TestData) string {
		switch d.Cmd {
		case "split":
			var k int
			d.ScanArgs(t, "k", &k)
			var tables []*manifest.TableMetadata
			for _, line := range strings.Split(d.Input, "\n") {
				m, err := manifest.ParseTableMetadataDebug(line)
				require.NoError(t, err)
				tables = append(tables, m)
			}
			bounds := SplitBoundaries(base.DefaultComparer.Compare, tables, k)
			if len(bounds) == 0 {
				return "(none)\n"
			}
			var b strings.Builder
			for _, bound := range bounds {
				b.Write(bound)
				b.WriteString("\n")
			}
			return b.String()

		default:
			d.Fatalf(t, "unknown command: %s", d.Cmd)
			return ""
		}
	})
}

func TestMergeBoundaries(t *testing.T) {
	mkBounds := func(keys ...string) []Boundary {
		bounds := make([]Boundary, len(keys))
		for i := range keys {
			bounds[i] = Boundary(keys[i])
		}
		return bounds
	}

	testCases := []struct {
		bounds  []Boundary
		granted int
		want    []Boundary
	}{
		// Enough grants: unchanged.
		{mkBounds("b", "c", "d"), 4, mkBounds("b", "c", "d")},
		{mkBounds("b", "c", "d"), 7, mkBounds("b", "c", "d")},
		// One grant or fewer: everything collapses into a single range.
		{mkBounds("b", "c", "d"), 1, nil},
		{mkBounds("b", "c", "d"), 0, nil},
		{nil, 3, nil},
		// Four ranges into two: keep the middle boundary.
		{mkBounds("b", "c", "d"), 2, mkBounds("c")},
		// Five ranges into three: groups of 1, 2 and 2.
		{mkBounds("b", "c", "d", "e"), 3, mkBounds("b", "d")},
		// Nine ranges into three: groups of three.
		{mkBounds("b", "c", "d", "e", "f", "g", "h", "i"), 3, mkBounds("d", "g")},
	}
	for _, c := range testCases {
		got := MergeBoundaries(c.bounds, c.granted)
		require.Equal(t, c.want, got, "bounds=%v granted=%d", c.bounds, c.granted)
	}
}

func TestBoundaryRanges(t *testing.T) {
	require.Equal(t, []KeyRange{{}}, BoundaryRanges(nil))

	ranges := BoundaryRanges([]Boundary{Boundary("c"), Boundary("f")})
	require.Equal(t, []KeyRange{
		{Start: nil, End: []byte("c")},
		{Start: []byte("c"), End: []byte("f")},
		{Start: []byte("f"), End: nil},
	}, ranges)
}
