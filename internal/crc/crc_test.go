// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package crc

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdateIncremental(t *testing.T) {
	data := []byte("hello, checksummed world")
	for i := range data {
		got := New(data[:i]).Update(data[i:])
		require.Equal(t, New(data), got)
	}
}

func TestValueMasking(t *testing.T) {
	// Value rotates the raw CRC and adds a delta so that data containing an
	// embedded checksum doesn't checksum to something trivially related.
	// Undoing the rotation and delta must recover the raw Castagnoli CRC.
	for _, data := range [][]byte{nil, {0}, []byte("a"), []byte("foo bar baz")} {
		raw := crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli))
		v := New(data).Value()
		require.NotEqual(t, raw, v)
		u := v - 0xa282ead8
		require.Equal(t, raw, u<<15|u>>17)
	}
}
