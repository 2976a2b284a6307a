// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package crc implements the checksum algorithm used by the manifest log
// format.
//
// The algorithm is CRC-32 with Castagnoli's polynomial, followed by a bit
// rotation and an additional delta. The extra processing lessens the
// probability of arbitrary key/value data coincidentally containing bytes
// that look like a checksum.
//
// To calculate the uint32 checksum of some data:
//
//	var u uint32 = crc.New(data).Value()
package crc

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

// CRC is a small convenience wrapper for computing masked checksums.
type CRC uint32

// New returns the checksum state after processing b.
func New(b []byte) CRC {
	return CRC(0).Update(b)
}

// Update returns the checksum state after additionally processing b.
func (c CRC) Update(b []byte) CRC {
	return CRC(crc32.Update(uint32(c), table, b))
}

// Value returns the masked checksum value.
func (c CRC) Value() uint32 {
	return uint32(c>>15|c<<17) + 0xa282ead8
}
