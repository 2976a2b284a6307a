// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package sstable implements readers and writers of shale tables.
//
// Tables are either opened for reading or created for writing but not both.
// A table is a series of blocks, each holding prefix-compressed key/value
// entries and a set of restart points for binary search. Every block is
// followed by a 5-byte trailer: a one-byte compression indicator and a
// four-byte checksum of the compressed contents and the indicator. The table
// ends with an index block mapping separator keys to data block handles, a
// properties block, and a fixed-size footer locating the two.
//
// Readers verify block checksums on every read. Writers additionally compute
// a whole-file checksum and, optionally, a paranoid hash over the logical
// key/value sequence which lets a re-read of the table prove that what was
// written is what the compaction produced.
package sstable

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/internal/compression"
	"github.com/shaledb/shale/internal/crc"
)

const (
	blockTrailerLen = 5
	blockHandleLen  = 2 * binary.MaxVarintLen64

	// The footer is a pair of block handles (properties and index), zero
	// padded to a fixed size, followed by a checksum type byte, a format
	// version and the table magic.
	footerLen = 2*blockHandleLen + 1 + 4 + len(magic)

	formatVersion = 1

	magic = "\xf0\x9b\x5d\x41\x73\x8a\x21\xbc"
)

// Block compression indicators, stored in the first byte of each block
// trailer. These values are part of the file format.
const (
	noCompressionBlockType     byte = 0
	snappyCompressionBlockType byte = 1
	zstdCompressionBlockType   byte = 7
	minlzCompressionBlockType  byte = 8
)

func blockTypeForAlgorithm(a compression.Algorithm) byte {
	switch a {
	case compression.SnappyAlgorithm:
		return snappyCompressionBlockType
	case compression.ZstdAlgorithm:
		return zstdCompressionBlockType
	case compression.MinLZAlgorithm:
		return minlzCompressionBlockType
	default:
		return noCompressionBlockType
	}
}

func algorithmForBlockType(t byte) (compression.Algorithm, error) {
	switch t {
	case noCompressionBlockType:
		return compression.NoAlgorithm, nil
	case snappyCompressionBlockType:
		return compression.SnappyAlgorithm, nil
	case zstdCompressionBlockType:
		return compression.ZstdAlgorithm, nil
	case minlzCompressionBlockType:
		return compression.MinLZAlgorithm, nil
	default:
		return 0, base.CorruptionErrorf("shale/sstable: unknown block compression: %d", t)
	}
}

// ChecksumType specifies the checksum algorithm used for blocks in the table.
// The values are part of the file format.
type ChecksumType byte

const (
	// ChecksumTypeCRC32c is a masked CRC with the Castagnoli polynomial.
	ChecksumTypeCRC32c ChecksumType = 1
	// ChecksumTypeXXHash64 is the lower 32 bits of an XXH64 digest.
	ChecksumTypeXXHash64 ChecksumType = 3
)

func (t ChecksumType) String() string {
	switch t {
	case ChecksumTypeCRC32c:
		return "crc32c"
	case ChecksumTypeXXHash64:
		return "xxhash64"
	default:
		return "unknown"
	}
}

// checksummer computes block checksums of the configured type. The xxhash
// digest is retained to avoid an allocation per block.
type checksummer struct {
	checksumType ChecksumType
	xxHasher     *xxhash.Digest
}

func (c *checksummer) checksum(b []byte, blockType []byte) uint32 {
	switch c.checksumType {
	case ChecksumTypeCRC32c:
		return crc.New(b).Update(blockType).Value()
	case ChecksumTypeXXHash64:
		if c.xxHasher == nil {
			c.xxHasher = xxhash.New()
		} else {
			c.xxHasher.Reset()
		}
		c.xxHasher.Write(b)
		c.xxHasher.Write(blockType)
		return uint32(c.xxHasher.Sum64())
	default:
		panic("unsupported checksum type")
	}
}

// blockHandle is the file offset and length of a block, excluding the
// trailer.
type blockHandle struct {
	offset, length uint64
}

// decodeBlockHandle returns the block handle encoded at the start of src, as
// well as the number of bytes it occupies. It returns zero if given invalid
// input.
func decodeBlockHandle(src []byte) (blockHandle, int) {
	offset, n := binary.Uvarint(src)
	length, m := binary.Uvarint(src[n:])
	if n == 0 || m == 0 {
		return blockHandle{}, 0
	}
	return blockHandle{offset, length}, n + m
}

func encodeBlockHandle(dst []byte, b blockHandle) int {
	n := binary.PutUvarint(dst, b.offset)
	m := binary.PutUvarint(dst[n:], b.length)
	return n + m
}

// footer holds the handles needed to bootstrap reading a table.
type footer struct {
	propsBH      blockHandle
	indexBH      blockHandle
	checksumType ChecksumType
}

func (f footer) encode(buf []byte) []byte {
	buf = buf[:footerLen]
	for i := range buf {
		buf[i] = 0
	}
	encodeBlockHandle(buf, f.propsBH)
	encodeBlockHandle(buf[blockHandleLen:], f.indexBH)
	buf[2*blockHandleLen] = byte(f.checksumType)
	binary.LittleEndian.PutUint32(buf[2*blockHandleLen+1:], formatVersion)
	copy(buf[footerLen-len(magic):], magic)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	var f footer
	if len(buf) != footerLen {
		return f, base.CorruptionErrorf("shale/sstable: invalid table (footer too short): %d", len(buf))
	}
	if string(buf[footerLen-len(magic):]) != magic {
		return f, base.CorruptionErrorf("shale/sstable: invalid table (bad magic number)")
	}
	version := binary.LittleEndian.Uint32(buf[2*blockHandleLen+1:])
	if version != formatVersion {
		return f, base.CorruptionErrorf("shale/sstable: unsupported format version %d", version)
	}
	f.checksumType = ChecksumType(buf[2*blockHandleLen])
	switch f.checksumType {
	case ChecksumTypeCRC32c, ChecksumTypeXXHash64:
	default:
		return f, base.CorruptionErrorf("shale/sstable: unsupported checksum type %d", f.checksumType)
	}
	var n int
	f.propsBH, n = decodeBlockHandle(buf)
	if n == 0 {
		return f, base.CorruptionErrorf("shale/sstable: invalid table (bad properties block handle)")
	}
	f.indexBH, n = decodeBlockHandle(buf[blockHandleLen:])
	if n == 0 {
		return f, base.CorruptionErrorf("shale/sstable: invalid table (bad index block handle)")
	}
	return f, nil
}
