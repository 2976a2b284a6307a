// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package compression provides the block compression algorithms used by the
// sstable format.
package compression

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/minio/minlz"
)

// Algorithm identifies a compression algorithm, without specifying any
// algorithm parameters (like a compression level).
type Algorithm uint8

// The available algorithms.
const (
	NoAlgorithm Algorithm = iota
	SnappyAlgorithm
	ZstdAlgorithm
	MinLZAlgorithm
	numAlgorithms
)

// String implements fmt.Stringer.
func (a Algorithm) String() string {
	switch a {
	case NoAlgorithm:
		return "none"
	case SnappyAlgorithm:
		return "snappy"
	case ZstdAlgorithm:
		return "zstd"
	case MinLZAlgorithm:
		return "minlz"
	default:
		return "unknown"
	}
}

// Setting is an algorithm together with its parameters, sufficient to
// instantiate a Compressor.
type Setting struct {
	Algorithm Algorithm
	// Level is the compression level for algorithms that support one. Higher
	// levels trade compression speed for compression ratio.
	Level uint8
}

// String implements fmt.Stringer.
func (s Setting) String() string {
	switch s.Algorithm {
	case ZstdAlgorithm, MinLZAlgorithm:
		return fmt.Sprintf("%s%d", s.Algorithm, s.Level)
	default:
		return s.Algorithm.String()
	}
}

// Predefined settings.
var (
	None          = Setting{Algorithm: NoAlgorithm}
	Snappy        = Setting{Algorithm: SnappyAlgorithm}
	ZstdLevel1    = Setting{Algorithm: ZstdAlgorithm, Level: 1}
	ZstdLevel3    = Setting{Algorithm: ZstdAlgorithm, Level: 3}
	MinLZFastest  = Setting{Algorithm: MinLZAlgorithm, Level: uint8(minlz.LevelFastest)}
	MinLZBalanced = Setting{Algorithm: MinLZAlgorithm, Level: uint8(minlz.LevelBalanced)}
)

// A Compressor compresses blocks. It may not be safe for concurrent use.
type Compressor interface {
	// Compress appends the compressed bytes of src to dst and returns the
	// updated slice, along with the setting that was in effect. The returned
	// setting can differ from the compressor's configured setting when the
	// implementation falls back to another algorithm for a given block.
	Compress(dst, src []byte) ([]byte, Setting)

	// Close must be called when the compressor is no longer needed. After Close
	// is called, the compressor must not be used again.
	Close()
}

// A Decompressor decompresses blocks. It may not be safe for concurrent use.
type Decompressor interface {
	// DecompressInto decompresses the compressed bytes into the buffer, which
	// must be exactly the size of the decompressed data.
	DecompressInto(dst, compressed []byte) error

	// DecompressedLen returns the length of the decompressed data for a
	// compressed block.
	DecompressedLen(compressed []byte) (int, error)

	// Close must be called when the decompressor is no longer needed. After
	// Close is called, the decompressor must not be used again.
	Close()
}

// GetCompressor returns a Compressor for the given setting. Closing the
// compressor allows reuse of any associated resources.
func GetCompressor(s Setting) Compressor {
	switch s.Algorithm {
	case NoAlgorithm:
		return noopCompressor{}
	case SnappyAlgorithm:
		return snappyCompressor{}
	case ZstdAlgorithm:
		return getZstdCompressor(int(s.Level))
	case MinLZAlgorithm:
		return getMinlzCompressor(int(s.Level))
	default:
		panic(errors.AssertionFailedf("invalid compression algorithm %d", s.Algorithm))
	}
}

// GetDecompressor returns a Decompressor for the given algorithm.
func GetDecompressor(a Algorithm) Decompressor {
	switch a {
	case NoAlgorithm:
		return noopDecompressor{}
	case SnappyAlgorithm:
		return snappyDecompressor{}
	case ZstdAlgorithm:
		return getZstdDecompressor()
	case MinLZAlgorithm:
		return minlzDecompressor{}
	default:
		panic(errors.AssertionFailedf("invalid compression algorithm %d", a))
	}
}
