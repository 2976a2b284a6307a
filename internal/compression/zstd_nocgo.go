// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

//go:build !cgo

package compression

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/shaledb/shale/internal/base"
)

type zstdCompressor struct {
	level   int
	encoder *zstd.Encoder
}

var _ Compressor = (*zstdCompressor)(nil)

func getZstdCompressor(level int) *zstdCompressor {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		panic(errors.Wrap(err, "zstd compression"))
	}
	return &zstdCompressor{level: level, encoder: encoder}
}

// UseStandardZstdLib indicates whether the zstd implementation is a port of
// the official one in the facebook/zstd repository.
//
// This constant is only used in tests. Some tests rely on reproducibility of
// compressed output, and a custom implementation of zstd produces different
// bytes. Those tests have to be disabled in such cases.
const UseStandardZstdLib = false

func (z *zstdCompressor) Compress(compressedBuf, b []byte) ([]byte, Setting) {
	if len(compressedBuf) < binary.MaxVarintLen64 {
		compressedBuf = append(compressedBuf, make([]byte, binary.MaxVarintLen64-len(compressedBuf))...)
	}
	varIntLen := binary.PutUvarint(compressedBuf, uint64(len(b)))
	result := z.encoder.EncodeAll(b, compressedBuf[:varIntLen])
	return result, Setting{Algorithm: ZstdAlgorithm, Level: uint8(z.level)}
}

func (z *zstdCompressor) Close() {
	if err := z.encoder.Close(); err != nil {
		panic(err)
	}
}

type zstdDecompressor struct{}

var _ Decompressor = zstdDecompressor{}

func (zstdDecompressor) DecompressInto(dst, src []byte) error {
	// The payload is prefixed with a varint encoding the length of the
	// decompressed block.
	_, prefixLen := binary.Uvarint(src)
	src = src[prefixLen:]
	decoder, _ := zstd.NewReader(nil)
	defer decoder.Close()
	result, err := decoder.DecodeAll(src, dst[:0])
	if err != nil {
		return err
	}
	if len(result) != len(dst) || (len(result) > 0 && &result[0] != &dst[0]) {
		return base.CorruptionErrorf("shale: decompressed into unexpected buffer: %p != %p",
			errors.Safe(result), errors.Safe(dst))
	}
	return nil
}

func (zstdDecompressor) DecompressedLen(b []byte) (decompressedLen int, err error) {
	decodedLenU64, varIntLen := binary.Uvarint(b)
	if varIntLen <= 0 {
		return 0, base.CorruptionErrorf("shale: compressed block has invalid length")
	}
	return int(decodedLenU64), nil
}

func (zstdDecompressor) Close() {}

func getZstdDecompressor() zstdDecompressor {
	return zstdDecompressor{}
}
