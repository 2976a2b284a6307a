// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/shaledb/shale/internal/base"
)

// Properties holds the aggregated statistics for a table, stored in the
// table's properties block.
type Properties struct {
	// The name of the comparer used in this table.
	ComparerName string
	// The compression setting used to compress blocks.
	CompressionName string
	// The total size of all data blocks, including trailers.
	DataSize uint64
	// The size of the index block, including its trailer.
	IndexSize uint64
	// The name of the merger used in this table. Empty if no merger is used.
	MergerName string
	// The number of data blocks in this table.
	NumDataBlocks uint64
	// The number of deletion entries in this table, including both point
	// deletes and single deletes.
	NumDeletions uint64
	// The number of entries in this table.
	NumEntries uint64
	// The number of merge operands in this table.
	NumMergeOperands uint64
	// Total raw key size.
	RawKeySize uint64
	// Total raw value size.
	RawValueSize uint64
}

const (
	propComparerName     = "shale.comparer"
	propCompressionName  = "shale.compression"
	propDataSize         = "shale.data.size"
	propIndexSize        = "shale.index.size"
	propMergerName       = "shale.merger"
	propNumDataBlocks    = "shale.num.data.blocks"
	propNumDeletions     = "shale.num.deletions"
	propNumEntries       = "shale.num.entries"
	propNumMergeOperands = "shale.num.merge.operands"
	propRawKeySize       = "shale.raw.key.size"
	propRawValueSize     = "shale.raw.value.size"
)

// save encodes the properties into the supplied block writer. The properties
// block is a regular block whose keys are property names: they must be added
// in sorted order.
func (p *Properties) save(w *blockWriter) {
	m := make(map[string][]byte)
	saveString := func(key, value string) {
		if value != "" {
			m[key] = []byte(value)
		}
	}
	saveUvarint := func(key string, value uint64) {
		var buf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(buf[:], value)
		m[key] = append([]byte(nil), buf[:n]...)
	}

	saveString(propComparerName, p.ComparerName)
	saveString(propCompressionName, p.CompressionName)
	saveUvarint(propDataSize, p.DataSize)
	saveUvarint(propIndexSize, p.IndexSize)
	saveString(propMergerName, p.MergerName)
	saveUvarint(propNumDataBlocks, p.NumDataBlocks)
	saveUvarint(propNumDeletions, p.NumDeletions)
	saveUvarint(propNumEntries, p.NumEntries)
	saveUvarint(propNumMergeOperands, p.NumMergeOperands)
	saveUvarint(propRawKeySize, p.RawKeySize)
	saveUvarint(propRawValueSize, p.RawValueSize)

	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		w.add([]byte(key), m[key])
	}
}

// load decodes the properties from an uncompressed properties block.
func (p *Properties) load(b []byte) error {
	if len(b) < 4 {
		return base.CorruptionErrorf("shale/sstable: invalid properties block")
	}
	numRestarts := int(binary.LittleEndian.Uint32(b[len(b)-4:]))
	end := len(b) - 4*(1+numRestarts)
	if end < 0 {
		return base.CorruptionErrorf("shale/sstable: invalid properties block")
	}

	loadUvarint := func(field *uint64, value []byte) error {
		v, n := binary.Uvarint(value)
		if n != len(value) {
			return base.CorruptionErrorf("shale/sstable: invalid properties block")
		}
		*field = v
		return nil
	}

	var key []byte
	for offset := 0; offset < end; {
		shared, n := binary.Uvarint(b[offset:])
		if n <= 0 || shared > uint64(len(key)) {
			return base.CorruptionErrorf("shale/sstable: invalid properties block")
		}
		offset += n
		unshared, n := binary.Uvarint(b[offset:])
		if n <= 0 || unshared > uint64(end) {
			return base.CorruptionErrorf("shale/sstable: invalid properties block")
		}
		offset += n
		valueLen, n := binary.Uvarint(b[offset:])
		if n <= 0 || valueLen > uint64(end) {
			return base.CorruptionErrorf("shale/sstable: invalid properties block")
		}
		offset += n
		if offset+int(unshared)+int(valueLen) > end {
			return base.CorruptionErrorf("shale/sstable: invalid properties block")
		}
		key = append(key[:shared], b[offset:offset+int(unshared)]...)
		offset += int(unshared)
		value := b[offset : offset+int(valueLen)]
		offset += int(valueLen)

		var err error
		switch string(key) {
		case propComparerName:
			p.ComparerName = string(value)
		case propCompressionName:
			p.CompressionName = string(value)
		case propDataSize:
			err = loadUvarint(&p.DataSize, value)
		case propIndexSize:
			err = loadUvarint(&p.IndexSize, value)
		case propMergerName:
			p.MergerName = string(value)
		case propNumDataBlocks:
			err = loadUvarint(&p.NumDataBlocks, value)
		case propNumDeletions:
			err = loadUvarint(&p.NumDeletions, value)
		case propNumEntries:
			err = loadUvarint(&p.NumEntries, value)
		case propNumMergeOperands:
			err = loadUvarint(&p.NumMergeOperands, value)
		case propRawKeySize:
			err = loadUvarint(&p.RawKeySize, value)
		case propRawValueSize:
			err = loadUvarint(&p.RawValueSize, value)
		default:
			// Unknown properties are ignored for forward compatibility.
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// String returns the properties one per line, for debugging output.
func (p *Properties) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "comparer:           %s\n", p.ComparerName)
	fmt.Fprintf(&buf, "compression:        %s\n", p.CompressionName)
	fmt.Fprintf(&buf, "merger:             %s\n", p.MergerName)
	fmt.Fprintf(&buf, "num-entries:        %d\n", p.NumEntries)
	fmt.Fprintf(&buf, "num-deletions:      %d\n", p.NumDeletions)
	fmt.Fprintf(&buf, "num-merge-operands: %d\n", p.NumMergeOperands)
	fmt.Fprintf(&buf, "num-data-blocks:    %d\n", p.NumDataBlocks)
	fmt.Fprintf(&buf, "raw-key-size:       %d\n", p.RawKeySize)
	fmt.Fprintf(&buf, "raw-value-size:     %d\n", p.RawValueSize)
	fmt.Fprintf(&buf, "data-size:          %d\n", p.DataSize)
	fmt.Fprintf(&buf, "index-size:         %d\n", p.IndexSize)
	return buf.String()
}
