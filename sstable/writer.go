// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/internal/compression"
	"github.com/shaledb/shale/vfs"
)

const (
	defaultBlockSize            = 4096
	defaultBlockRestartInterval = 16

	// The properties block is read by walking its entries sequentially, so
	// restart points buy nothing there.
	propertiesBlockRestartInterval = 1 << 30
)

// FileChecksumFuncName identifies the hash function behind the whole-file
// checksum recorded in WriterMetadata.Checksum.
const FileChecksumFuncName = "xxhash64"

// WriterOptions holds the parameters used to control building a table.
type WriterOptions struct {
	// BlockRestartInterval is the number of keys between restart points for
	// delta encoding of keys.
	//
	// The default value is 16.
	BlockRestartInterval int

	// BlockSize is the target uncompressed size in bytes of each table block.
	//
	// The default value is 4096.
	BlockSize int

	// Checksum specifies which checksum to use to protect blocks.
	//
	// The default value is ChecksumTypeXXHash64.
	Checksum ChecksumType

	// Comparer defines a total ordering over the space of []byte keys.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *base.Comparer

	// Compression defines the per-block compression to use.
	//
	// The default value (nil) uses Snappy compression.
	Compression *compression.Setting

	// MergerName is the name of the merger whose operands are stored in MERGE
	// records. Opening a table with a different merger is an error.
	MergerName string

	// ParanoidChecks causes the writer to additionally maintain a running
	// hash over every record added to the table, recorded in
	// WriterMetadata.ParanoidHash. Verifying readers recompute the same hash.
	ParanoidChecks bool
}

func (o WriterOptions) ensureDefaults() WriterOptions {
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = defaultBlockRestartInterval
	}
	if o.BlockSize <= 0 {
		o.BlockSize = defaultBlockSize
	}
	if o.Checksum == 0 {
		o.Checksum = ChecksumTypeXXHash64
	}
	if o.Comparer == nil {
		o.Comparer = base.DefaultComparer
	}
	if o.Compression == nil {
		o.Compression = &compression.Snappy
	}
	if o.MergerName == "" {
		o.MergerName = base.DefaultMerger.Name
	}
	return o
}

// WriterMetadata holds info about a finished table.
type WriterMetadata struct {
	// Size is the size of the table file in bytes.
	Size uint64
	// Smallest and Largest are the bounds of the keys added to the table.
	Smallest base.InternalKey
	Largest  base.InternalKey
	// SmallestSeqNum and LargestSeqNum are the sequence number bounds of the
	// records in the table.
	SmallestSeqNum base.SeqNum
	LargestSeqNum  base.SeqNum
	// Properties is a copy of the properties written to the table.
	Properties Properties
	// Checksum is the hex-encoded hash of every byte of the file, computed
	// with the function named by FileChecksumFuncName.
	Checksum string
	// ParanoidHash is the running record hash, present only if the writer was
	// configured with ParanoidChecks.
	ParanoidHash uint64
}

// Writer is a table writer. It implements the building phase of a table:
// keys are added in order, collected into blocks, and the table is finished
// with a call to Close. A Writer is not safe for concurrent use.
type Writer struct {
	file vfs.File
	w    *bufio.Writer
	err  error

	closed bool

	cmp       base.Compare
	separator base.Separator
	successor base.Successor

	blockSize   int
	checksummer checksummer
	// compressor is nil when compression is disabled.
	compressor compression.Compressor

	// fileHash accumulates a hash of every byte written to the file. Its sum
	// becomes the table checksum recorded in the metadata.
	fileHash *xxhash.Digest
	// paranoid, when non-nil, accumulates a hash over the records added to
	// the table.
	paranoid *xxhash.Digest

	block      blockWriter
	indexBlock blockWriter
	// pendingBH is the handle of a finished data block waiting for its index
	// entry. The entry's key is a separator between the last key in that
	// block and the first key in the next one, so it cannot be written until
	// the next key is known.
	pendingBH blockHandle

	// prevKey is a copy of the key most recently passed to Add.
	prevKey base.InternalKey

	// offset is the offset (relative to the table start) of the next block
	// to be written.
	offset        uint64
	compressedBuf []byte
	ikeyScratch   []byte
	tmp           [footerLen]byte

	props Properties
	meta  WriterMetadata
}

// NewWriter returns a new table writer for the file. Closing the writer
// closes the file.
func NewWriter(f vfs.File, o WriterOptions) *Writer {
	o = o.ensureDefaults()
	w := &Writer{
		file:        f,
		cmp:         o.Comparer.Compare,
		separator:   o.Comparer.Separator,
		successor:   o.Comparer.Successor,
		blockSize:   o.BlockSize,
		checksummer: checksummer{checksumType: o.Checksum},
		fileHash:    xxhash.New(),
		block:       blockWriter{restartInterval: o.BlockRestartInterval},
		indexBlock:  blockWriter{restartInterval: 1},
	}
	w.props.ComparerName = o.Comparer.Name
	w.props.CompressionName = o.Compression.String()
	w.props.MergerName = o.MergerName
	if o.Compression.Algorithm != compression.NoAlgorithm {
		w.compressor = compression.GetCompressor(*o.Compression)
	}
	if o.ParanoidChecks {
		w.paranoid = xxhash.New()
	}
	if f == nil {
		w.err = errors.New("shale/sstable: nil file")
		return w
	}
	w.w = bufio.NewWriter(f)
	return w
}

// Add adds a key/value pair to the table being written. Keys must be added
// in increasing internal key order.
func (w *Writer) Add(key base.InternalKey, value []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.props.NumEntries == 0 {
		w.meta.Smallest = key.Clone()
		w.meta.SmallestSeqNum = key.SeqNum()
		w.meta.LargestSeqNum = key.SeqNum()
	} else {
		if base.InternalCompare(w.cmp, w.prevKey, key) >= 0 {
			w.err = errors.Errorf("shale/sstable: keys must be added in order: %s, %s",
				w.prevKey, key)
			return w.err
		}
		if n := key.SeqNum(); n < w.meta.SmallestSeqNum {
			w.meta.SmallestSeqNum = n
		} else if n > w.meta.LargestSeqNum {
			w.meta.LargestSeqNum = n
		}
	}
	w.flushPendingBH(&key)

	ikey := w.encodeKey(key)
	w.block.add(ikey, value)
	if w.paranoid != nil {
		hashEntry(w.paranoid, ikey, value)
	}
	w.prevKey.CopyFrom(key)

	w.props.NumEntries++
	w.props.RawKeySize += uint64(key.Size())
	w.props.RawValueSize += uint64(len(value))
	switch key.Kind() {
	case base.InternalKeyKindDelete, base.InternalKeyKindSingleDelete:
		w.props.NumDeletions++
	case base.InternalKeyKindMerge:
		w.props.NumMergeOperands++
	}

	if w.block.estimatedSize() >= w.blockSize {
		if err := w.finishBlock(); err != nil {
			w.err = err
			return w.err
		}
	}
	return nil
}

// EstimatedSize returns the estimated size of the table if it were finished
// now, including the index block and the footer.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset +
		uint64(w.block.estimatedSize()) +
		uint64(w.indexBlock.estimatedSize()) +
		2*blockTrailerLen + uint64(footerLen)
}

// ComparePrev compares userKey to the user key of the last key added to the
// writer. It returns +1 if no keys have been added yet.
func (w *Writer) ComparePrev(userKey []byte) int {
	if w.props.NumEntries == 0 {
		return +1
	}
	return w.cmp(userKey, w.prevKey.UserKey)
}

// encodeKey encodes the internal key into a scratch buffer that remains
// valid until the next call.
func (w *Writer) encodeKey(key base.InternalKey) []byte {
	n := key.Size()
	if cap(w.ikeyScratch) < n {
		w.ikeyScratch = make([]byte, 0, 2*n)
	}
	buf := w.ikeyScratch[:n]
	key.Encode(buf)
	return buf
}

// flushPendingBH adds any pending block handle to the index block. A nil key
// indicates that there will be no further keys, and the index entry uses a
// successor of the block's last key rather than a separator.
func (w *Writer) flushPendingBH(key *base.InternalKey) {
	if w.pendingBH.length == 0 {
		// A valid blockHandle is never zero length.
		return
	}
	var sep base.InternalKey
	if key == nil {
		sep = w.prevKey.Successor(w.cmp, w.successor, nil)
	} else {
		sep = w.prevKey.Separator(w.cmp, w.separator, nil, *key)
	}
	n := encodeBlockHandle(w.tmp[:], w.pendingBH)
	w.indexBlock.add(w.encodeKey(sep), w.tmp[:n])
	w.pendingBH = blockHandle{}
}

// finishBlock finishes the current data block, leaving its handle pending
// until the separating index key is known.
func (w *Writer) finishBlock() error {
	bh, err := w.writeBlock(w.block.finish(), w.compressor)
	if err != nil {
		return err
	}
	w.block.reset()
	w.pendingBH = bh
	w.props.NumDataBlocks++
	return nil
}

// writeBlock compresses and writes a block to the file, returning its
// handle. Compression is skipped when it does not shrink the block by at
// least 12.5%.
func (w *Writer) writeBlock(b []byte, c compression.Compressor) (blockHandle, error) {
	blockType := noCompressionBlockType
	if c != nil {
		var setting compression.Setting
		w.compressedBuf, setting = c.Compress(w.compressedBuf[:0], b)
		if len(w.compressedBuf) < len(b)-len(b)/8 {
			blockType = blockTypeForAlgorithm(setting.Algorithm)
			b = w.compressedBuf
		}
	}
	return w.writeRawBlock(b, blockType)
}

// writeRawBlock writes b to the file as-is, followed by a block trailer
// holding the block type and a checksum covering both.
func (w *Writer) writeRawBlock(b []byte, blockType byte) (blockHandle, error) {
	w.tmp[0] = blockType
	checksum := w.checksummer.checksum(b, w.tmp[:1])
	binary.LittleEndian.PutUint32(w.tmp[1:5], checksum)

	bh := blockHandle{offset: w.offset, length: uint64(len(b))}
	if err := w.writeRaw(b); err != nil {
		return blockHandle{}, err
	}
	if err := w.writeRaw(w.tmp[:blockTrailerLen]); err != nil {
		return blockHandle{}, err
	}
	return bh, nil
}

// writeRaw writes b to the file, teeing it into the running file hash.
func (w *Writer) writeRaw(b []byte) error {
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	_, _ = w.fileHash.Write(b)
	w.offset += uint64(len(b))
	return nil
}

// Close finishes writing the table: the final data block, the properties
// block, the index block and the footer are written, and the file is synced
// and closed. The table's metadata is available from Metadata afterwards.
func (w *Writer) Close() (err error) {
	defer func() {
		if w.compressor != nil {
			w.compressor.Close()
			w.compressor = nil
		}
		if w.file == nil {
			return
		}
		err1 := w.file.Close()
		if err == nil {
			err = err1
		}
		w.file = nil
	}()
	if w.err != nil {
		return w.err
	}

	// Finish the last data block, or force an empty data block if there
	// aren't any data blocks at all.
	w.flushPendingBH(nil)
	if w.block.nEntries > 0 || w.indexBlock.nEntries == 0 {
		if err := w.finishBlock(); err != nil {
			w.err = err
			return w.err
		}
		w.flushPendingBH(nil)
	}
	w.props.DataSize = w.offset
	w.props.IndexSize = uint64(w.indexBlock.estimatedSize()) + blockTrailerLen

	// The properties block is stored uncompressed so that tools can read it
	// without knowing the compression algorithm in use.
	var propsBlock blockWriter
	propsBlock.restartInterval = propertiesBlockRestartInterval
	w.props.save(&propsBlock)
	propsBH, err := w.writeRawBlock(propsBlock.finish(), noCompressionBlockType)
	if err != nil {
		w.err = err
		return w.err
	}

	indexBH, err := w.writeBlock(w.indexBlock.finish(), w.compressor)
	if err != nil {
		w.err = err
		return w.err
	}

	footer := footer{
		propsBH:      propsBH,
		indexBH:      indexBH,
		checksumType: w.checksummer.checksumType,
	}
	if err := w.writeRaw(footer.encode(w.tmp[:])); err != nil {
		w.err = err
		return w.err
	}
	if err := w.w.Flush(); err != nil {
		w.err = err
		return w.err
	}
	if err := w.file.Sync(); err != nil {
		w.err = err
		return w.err
	}

	w.meta.Size = w.offset
	w.meta.Properties = w.props
	if w.props.NumEntries > 0 {
		w.meta.Largest = w.prevKey.Clone()
	}
	w.meta.Checksum = fmt.Sprintf("%016x", w.fileHash.Sum64())
	if w.paranoid != nil {
		w.meta.ParanoidHash = w.paranoid.Sum64()
	}
	w.closed = true

	// Make any future calls to Add or Close return an error.
	w.err = errors.New("shale/sstable: writer is closed")
	return nil
}

// Metadata returns the metadata of the finished table. Only valid to call
// after Close has returned successfully.
func (w *Writer) Metadata() (*WriterMetadata, error) {
	if !w.closed {
		return nil, errors.New("shale/sstable: writer is not closed")
	}
	return &w.meta, nil
}

// hashEntry mixes a single record into a running record hash. The key and
// the value are each length-prefixed so that record boundaries remain
// unambiguous.
func hashEntry(h *xxhash.Digest, key, value []byte) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(key)))
	_, _ = h.Write(buf[:n])
	_, _ = h.Write(key)
	n = binary.PutUvarint(buf[:], uint64(len(value)))
	_, _ = h.Write(buf[:n])
	_, _ = h.Write(value)
}
