// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/internal/compression"
	"github.com/shaledb/shale/vfs"
)

// ReaderOptions holds the parameters needed for reading a table.
type ReaderOptions struct {
	// Comparer defines a total ordering over the space of []byte keys. It
	// must match the comparer the table was written with.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *base.Comparer
}

func (o ReaderOptions) ensureDefaults() ReaderOptions {
	if o.Comparer == nil {
		o.Comparer = base.DefaultComparer
	}
	return o
}

// Reader is a table reader. Blocks are checksummed on every read; a
// checksum mismatch surfaces as a corruption error.
type Reader struct {
	file vfs.File
	err  error
	cmp  base.Compare

	checksumType ChecksumType
	fileSize     int64

	// index is the decoded index block, kept resident for the life of the
	// reader.
	index []byte
	props Properties
}

// NewReader returns a new table reader for the file. The footer, the
// properties block and the index block are read eagerly; a table written
// with a comparer other than o.Comparer is rejected. Closing the reader
// closes the file.
func NewReader(f vfs.File, o ReaderOptions) (r *Reader, err error) {
	if f == nil {
		return nil, errors.New("shale/sstable: nil file")
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()
	o = o.ensureDefaults()
	r = &Reader{
		file: f,
		cmp:  o.Comparer.Compare,
	}
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() < int64(footerLen) {
		return nil, base.CorruptionErrorf("shale/sstable: invalid table (file size is too small)")
	}
	r.fileSize = stat.Size()

	var footerBuf [footerLen]byte
	if _, err := f.ReadAt(footerBuf[:], r.fileSize-int64(footerLen)); err != nil {
		return nil, err
	}
	foot, err := decodeFooter(footerBuf[:])
	if err != nil {
		return nil, err
	}
	r.checksumType = foot.checksumType

	b, err := r.readBlock(foot.propsBH)
	if err != nil {
		return nil, err
	}
	if err := r.props.load(b); err != nil {
		return nil, err
	}
	if r.props.ComparerName != o.Comparer.Name {
		return nil, errors.Errorf(
			"shale/sstable: table was created with comparer %q, opened with %q",
			r.props.ComparerName, o.Comparer.Name)
	}
	if r.index, err = r.readBlock(foot.indexBH); err != nil {
		return nil, err
	}
	return r, nil
}

// Properties returns the properties of the table.
func (r *Reader) Properties() *Properties {
	return &r.props
}

// Size returns the size of the table file in bytes.
func (r *Reader) Size() int64 {
	return r.fileSize
}

// Close releases the reader, closing the underlying file.
func (r *Reader) Close() error {
	if r.file == nil {
		return r.err
	}
	err := r.file.Close()
	r.file = nil
	r.err = errors.New("shale/sstable: reader is closed")
	return err
}

// readBlock reads the block at the given handle, verifying its checksum and
// decompressing it if necessary.
func (r *Reader) readBlock(bh blockHandle) ([]byte, error) {
	b := make([]byte, bh.length+blockTrailerLen)
	if _, err := r.file.ReadAt(b, int64(bh.offset)); err != nil {
		return nil, err
	}
	expected := binary.LittleEndian.Uint32(b[bh.length+1:])
	cs := checksummer{checksumType: r.checksumType}
	if computed := cs.checksum(b[:bh.length], b[bh.length:bh.length+1]); computed != expected {
		return nil, base.CorruptionErrorf(
			"shale/sstable: invalid table (checksum mismatch at %d/%d)",
			bh.offset, bh.length)
	}
	algo, err := algorithmForBlockType(b[bh.length])
	if err != nil {
		return nil, err
	}
	b = b[:bh.length:bh.length]
	if algo == compression.NoAlgorithm {
		return b, nil
	}
	d := compression.GetDecompressor(algo)
	defer d.Close()
	n, err := d.DecompressedLen(b)
	if err != nil {
		return nil, base.MarkCorruptionError(err)
	}
	decoded := make([]byte, n)
	if err := d.DecompressInto(decoded, b); err != nil {
		return nil, base.MarkCorruptionError(err)
	}
	return decoded, nil
}

// NewIter returns an iterator over the records of the table.
func (r *Reader) NewIter() (base.InternalIterator, error) {
	if r.file == nil {
		return nil, r.err
	}
	i := &singleLevelIterator{reader: r}
	if err := i.index.init(r.cmp, r.index); err != nil {
		return nil, err
	}
	return i, nil
}

// Verify scans the entire table, checking block checksums, key ordering and
// the per-record hash. It returns the number of records in the table along
// with the computed record hash, which matches WriterMetadata.ParanoidHash
// for a table written with ParanoidChecks.
func (r *Reader) Verify() (numRecords uint64, recordHash uint64, err error) {
	iter, err := r.NewIter()
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err1 := iter.Close(); err == nil {
			err = err1
		}
	}()

	h := xxhash.New()
	var prev base.InternalKey
	var keyBuf []byte
	for kv := iter.First(); kv != nil; kv = iter.Next() {
		if numRecords > 0 && base.InternalCompare(r.cmp, prev, kv.K) >= 0 {
			return numRecords, 0, base.CorruptionErrorf(
				"shale/sstable: out-of-order key %s", kv.K)
		}
		prev.CopyFrom(kv.K)

		n := kv.K.Size()
		if cap(keyBuf) < n {
			keyBuf = make([]byte, 0, 2*n)
		}
		ikey := keyBuf[:n]
		kv.K.Encode(ikey)
		hashEntry(h, ikey, kv.V)
		numRecords++
	}
	if err := iter.Error(); err != nil {
		return numRecords, 0, err
	}
	if numRecords != r.props.NumEntries {
		return numRecords, 0, base.CorruptionErrorf(
			"shale/sstable: table contains %d records, properties claim %d",
			numRecords, r.props.NumEntries)
	}
	return numRecords, h.Sum64(), nil
}

// ComputeFileChecksum returns the hex-encoded whole-file checksum of a
// table file, using the function named by FileChecksumFuncName. The result
// matches WriterMetadata.Checksum for an undamaged file.
func ComputeFileChecksum(f vfs.File) (string, error) {
	stat, err := f.Stat()
	if err != nil {
		return "", err
	}
	h := xxhash.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, stat.Size())); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// singleLevelIterator iterates over the records of a table. It keeps the
// current data block in memory and steps the resident index block to find
// the next one.
type singleLevelIterator struct {
	reader *Reader
	index  blockIter
	data   blockIter
	err    error
}

var _ base.InternalIterator = (*singleLevelIterator)(nil)

// loadBlock loads the data block referenced by the index entry value v into
// the data block iterator.
func (i *singleLevelIterator) loadBlock(v []byte) bool {
	bh, n := decodeBlockHandle(v)
	if n == 0 || n != len(v) {
		i.err = base.CorruptionErrorf("shale/sstable: corrupt index entry")
		return false
	}
	b, err := i.reader.readBlock(bh)
	if err != nil {
		i.err = err
		return false
	}
	if err := i.data.init(i.reader.cmp, b); err != nil {
		i.err = err
		return false
	}
	return true
}

// skipForward steps to subsequent data blocks until one yields a record.
func (i *singleLevelIterator) skipForward() *base.InternalKV {
	for {
		ikv := i.index.Next()
		if ikv == nil {
			i.err = i.index.Error()
			return nil
		}
		if !i.loadBlock(ikv.V) {
			return nil
		}
		if kv := i.data.First(); kv != nil {
			return kv
		}
		if i.err = i.data.Error(); i.err != nil {
			return nil
		}
	}
}

// First implements base.InternalIterator.
func (i *singleLevelIterator) First() *base.InternalKV {
	if i.err != nil {
		return nil
	}
	ikv := i.index.First()
	if ikv == nil {
		i.err = i.index.Error()
		return nil
	}
	if !i.loadBlock(ikv.V) {
		return nil
	}
	if kv := i.data.First(); kv != nil {
		return kv
	}
	if i.err = i.data.Error(); i.err != nil {
		return nil
	}
	return i.skipForward()
}

// SeekGE implements base.InternalIterator.
func (i *singleLevelIterator) SeekGE(key []byte) *base.InternalKV {
	if i.err != nil {
		return nil
	}
	ikv := i.index.SeekGE(key)
	if ikv == nil {
		i.err = i.index.Error()
		return nil
	}
	if !i.loadBlock(ikv.V) {
		return nil
	}
	if kv := i.data.SeekGE(key); kv != nil {
		return kv
	}
	if i.err = i.data.Error(); i.err != nil {
		return nil
	}
	// The separator that selected this block can sit past the block's last
	// key, in which case the sought key lands in the next block.
	return i.skipForward()
}

// Next implements base.InternalIterator.
func (i *singleLevelIterator) Next() *base.InternalKV {
	if i.err != nil {
		return nil
	}
	if kv := i.data.Next(); kv != nil {
		return kv
	}
	if i.err = i.data.Error(); i.err != nil {
		return nil
	}
	return i.skipForward()
}

// Error implements base.InternalIterator.
func (i *singleLevelIterator) Error() error {
	if i.err != nil {
		return i.err
	}
	if err := i.data.Error(); err != nil {
		return err
	}
	return i.index.Error()
}

// Close implements base.InternalIterator.
func (i *singleLevelIterator) Close() error {
	err := i.err
	if err1 := i.data.Close(); err == nil {
		err = err1
	}
	if err1 := i.index.Close(); err == nil {
		err = err1
	}
	return err
}
