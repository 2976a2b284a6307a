// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"encoding/binary"
	"sort"

	"github.com/shaledb/shale/internal/base"
)

// blockWriter builds a block of prefix-compressed key/value entries. Keys are
// opaque bytes here; data and index blocks store encoded internal keys while
// the properties block stores raw property names.
type blockWriter struct {
	restartInterval int
	nEntries        int
	buf             []byte
	restarts        []uint32
	curKey          []byte
	prevKey         []byte
	tmp             [3 * binary.MaxVarintLen64]byte
}

func (w *blockWriter) add(key, value []byte) {
	w.curKey, w.prevKey = w.prevKey, w.curKey
	w.curKey = append(w.curKey[:0], key...)

	shared := 0
	if w.nEntries%w.restartInterval == 0 {
		w.restarts = append(w.restarts, uint32(len(w.buf)))
	} else {
		shared = base.SharedPrefixLen(w.curKey, w.prevKey)
	}

	n := binary.PutUvarint(w.tmp[0:], uint64(shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(len(key)-shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(len(value)))
	w.buf = append(w.buf, w.tmp[:n]...)
	w.buf = append(w.buf, w.curKey[shared:]...)
	w.buf = append(w.buf, value...)

	w.nEntries++
}

// finish appends the restart points and returns the completed block. Every
// block has at least one restart point.
func (w *blockWriter) finish() []byte {
	if w.nEntries == 0 {
		w.restarts = append(w.restarts[:0], 0)
	}
	tmp4 := w.tmp[:4]
	for _, x := range w.restarts {
		binary.LittleEndian.PutUint32(tmp4, x)
		w.buf = append(w.buf, tmp4...)
	}
	binary.LittleEndian.PutUint32(tmp4, uint32(len(w.restarts)))
	w.buf = append(w.buf, tmp4...)
	return w.buf
}

// estimatedSize returns the size of the block if it were finished now.
func (w *blockWriter) estimatedSize() int {
	return len(w.buf) + 4*(len(w.restarts)+1)
}

func (w *blockWriter) reset() {
	w.nEntries = 0
	w.buf = w.buf[:0]
	w.restarts = w.restarts[:0]
	w.curKey = w.curKey[:0]
	w.prevKey = w.prevKey[:0]
}

// blockIter is a forward iterator over a single block of data. The keys it
// yields are encoded internal keys; kv() decodes the current entry.
type blockIter struct {
	cmp         base.Compare
	offset      int
	nextOffset  int
	restarts    int
	numRestarts int
	data        []byte
	key         []byte
	val         []byte
	ikv         base.InternalKV
	err         error
}

func (i *blockIter) init(cmp base.Compare, data []byte) error {
	if len(data) < 4 {
		return base.CorruptionErrorf("shale/sstable: invalid table (block too short)")
	}
	numRestarts := int(binary.LittleEndian.Uint32(data[len(data)-4:]))
	if numRestarts == 0 {
		return base.CorruptionErrorf("shale/sstable: invalid table (block has no restart points)")
	}
	restarts := len(data) - 4*(1+numRestarts)
	if restarts < 0 {
		return base.CorruptionErrorf("shale/sstable: invalid table (block restart count too large)")
	}
	*i = blockIter{
		cmp:         cmp,
		restarts:    restarts,
		numRestarts: numRestarts,
		data:        data,
		key:         i.key[:0],
	}
	return nil
}

func (i *blockIter) valid() bool {
	return i.offset >= 0 && i.offset < i.restarts
}

func (i *blockIter) readEntry() {
	shared, n := binary.Uvarint(i.data[i.offset:])
	i.nextOffset = i.offset + n
	unshared, n := binary.Uvarint(i.data[i.nextOffset:])
	i.nextOffset += n
	value, n := binary.Uvarint(i.data[i.nextOffset:])
	i.nextOffset += n
	i.key = append(i.key[:shared], i.data[i.nextOffset:i.nextOffset+int(unshared)]...)
	i.nextOffset += int(unshared)
	i.val = i.data[i.nextOffset : i.nextOffset+int(value) : i.nextOffset+int(value)]
	i.nextOffset += int(value)
}

func (i *blockIter) loadEntry() *base.InternalKV {
	i.readEntry()
	i.ikv = base.InternalKV{K: base.DecodeInternalKey(i.key), V: i.val}
	return &i.ikv
}

// First positions the iterator at the first entry in the block.
func (i *blockIter) First() *base.InternalKV {
	i.offset = 0
	if !i.valid() {
		return nil
	}
	return i.loadEntry()
}

// SeekGE positions the iterator at the first entry whose user key is >= the
// given key.
func (i *blockIter) SeekGE(key []byte) *base.InternalKV {
	searchKey := base.MakeSearchKey(key)

	// Find the index of the smallest restart point whose key is > the key
	// sought; index will be numRestarts if there is no such restart point.
	index := sort.Search(i.numRestarts, func(j int) bool {
		offset := int(binary.LittleEndian.Uint32(i.data[i.restarts+4*j:]))
		// For a restart point, there are 0 bytes shared with the previous
		// key. The varint encoding of 0 occupies 1 byte.
		offset++
		v1, n1 := binary.Uvarint(i.data[offset:])
		_, n2 := binary.Uvarint(i.data[offset+n1:])
		m := offset + n1 + n2
		s := i.data[m : m+int(v1)]
		return base.InternalCompare(i.cmp, searchKey, base.DecodeInternalKey(s)) < 0
	})

	// Since keys are strictly increasing, if index > 0 then the restart point
	// at index-1 will be the largest whose key is <= the key sought. If index
	// == 0, then all keys in this block are larger than the key sought, and
	// offset remains at zero.
	i.offset = 0
	if index > 0 {
		i.offset = int(binary.LittleEndian.Uint32(i.data[i.restarts+4*(index-1):]))
	}
	if !i.valid() {
		return nil
	}

	// Iterate from that restart point to somewhere >= the key sought.
	for kv := i.loadEntry(); ; {
		if base.InternalCompare(i.cmp, searchKey, kv.K) <= 0 {
			return kv
		}
		if kv = i.Next(); kv == nil {
			return nil
		}
	}
}

// Next advances to the next entry in the block.
func (i *blockIter) Next() *base.InternalKV {
	i.offset = i.nextOffset
	if !i.valid() {
		return nil
	}
	return i.loadEntry()
}

func (i *blockIter) Error() error {
	return i.err
}

func (i *blockIter) Close() error {
	i.data = nil
	i.val = nil
	return i.err
}
