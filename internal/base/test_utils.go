// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import "strings"

// ParseInternalKV parses its argument in the form "key#seq,KIND:value" into
// an InternalKV. The ":value" portion may be omitted, in which case the value
// is nil.
func ParseInternalKV(s string) InternalKV {
	key := s
	var value []byte
	if i := strings.Index(s, ":"); i >= 0 {
		key, value = s[:i], []byte(s[i+1:])
	}
	return MakeInternalKV(ParseInternalKey(key), value)
}

// NewFakeIter returns an InternalIterator over the given KVs, which must be
// sorted.
func NewFakeIter(kvs []InternalKV) *FakeIter {
	return &FakeIter{kvs: kvs, index: -1}
}

// FakeIter is an iterator over a fixed set of KVs, for use in tests.
type FakeIter struct {
	kvs      []InternalKV
	index    int
	closeErr error
}

var _ InternalIterator = (*FakeIter)(nil)

// SetCloseErr causes future calls to Error and Close to return the given
// error.
func (f *FakeIter) SetCloseErr(closeErr error) {
	f.closeErr = closeErr
}

// First is part of the InternalIterator interface.
func (f *FakeIter) First() *InternalKV {
	f.index = 0
	return f.kv()
}

// SeekGE is part of the InternalIterator interface.
func (f *FakeIter) SeekGE(key []byte) *InternalKV {
	for f.index = 0; f.index < len(f.kvs); f.index++ {
		if DefaultComparer.Compare(f.kvs[f.index].K.UserKey, key) >= 0 {
			break
		}
	}
	return f.kv()
}

// Next is part of the InternalIterator interface.
func (f *FakeIter) Next() *InternalKV {
	if f.index < len(f.kvs) {
		f.index++
	}
	return f.kv()
}

func (f *FakeIter) kv() *InternalKV {
	if f.index < 0 || f.index >= len(f.kvs) {
		return nil
	}
	return &f.kvs[f.index]
}

// Error is part of the InternalIterator interface.
func (f *FakeIter) Error() error {
	return f.closeErr
}

// Close is part of the InternalIterator interface.
func (f *FakeIter) Close() error {
	return f.closeErr
}
