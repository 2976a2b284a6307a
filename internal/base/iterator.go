// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

// InternalIterator iterates over an engine's in-memory or on-disk sorted
// runs, yielding internal keys in forward order. Compactions only consume
// sorted runs front to back, so the interface is deliberately forward-only.
//
// InternalIterators provide multiple levels of positioning methods:
//
//   - First positions the iterator at the very beginning of the run.
//   - SeekGE positions it at the first key whose user key is >= the given
//     key.
//   - Next moves to the next key in ascending InternalCompare order.
//
// All positioning methods return the current key-value pair, or nil when
// iteration is exhausted or an error occurred. After a nil return, Error
// distinguishes exhaustion (nil error) from failure. The returned InternalKV
// is only valid until the next positioning call.
type InternalIterator interface {
	First() *InternalKV
	SeekGE(key []byte) *InternalKV
	Next() *InternalKV
	Error() error
	Close() error
}
