// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"github.com/cockroachdb/errors"
)

// ErrNotFound means that a get or delete call did not find the requested key.
var ErrNotFound = errors.New("shale: not found")

// ErrCorruption is a marker to indicate that data in a file (sorted run,
// manifest, etc.) isn't in the expected format.
var ErrCorruption = errors.New("shale: corruption")

// CorruptionErrorf formats according to a format specifier and returns the
// string as an error value that is marked as a corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// MarkCorruptionError marks the given error as a corruption error.
func MarkCorruptionError(err error) error {
	if errors.Is(err, ErrCorruption) {
		return err
	}
	return errors.Mark(err, ErrCorruption)
}

// IsCorruptionError returns true if the given error indicates corruption.
func IsCorruptionError(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// ErrIO is a marker for errors produced by the I/O layer (reads, writes,
// syncs). Compactions surface I/O failures separately from logical failures
// so a caller can distinguish "retry at a higher level" from "this compaction
// is fundamentally invalid".
var ErrIO = errors.New("shale: i/o error")

// MarkIOError marks the given error as an I/O error.
func MarkIOError(err error) error {
	if err == nil || errors.Is(err, ErrIO) {
		return err
	}
	return errors.Mark(err, ErrIO)
}

// IsIOError returns true if the given error originated in the I/O layer.
func IsIOError(err error) bool {
	return errors.Is(err, ErrIO)
}
