// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package shale

import (
	"time"

	"github.com/cockroachdb/tokenbucket"
	"github.com/shaledb/shale/vfs"
)

// deletionPacerInfo contains the bookkeeping necessary to make deletion
// pacing decisions.
type deletionPacerInfo struct {
	obsoleteBytes uint64
	liveBytes     uint64
}

// deletionPacer decides whether deletions of obsolete files should be rate
// limited. On some SSDs, disk performance can be negatively impacted if too
// many blocks are deleted very quickly after a large compaction. Pacing is
// abandoned when obsolete files accumulate beyond a fraction of the live
// data, so a deletion backlog cannot grow without bound.
type deletionPacer struct {
	obsoleteBytesMaxRatio float64

	getInfo func() deletionPacerInfo
}

func newDeletionPacer(getInfo func() deletionPacerInfo) *deletionPacer {
	return &deletionPacer{
		obsoleteBytesMaxRatio: 0.20,
		getInfo:               getInfo,
	}
}

// shouldPace reports whether the next deletion should wait for rate limiter
// tokens.
func (p *deletionPacer) shouldPace() bool {
	info := p.getInfo()
	obsoleteBytesRatio := float64(1.0)
	if info.liveBytes > 0 {
		obsoleteBytesRatio = float64(info.obsoleteBytes) / float64(info.liveBytes)
	}
	return obsoleteBytesRatio < p.obsoleteBytesMaxRatio
}

// pacedFile wraps a compaction output file, limiting the write rate to the
// tokens available from the shared bucket. Pacing is suspended while the
// elevated signal is set; the bucket is still debited so that pacing resumes
// smoothly once the signal clears.
type pacedFile struct {
	vfs.File
	limiter  *tokenbucket.TokenBucket
	elevated func() bool
}

func newPacedFile(f vfs.File, limiter *tokenbucket.TokenBucket, elevated func() bool) *pacedFile {
	return &pacedFile{File: f, limiter: limiter, elevated: elevated}
}

func (f *pacedFile) Write(p []byte) (int, error) {
	if f.elevated != nil && f.elevated() {
		f.limiter.Adjust(-tokenbucket.Tokens(len(p)))
	} else {
		for {
			ok, d := f.limiter.TryToFulfill(tokenbucket.Tokens(len(p)))
			if ok {
				break
			}
			time.Sleep(d)
		}
	}
	return f.File.Write(p)
}
