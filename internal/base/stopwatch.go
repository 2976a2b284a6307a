// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"time"

	"github.com/cockroachdb/crlib/crtime"
)

// Stopwatch measures the duration of a background operation using the
// monotonic clock.
type Stopwatch struct {
	start crtime.Mono
}

// MakeStopwatch returns a running Stopwatch.
func MakeStopwatch() Stopwatch {
	return Stopwatch{start: crtime.NowMono()}
}

// Stop returns the elapsed time since the stopwatch was created.
func (w Stopwatch) Stop() time.Duration {
	return w.start.Elapsed()
}
