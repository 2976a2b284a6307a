// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package shale

import (
	"time"

	"github.com/cockroachdb/redact"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/internal/compact"
)

// JobStats are the job-wide counters for a single compaction. They are
// reported through EventListener.CompactionEnd and returned verbatim in a
// ServiceResult.
//
// Everything except NumInputFiles, TotalInputBytes and Dropped can be
// recomputed by summing the job's per-placement LevelStats. NumInputFiles and
// TotalInputBytes are set once at the job level from the input table
// metadata. Dropped is recorded directly from the merge stream as keys are
// elided and has no per-output attribution, so it is not reconstructible
// from LevelStats.
type JobStats struct {
	// Duration is the wall time between Run starting and all sub-jobs
	// finishing. It excludes Prepare and Install.
	Duration time.Duration

	NumInputFiles   int64
	NumInputRecords uint64
	TotalInputBytes uint64

	NumOutputFiles   int64
	NumOutputRecords uint64
	TotalOutputBytes uint64

	// Dropped counts the input records elided by the merge, by reason.
	Dropped compact.DroppedCounts
}

// Add accumulates the counters from other into s. Duration is summed, which
// makes the job total the sum of sub-job wall times rather than elapsed
// time; callers that want elapsed time overwrite Duration afterwards.
func (s *JobStats) Add(other JobStats) {
	s.Duration += other.Duration
	s.NumInputFiles += other.NumInputFiles
	s.NumInputRecords += other.NumInputRecords
	s.TotalInputBytes += other.TotalInputBytes
	s.NumOutputFiles += other.NumOutputFiles
	s.NumOutputRecords += other.NumOutputRecords
	s.TotalOutputBytes += other.TotalOutputBytes
	s.Dropped.Add(other.Dropped)
}

func (s JobStats) String() string {
	return redact.StringWithoutMarkers(s)
}

// SafeFormat implements redact.SafeFormatter.
func (s JobStats) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("in(%d tables, %d records, %d bytes) out(%d tables, %d records, %d bytes) dropped(%d) in %.1fs",
		redact.Safe(s.NumInputFiles), redact.Safe(s.NumInputRecords), redact.Safe(s.TotalInputBytes),
		redact.Safe(s.NumOutputFiles), redact.Safe(s.NumOutputRecords), redact.Safe(s.TotalOutputBytes),
		redact.Safe(s.Dropped.Total()), redact.Safe(s.Duration.Seconds()))
}

// LevelStats accumulate the output written to one placement (primary or
// proximal) of one compaction. A job carries a pair of them, indexed by
// base.Placement.
type LevelStats struct {
	NumTables    int64
	NumRecords   uint64
	BytesWritten uint64
}

// Add accumulates the counters from other into s.
func (s *LevelStats) Add(other LevelStats) {
	s.NumTables += other.NumTables
	s.NumRecords += other.NumRecords
	s.BytesWritten += other.BytesWritten
}

func (s LevelStats) String() string {
	return redact.StringWithoutMarkers(s)
}

// SafeFormat implements redact.SafeFormatter.
func (s LevelStats) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%d tables, %d records, %d bytes",
		redact.Safe(s.NumTables), redact.Safe(s.NumRecords), redact.Safe(s.BytesWritten))
}

// addOutputTable records one finished output table in the placement's
// accumulator.
func addOutputTable(stats *[base.NumPlacements]LevelStats, placement base.Placement, numRecords, size uint64) {
	stats[placement].NumTables++
	stats[placement].NumRecords += numRecords
	stats[placement].BytesWritten += size
}
