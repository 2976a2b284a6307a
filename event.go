// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package shale

import (
	"time"

	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/redact"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/internal/manifest"
)

// LevelInfo contains info pertaining to a particular level.
type LevelInfo struct {
	Level  int
	Tables []manifest.TableInfo
}

func (i LevelInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// SafeFormat implements redact.SafeFormatter.
func (i LevelInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	var size uint64
	w.Printf("L%d [", redact.Safe(i.Level))
	for j := range i.Tables {
		if j > 0 {
			w.SafeString(" ")
		}
		w.Printf("%s", i.Tables[j].FileNum)
		size += i.Tables[j].Size
	}
	w.Printf("] (%s)", crhumanize.Bytes(size, crhumanize.Compact, crhumanize.OmitI))
}

// CompactionInfo contains the info for a compaction event.
type CompactionInfo struct {
	// JobID is the ID of the compaction job.
	JobID int
	// Kind is the kind of compaction, e.g. "default" or "move".
	Kind string
	// Input contains the input tables for the compaction organized by level.
	Input []LevelInfo
	// Output contains the output tables generated by the compaction, over
	// both placements. The output tables are empty for the compaction begin
	// event.
	Output LevelInfo
	// Subcompactions is the number of sub-jobs the compaction ran as.
	Subcompactions int
	// IOPriority is the priority the compaction's writes were issued at.
	IOPriority base.IOPriority
	// Duration is the time taken by the compaction, including reads and
	// writes of all sub-jobs.
	Duration time.Duration
	// Stats carries the job-wide counters. Populated only on the end event.
	Stats JobStats
	// Levels splits the output counters by placement. Populated only on the
	// end event.
	Levels [base.NumPlacements]LevelStats

	Err error
}

func (i CompactionInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// SafeFormat implements redact.SafeFormatter.
func (i CompactionInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Err != nil {
		w.Printf("[JOB %d] compaction(%s) to L%d error: %s",
			redact.Safe(i.JobID), redact.SafeString(i.Kind),
			redact.Safe(i.Output.Level), i.Err)
		return
	}
	if i.Duration == 0 {
		// Begin event.
		w.Printf("[JOB %d] compacting(%s) ", redact.Safe(i.JobID), redact.SafeString(i.Kind))
		for j, l := range i.Input {
			if j > 0 {
				w.SafeString(" + ")
			}
			w.Printf("%s", l)
		}
		w.Printf(" -> L%d", redact.Safe(i.Output.Level))
		return
	}
	w.Printf("[JOB %d] compacted(%s) ", redact.Safe(i.JobID), redact.SafeString(i.Kind))
	for j, l := range i.Input {
		if j > 0 {
			w.SafeString(" + ")
		}
		w.Printf("%s", l)
	}
	w.Printf(" -> %s, in %.1fs (%d sub-jobs, %s priority)",
		i.Output, redact.Safe(i.Duration.Seconds()),
		redact.Safe(i.Subcompactions), redact.Safe(i.IOPriority))
}

// SubcompactionInfo contains the info for a single sub-job of a compaction.
type SubcompactionInfo struct {
	// JobID is the ID of the compaction job the sub-job belongs to.
	JobID int
	// Index is the position of the sub-job's key range within the job, in
	// key order.
	Index int
	// Start and End bound the sub-job's key range. A nil bound means the
	// range extends to the edge of the job's key space.
	Start []byte
	End   []byte
	// Duration is the time taken by the sub-job. Zero on the begin event.
	Duration time.Duration
	// Stats carries the sub-job's counters. Populated only on the end event.
	Stats JobStats

	Err error
}

func (i SubcompactionInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// SafeFormat implements redact.SafeFormatter.
func (i SubcompactionInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Err != nil {
		w.Printf("[JOB %d] sub-job %d error: %s", redact.Safe(i.JobID), redact.Safe(i.Index), i.Err)
		return
	}
	if i.Duration == 0 {
		w.Printf("[JOB %d] running sub-job %d [%s, %s)",
			redact.Safe(i.JobID), redact.Safe(i.Index), i.Start, i.End)
		return
	}
	w.Printf("[JOB %d] finished sub-job %d [%s, %s) in %.1fs",
		redact.Safe(i.JobID), redact.Safe(i.Index), i.Start, i.End,
		redact.Safe(i.Duration.Seconds()))
}

// TableCreateInfo contains the info for a table creation event.
type TableCreateInfo struct {
	JobID int
	// Reason is the reason for the table creation: "compacting", "ingesting"
	// or "installing".
	Reason  string
	Path    string
	FileNum base.DiskFileNum
}

func (i TableCreateInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// SafeFormat implements redact.SafeFormatter.
func (i TableCreateInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[JOB %d] %s: table created %s",
		redact.Safe(i.JobID), redact.SafeString(i.Reason), i.FileNum)
}

// TableDeleteInfo contains the info for a table deletion event.
type TableDeleteInfo struct {
	JobID   int
	Path    string
	FileNum base.DiskFileNum
	Err     error
}

func (i TableDeleteInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// SafeFormat implements redact.SafeFormatter.
func (i TableDeleteInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Err != nil {
		w.Printf("[JOB %d] table delete error %s: %s",
			redact.Safe(i.JobID), i.FileNum, i.Err)
		return
	}
	w.Printf("[JOB %d] table deleted %s", redact.Safe(i.JobID), i.FileNum)
}

// ManifestCreateInfo contains info about a manifest creation event.
type ManifestCreateInfo struct {
	JobID int
	Path  string
	// FileNum is the file number of the new manifest.
	FileNum base.DiskFileNum
	Err     error
}

func (i ManifestCreateInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// SafeFormat implements redact.SafeFormatter.
func (i ManifestCreateInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Err != nil {
		w.Printf("[JOB %d] MANIFEST create error: %s", redact.Safe(i.JobID), i.Err)
		return
	}
	w.Printf("[JOB %d] MANIFEST created %s", redact.Safe(i.JobID), i.FileNum)
}

// EventListener contains a set of functions that will be invoked when
// various significant catalog events occur. Note that the functions should
// not run for an excessive amount of time as they are invoked synchronously
// and block continued catalog work.
type EventListener struct {
	// BackgroundError is invoked whenever an error occurs during a background
	// operation such as a compaction or obsolete file deletion.
	BackgroundError func(error)

	// CompactionBegin is invoked after the inputs to a compaction have been
	// determined, but before the compaction has produced any output.
	CompactionBegin func(CompactionInfo)

	// CompactionEnd is invoked after a compaction has completed and the
	// result has been installed, or after it has failed or been canceled.
	CompactionEnd func(CompactionInfo)

	// SubcompactionBegin is invoked before a sub-job starts consuming its
	// key range, on the sub-job's goroutine.
	SubcompactionBegin func(SubcompactionInfo)

	// SubcompactionEnd is invoked after a sub-job has finished its key
	// range, on the sub-job's goroutine.
	SubcompactionEnd func(SubcompactionInfo)

	// TableCreated is invoked when a table has been created.
	TableCreated func(TableCreateInfo)

	// TableDeleted is invoked after a table has been deleted.
	TableDeleted func(TableDeleteInfo)

	// ManifestCreated is invoked after a manifest has been created.
	ManifestCreated func(ManifestCreateInfo)
}

// EnsureDefaults ensures that background error events are logged to the
// specified logger if a handler for those events hasn't been otherwise
// specified. Ensure all handlers are non-nil so that we don't have to check
// for nil-ness before invoking.
func (l *EventListener) EnsureDefaults(logger Logger) {
	if l.BackgroundError == nil {
		if logger != nil {
			l.BackgroundError = func(err error) {
				logger.Errorf("background error: %s", err)
			}
		} else {
			l.BackgroundError = func(error) {}
		}
	}
	if l.CompactionBegin == nil {
		l.CompactionBegin = func(info CompactionInfo) {}
	}
	if l.CompactionEnd == nil {
		l.CompactionEnd = func(info CompactionInfo) {}
	}
	if l.SubcompactionBegin == nil {
		l.SubcompactionBegin = func(info SubcompactionInfo) {}
	}
	if l.SubcompactionEnd == nil {
		l.SubcompactionEnd = func(info SubcompactionInfo) {}
	}
	if l.TableCreated == nil {
		l.TableCreated = func(info TableCreateInfo) {}
	}
	if l.TableDeleted == nil {
		l.TableDeleted = func(info TableDeleteInfo) {}
	}
	if l.ManifestCreated == nil {
		l.ManifestCreated = func(info ManifestCreateInfo) {}
	}
}

// MakeLoggingEventListener creates an EventListener that logs all events to
// the specified logger.
func MakeLoggingEventListener(logger Logger) EventListener {
	if logger == nil {
		logger = DefaultLogger
	}
	return EventListener{
		BackgroundError: func(err error) {
			logger.Errorf("background error: %s", err)
		},
		CompactionBegin: func(info CompactionInfo) {
			logger.Infof("%s", info)
		},
		CompactionEnd: func(info CompactionInfo) {
			logger.Infof("%s", info)
		},
		SubcompactionBegin: func(info SubcompactionInfo) {
			logger.Infof("%s", info)
		},
		SubcompactionEnd: func(info SubcompactionInfo) {
			logger.Infof("%s", info)
		},
		TableCreated: func(info TableCreateInfo) {
			logger.Infof("%s", info)
		},
		TableDeleted: func(info TableDeleteInfo) {
			logger.Infof("%s", info)
		},
		ManifestCreated: func(info ManifestCreateInfo) {
			logger.Infof("%s", info)
		},
	}
}

// TeeEventListener wraps two EventListeners, forwarding all events to both.
func TeeEventListener(a, b EventListener) EventListener {
	a.EnsureDefaults(nil)
	b.EnsureDefaults(nil)
	return EventListener{
		BackgroundError: func(err error) {
			a.BackgroundError(err)
			b.BackgroundError(err)
		},
		CompactionBegin: func(info CompactionInfo) {
			a.CompactionBegin(info)
			b.CompactionBegin(info)
		},
		CompactionEnd: func(info CompactionInfo) {
			a.CompactionEnd(info)
			b.CompactionEnd(info)
		},
		SubcompactionBegin: func(info SubcompactionInfo) {
			a.SubcompactionBegin(info)
			b.SubcompactionBegin(info)
		},
		SubcompactionEnd: func(info SubcompactionInfo) {
			a.SubcompactionEnd(info)
			b.SubcompactionEnd(info)
		},
		TableCreated: func(info TableCreateInfo) {
			a.TableCreated(info)
			b.TableCreated(info)
		},
		TableDeleted: func(info TableDeleteInfo) {
			a.TableDeleted(info)
			b.TableDeleted(info)
		},
		ManifestCreated: func(info ManifestCreateInfo) {
			a.ManifestCreated(info)
			b.ManifestCreated(info)
		},
	}
}
