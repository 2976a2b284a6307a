// Copyright 2024 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package compact

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/internal/manifest"
	"github.com/shaledb/shale/sstable"
)

// RunnerConfig contains the parameters needed for the Runner.
type RunnerConfig struct {
	// Start and End bound the key sub-range this runner is responsible for.
	// Start is inclusive, End exclusive; nil means unbounded on that side.
	// Every output table must fall within the bounds.
	Start []byte
	End   []byte

	// TargetFileSize is the desired size for an individual output table.
	// Tables rotate once their estimated size reaches it, except that the
	// records of a single user key are never split across tables. Zero
	// disables size-based rotation.
	TargetFileSize uint64

	// Grandparents are the tables in the level below the primary output level
	// that overlap the sub-range, sorted by smallest key. They are used to
	// bound how far a primary output table may extend.
	Grandparents []*manifest.TableMetadata

	// MaxGrandparentOverlapBytes caps how many grandparent bytes a single
	// primary output table may overlap. An output table that grows past a
	// grandparent boundary beyond this cap is finished early, so that
	// compacting it later does not pull in an outsized amount of data from
	// the level below. Zero disables the limit.
	MaxGrandparentOverlapBytes uint64

	// CheckCancel, if set, is consulted once per input record. A non-nil
	// return aborts the run with that error.
	CheckCancel func() error
}

// NewOutputFunc opens the next output table for the given placement and
// returns its file number and writer. The runner owns the writer until the
// table is finished or the run is abandoned.
type NewOutputFunc func(placement base.Placement) (base.DiskFileNum, *sstable.Writer, error)

// OutputTable describes a table produced during a run.
type OutputTable struct {
	// CreationTime is the time at which the table was created.
	CreationTime time.Time
	FileNum      base.DiskFileNum
	// Placement records which output level group the table belongs to.
	Placement base.Placement
	// WriterMeta is populated once the table is fully written. If the run
	// fails, the tables still being written are left with a zero WriterMeta;
	// their files exist and need to be cleaned up.
	WriterMeta sstable.WriterMetadata
}

// Stats describes the amount of work performed during a run.
type Stats struct {
	// CumulativeWrittenSize is the total size of the finished output tables.
	CumulativeWrittenSize uint64
	// IterStats are the record counters from the compaction iterator.
	IterStats IterStats
}

// Result accumulates the outputs of a compaction run.
type Result struct {
	// Err is the result of the compaction. On success, Err is nil and Tables
	// stores the output tables. On failure, Tables stores the tables created
	// so far (and which need to be cleaned up).
	Err    error
	Tables []OutputTable
	Stats  Stats
}

// WithError returns a modified Result which has the Err field set.
func (r Result) WithError(err error) Result {
	r.Err = errors.CombineErrors(r.Err, err)
	return r
}

// Runner drives the data part of a compaction: it pulls records from a
// compaction iterator, routes each record to an output table for its
// placement, rotates tables at the configured size and grandparent overlap
// limits, and collects the results.
//
// At most one table per placement is open at a time; tables for different
// placements are written concurrently within a run because the iterator can
// alternate between placements from one record to the next. Outputs are
// opened lazily, so a run over an empty sub-range produces no files.
//
// Sample usage:
//
//	r := compact.NewRunner(cfg, iter, newOutput)
//	result := r.Run()
//	if result.Err != nil { ... }
type Runner struct {
	cmp  base.Compare
	cfg  RunnerConfig
	iter *Iter

	newOutput NewOutputFunc
	// outputs holds the open table for each placement, nil when no table for
	// that placement is open.
	outputs [base.NumPlacements]*outputState
	tables  []OutputTable
	stats   Stats
	kv      *base.InternalKV
	err     error
}

// outputState tracks one open output table.
type outputState struct {
	fileNum base.DiskFileNum
	writer  *sstable.Writer
	// tableIdx is the index of the corresponding entry in Runner.tables.
	tableIdx int
	// splitLimit, when non-nil, is a user key at which the table must be
	// finished to bound its grandparent overlap. Only primary outputs carry
	// a split limit.
	splitLimit []byte
}

// NewRunner creates a new Runner. The iterator is positioned on its first
// record; Run consumes the rest.
func NewRunner(cfg RunnerConfig, iter *Iter, newOutput NewOutputFunc) *Runner {
	r := &Runner{
		cmp:       iter.cfg.Cmp,
		cfg:       cfg,
		iter:      iter,
		newOutput: newOutput,
	}
	r.kv = r.iter.First()
	return r
}

// Run writes out all records and finishes the outputs. It closes the
// iterator before returning.
func (r *Runner) Run() Result {
	for r.kv != nil && r.err == nil {
		if r.cfg.CheckCancel != nil {
			if err := r.cfg.CheckCancel(); err != nil {
				r.err = err
				break
			}
		}
		placement := r.iter.Placement()
		out := r.outputs[placement]
		switch {
		case out == nil:
			out, r.err = r.openOutput(placement, r.kv.K.UserKey)
		case r.shouldSplitBefore(out, r.kv.K.UserKey):
			if r.err = r.finishOutput(placement); r.err == nil {
				out, r.err = r.openOutput(placement, r.kv.K.UserKey)
			}
		}
		if r.err != nil {
			break
		}
		if r.err = out.writer.Add(r.kv.K, r.kv.V); r.err != nil {
			break
		}
		r.kv = r.iter.Next()
	}
	if r.err == nil {
		r.err = r.iter.Error()
	}
	for p := range r.outputs {
		if r.outputs[p] == nil {
			continue
		}
		if r.err == nil {
			r.err = r.finishOutput(base.Placement(p))
			continue
		}
		// The run failed; close the in-progress writer to release its file
		// without recording metadata. The file is left for cleanup.
		_ = r.outputs[p].writer.Close()
		r.outputs[p] = nil
	}
	r.stats.IterStats = r.iter.Stats()
	if err := r.iter.Close(); err != nil {
		r.err = errors.CombineErrors(r.err, err)
	}
	return Result{
		Err:    r.err,
		Tables: r.tables,
		Stats:  r.stats,
	}
}

// shouldSplitBefore reports whether the current output table must be
// finished before adding a record with the given user key. The records of a
// single user key always land in the same table, so a split can only happen
// when the incoming key differs from the last key written.
func (r *Runner) shouldSplitBefore(out *outputState, userKey []byte) bool {
	if out.writer.ComparePrev(userKey) == 0 {
		return false
	}
	if r.cfg.TargetFileSize > 0 && out.writer.EstimatedSize() >= r.cfg.TargetFileSize {
		return true
	}
	if out.splitLimit != nil && r.cmp(userKey, out.splitLimit) >= 0 {
		return true
	}
	return false
}

// openOutput opens a new output table for the given placement, starting at
// startKey.
func (r *Runner) openOutput(placement base.Placement, startKey []byte) (*outputState, error) {
	fileNum, w, err := r.newOutput(placement)
	if err != nil {
		return nil, err
	}
	out := &outputState{
		fileNum:  fileNum,
		writer:   w,
		tableIdx: len(r.tables),
	}
	if placement == base.PlacePrimary {
		out.splitLimit = r.tableSplitLimit(startKey)
	}
	r.tables = append(r.tables, OutputTable{
		CreationTime: time.Now(),
		FileNum:      fileNum,
		Placement:    placement,
	})
	r.outputs[placement] = out
	return out, nil
}

// finishOutput closes the open table for the given placement, validates its
// bounds, and records its metadata.
func (r *Runner) finishOutput(placement base.Placement) error {
	out := r.outputs[placement]
	r.outputs[placement] = nil
	if err := out.writer.Close(); err != nil {
		return err
	}
	meta, err := out.writer.Metadata()
	if err != nil {
		return err
	}
	if err := r.validateWriterMeta(meta); err != nil {
		return err
	}
	r.tables[out.tableIdx].WriterMeta = *meta
	r.stats.CumulativeWrittenSize += meta.Size
	return nil
}

// tableSplitLimit returns the user key to which a table that starts at
// startKey can extend without excessively overlapping the grandparent level.
// It returns nil if the table can extend to the end of the sub-range.
func (r *Runner) tableSplitLimit(startKey []byte) []byte {
	if r.cfg.MaxGrandparentOverlapBytes == 0 {
		return nil
	}
	var overlapped uint64
	for _, g := range r.cfg.Grandparents {
		if r.cmp(g.Largest.UserKey, startKey) < 0 {
			continue
		}
		if r.cmp(g.Smallest.UserKey, startKey) <= 0 {
			// The grandparent overlaps startKey itself; the table cannot end
			// before it.
			overlapped += g.Size
			continue
		}
		overlapped += g.Size
		if overlapped > r.cfg.MaxGrandparentOverlapBytes {
			return g.Smallest.UserKey
		}
	}
	return nil
}

// validateWriterMeta checks a finished output table against the sub-range
// bounds.
func (r *Runner) validateWriterMeta(meta *sstable.WriterMetadata) error {
	if meta.Properties.NumEntries == 0 {
		return errors.AssertionFailedf("output table has no keys")
	}
	if r.cfg.Start != nil && r.cmp(meta.Smallest.UserKey, r.cfg.Start) < 0 {
		return errors.AssertionFailedf(
			"output table smallest key %s below sub-range start %q", meta.Smallest, r.cfg.Start)
	}
	if r.cfg.End != nil && r.cmp(meta.Largest.UserKey, r.cfg.End) >= 0 {
		return errors.AssertionFailedf(
			"output table largest key %s at or above sub-range end %q", meta.Largest, r.cfg.End)
	}
	return nil
}
