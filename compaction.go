// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package shale

import (
	"context"
	"runtime/pprof"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/internal/compact"
	"github.com/shaledb/shale/internal/manifest"
	"github.com/shaledb/shale/sstable"
	"github.com/shaledb/shale/vfs"
	"golang.org/x/sync/errgroup"
)

var compactLabels = pprof.Labels("shale", "compact")

// ErrCancelledCompaction is returned by Catalog.Compact when the job stops
// because its plan's Cancel flag was set or the catalog began closing. A
// cancelled job installs nothing; any tables it had written are reclaimed.
var ErrCancelledCompaction = errors.New("shale: compaction cancelled")

type compactionKind int

const (
	compactionKindDefault compactionKind = iota
	compactionKindMove
)

func (k compactionKind) String() string {
	switch k {
	case compactionKindDefault:
		return "default"
	case compactionKindMove:
		return "move"
	}
	return "unknown"
}

// PlanLevel is one input level of a compaction plan.
type PlanLevel struct {
	// Level the tables live in.
	Level int
	// Tables participating from the level, ordered by the level's key
	// ordering.
	Tables []*manifest.TableMetadata
}

// CompactionPlan describes a compaction for Catalog.Compact to execute:
// which tables to merge and where the results go. Plans are produced by an
// external picker against the catalog's current version and are validated
// before the job runs. The catalog treats a plan as read-only; concurrent
// plans must not share input tables.
type CompactionPlan struct {
	// Inputs are the participating tables grouped by level, ordered by
	// ascending level.
	Inputs []PlanLevel

	// OutputLevel receives the merged outputs. It must not be less than the
	// deepest input level.
	OutputLevel int

	// ProximalLevel, when non-negative, receives the records with sequence
	// numbers above ProximalAfterSeqNum instead of OutputLevel. It must be
	// less than OutputLevel. A negative value disables the split.
	ProximalLevel int

	// ProximalAfterSeqNum routes records with sequence numbers strictly
	// greater than it to ProximalLevel. Ignored when ProximalLevel is
	// negative.
	ProximalAfterSeqNum base.SeqNum

	// Bottommost declares that no level below OutputLevel holds keys
	// overlapping the compaction's range. It lets the merge drop tombstones
	// unconditionally and zero the sequence numbers of the oldest visible
	// records.
	Bottommost bool

	// Cancel, when non-nil, is polled by the job as it runs. Setting it
	// aborts the compaction at the next check.
	Cancel *atomic.Bool
}

// subcompactionState tracks a sub-job through its lifecycle. States only
// advance: Created to Running, Running to one of the three terminal states.
type subcompactionState uint8

const (
	subcompactionCreated subcompactionState = iota
	subcompactionRunning
	subcompactionSucceeded
	subcompactionFailed
	subcompactionCanceled
)

func (s subcompactionState) String() string {
	switch s {
	case subcompactionCreated:
		return "created"
	case subcompactionRunning:
		return "running"
	case subcompactionSucceeded:
		return "succeeded"
	case subcompactionFailed:
		return "failed"
	case subcompactionCanceled:
		return "canceled"
	}
	return "unknown"
}

// subcompaction is one parallel sub-range of a compaction job. Each runs an
// independent merge over [start, end) and writes its own output tables.
type subcompaction struct {
	index int
	// start and end bound the sub-range. A nil bound extends to the edge of
	// the job's key space.
	start, end []byte

	// The fields below are written only by the sub-job's goroutine during
	// run, and read by the job after all sub-jobs have been joined.
	state    subcompactionState
	err      error
	ioErr    error
	duration time.Duration
	outputs  []compact.OutputTable
	stats    JobStats
	levels   [base.NumPlacements]LevelStats
}

// CompactionJob executes one compaction plan against a catalog. Jobs are
// created and driven by Catalog.Compact, which takes them through prepare,
// run and install.
type CompactionJob struct {
	c     *Catalog
	plan  *CompactionPlan
	jobID int
	kind  compactionKind

	// Fixed by prepare. version carries a reference that keeps the input
	// tables on disk for the duration of the run and pins the state used for
	// tombstone elision.
	version        *manifest.Version
	smallest       base.InternalKey
	largest        base.InternalKey
	grandparents   []*manifest.TableMetadata
	snapshots      compact.Snapshots
	extraSlots     int
	subcompactions []*subcompaction

	stats     JobStats
	levels    [base.NumPlacements]LevelStats
	verifyErr error

	// applied is set once install has durably written the version edit.
	applied     bool
	outputMetas []*manifest.TableMetadata
}

// Compact executes the given plan and blocks until the compaction has
// completed and its results are installed, or until it fails. Multiple
// compactions may run concurrently as long as their plans do not share
// tables.
func (c *Catalog) Compact(plan *CompactionPlan) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.errorHandler.isBGWorkStopped() {
		err := c.errorHandler.getBGError()
		c.mu.Unlock()
		return errors.Wrap(err, "shale: background work stopped")
	}
	j := &CompactionJob{c: c, plan: plan, jobID: c.newJobIDLocked()}
	if err := j.prepare(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.compact.inflight++
	c.mu.Unlock()

	c.metrics.CompactionsInflight.Inc()
	c.opts.EventListener.CompactionBegin(j.beginInfo())

	sw := base.MakeStopwatch()
	if j.kind != compactionKindMove {
		j.run()
	}

	c.mu.Lock()
	var released bool
	err := j.install(&released)
	if !released {
		j.releaseLocked()
	}
	if j.kind == compactionKindMove {
		j.stats.Duration = sw.Stop()
	}
	j.cleanupLocked()
	c.mu.compact.inflight--
	if c.mu.compact.inflight == 0 {
		c.mu.compact.cond.Broadcast()
	}
	info := j.endInfo(err)
	c.mu.Unlock()

	c.metrics.CompactionsInflight.Dec()
	if j.kind == compactionKindMove {
		c.metrics.Compactions.Inc()
	} else {
		c.metrics.recordJob(j.stats, len(j.subcompactions))
	}
	c.opts.EventListener.CompactionEnd(info)
	return err
}

// prepare validates the plan against the current version and fixes the
// job's shape: its key span, grandparents, snapshot list, kind, and the
// sub-job ranges together with the scheduler slots backing them.
//
// Requires c.mu. A successful prepare registers the job with the scheduler;
// every error return leaves nothing to unwind.
func (j *CompactionJob) prepare() error {
	c := j.c
	plan := j.plan
	if len(plan.Inputs) == 0 {
		return errors.New("shale: compaction plan has no inputs")
	}
	if plan.OutputLevel < 0 || plan.OutputLevel >= manifest.NumLevels {
		return errors.Errorf("shale: invalid output level L%d", plan.OutputLevel)
	}
	if plan.ProximalLevel >= plan.OutputLevel {
		return errors.Errorf("shale: proximal level L%d must be below L%d",
			plan.ProximalLevel, plan.OutputLevel)
	}
	v := c.mu.versions.currentVersion()
	for i, in := range plan.Inputs {
		if in.Level < 0 || in.Level >= manifest.NumLevels {
			return errors.Errorf("shale: invalid input level L%d", in.Level)
		}
		if i > 0 && in.Level <= plan.Inputs[i-1].Level {
			return errors.New("shale: plan input levels must be ascending")
		}
		if len(in.Tables) == 0 {
			return errors.Errorf("shale: plan input level L%d has no tables", in.Level)
		}
		for _, m := range in.Tables {
			if !containsTable(v.Levels[in.Level], m) {
				return errors.Errorf("shale: table %s is not in L%d", m.FileNum, in.Level)
			}
		}
	}
	if last := plan.Inputs[len(plan.Inputs)-1].Level; plan.OutputLevel < last {
		return errors.Errorf("shale: output level L%d is above input level L%d",
			plan.OutputLevel, last)
	}

	v.Ref()
	j.version = v

	var all []*manifest.TableMetadata
	levelTables := make([][]*manifest.TableMetadata, len(plan.Inputs))
	for i, in := range plan.Inputs {
		all = append(all, in.Tables...)
		levelTables[i] = in.Tables
		j.stats.NumInputFiles += int64(len(in.Tables))
		j.stats.TotalInputBytes += manifest.TotalSize(in.Tables)
	}
	j.smallest, j.largest = manifest.KeyRange(c.cmp, levelTables...)
	if gp := plan.OutputLevel + 1; gp < manifest.NumLevels {
		j.grandparents = v.Overlaps(gp, c.cmp, j.smallest.UserKey, j.largest.UserKey)
	}
	j.snapshots = compact.Snapshots(c.mu.snapshots.toSlice())
	j.kind = compactionKindDefault
	if j.isTrivialMove() {
		j.kind = compactionKindMove
	}

	c.opts.CompactionScheduler.StartJob()
	if j.kind == compactionKindMove {
		return nil
	}

	var bounds []compact.Boundary
	if maxSub := c.opts.MaxSubcompactions; maxSub > 1 {
		ideal := idealSubcompactions(all, c.opts.Level(plan.OutputLevel).TargetFileSize)
		if ideal > maxSub {
			j.extraSlots = c.acquireSubcompactionSlots(ideal-maxSub, plan.Bottommost)
		}
		limit := maxSub + j.extraSlots
		bounds = compact.SplitBoundaries(c.cmp, all, ideal)
		if planned := len(bounds) + 1; planned > limit {
			bounds = compact.MergeBoundaries(bounds, limit)
		} else if planned < limit {
			// Sparse boundary candidates justified fewer sub-jobs than were
			// granted; give the surplus back before running.
			give := min(limit-planned, j.extraSlots)
			c.shrinkSubcompactionSlots(give, plan.Bottommost)
			j.extraSlots -= give
		}
	}
	for i, r := range compact.BoundaryRanges(bounds) {
		j.subcompactions = append(j.subcompactions, &subcompaction{
			index: i,
			start: r.Start,
			end:   r.End,
		})
	}
	return nil
}

func containsTable(tables []*manifest.TableMetadata, m *manifest.TableMetadata) bool {
	for _, t := range tables {
		if t == m || t.FileNum == m.FileNum {
			return true
		}
	}
	return false
}

// idealSubcompactions estimates how many parallel sub-ranges the input
// volume justifies: enough that each handles roughly one output table's
// worth of data, bounded by the number of input table endpoints.
func idealSubcompactions(tables []*manifest.TableMetadata, targetFileSize uint64) int {
	n := 2 * len(tables)
	if targetFileSize > 0 {
		if byVolume := int(manifest.TotalSize(tables)/targetFileSize) + 1; byVolume < n {
			n = byVolume
		}
	}
	return max(n, 1)
}

// A compaction is a trivial move when its single input table can be
// relocated to the output level by editing the manifest alone: nothing in
// the output level overlaps the table, and the move would not create more
// grandparent overlap than a rewrite would have been allowed to.
func (j *CompactionJob) isTrivialMove() bool {
	plan := j.plan
	if len(plan.Inputs) != 1 || len(plan.Inputs[0].Tables) != 1 {
		return false
	}
	if plan.OutputLevel == plan.Inputs[0].Level || plan.ProximalLevel >= 0 {
		return false
	}
	m := plan.Inputs[0].Tables[0]
	if len(j.version.Overlaps(plan.OutputLevel, j.c.cmp, m.Smallest.UserKey, m.Largest.UserKey)) > 0 {
		return false
	}
	return manifest.TotalSize(j.grandparents) <= j.c.opts.maxGrandparentOverlapBytes(plan.OutputLevel)
}

// run executes the job's sub-jobs, each on its own goroutine, and folds
// their counters into the job totals once all have finished.
func (j *CompactionJob) run() {
	sw := base.MakeStopwatch()
	var wg sync.WaitGroup
	for _, sub := range j.subcompactions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pprof.Do(context.Background(), compactLabels, func(context.Context) {
				j.runSubcompaction(sub)
			})
		}()
	}
	wg.Wait()
	for _, sub := range j.subcompactions {
		j.stats.Add(sub.stats)
		for p := range sub.levels {
			j.levels[p].Add(sub.levels[p])
		}
	}
	j.stats.Duration = sw.Stop()

	if j.succeeded() {
		j.verifyErr = j.verifyInputRecordCount()
	}
}

func (j *CompactionJob) runSubcompaction(sub *subcompaction) {
	c := j.c
	sub.state = subcompactionRunning
	c.opts.EventListener.SubcompactionBegin(SubcompactionInfo{
		JobID: j.jobID,
		Index: sub.index,
		Start: sub.start,
		End:   sub.end,
	})
	sw := base.MakeStopwatch()

	result := j.runMerge(sub)
	sub.outputs = result.Tables
	err := result.Err
	if err == nil {
		sub.stats.NumInputRecords = result.Stats.IterStats.InputRecords
		sub.stats.NumOutputRecords = result.Stats.IterStats.EmittedRecords
		sub.stats.Dropped = result.Stats.IterStats.Dropped
		sub.stats.NumOutputFiles = int64(len(result.Tables))
		sub.stats.TotalOutputBytes = result.Stats.CumulativeWrittenSize
		for i := range result.Tables {
			t := &result.Tables[i]
			addOutputTable(&sub.levels, t.Placement, t.WriterMeta.Properties.NumEntries, t.WriterMeta.Size)
		}
		if c.opts.ParanoidChecks {
			err = j.verifyOutputs(result.Tables)
		}
	}

	sub.duration = sw.Stop()
	sub.stats.Duration = sub.duration
	switch {
	case err == nil:
		sub.state = subcompactionSucceeded
	case errors.Is(err, ErrCancelledCompaction):
		sub.state = subcompactionCanceled
		sub.err = err
	case base.IsIOError(err):
		sub.state = subcompactionFailed
		sub.ioErr = err
	default:
		sub.state = subcompactionFailed
		sub.err = err
	}
	c.opts.EventListener.SubcompactionEnd(SubcompactionInfo{
		JobID:    j.jobID,
		Index:    sub.index,
		Start:    sub.start,
		End:      sub.end,
		Duration: sub.duration,
		Stats:    sub.stats,
		Err:      err,
	})
}

func (j *CompactionJob) runMerge(sub *subcompaction) compact.Result {
	c := j.c
	if err := j.checkCancel(); err != nil {
		return compact.Result{Err: err}
	}
	input, err := j.newInputIter(sub)
	if err != nil {
		return compact.Result{Err: err}
	}
	iter := compact.NewIter(compact.IterConfig{
		Cmp:                 c.cmp,
		Merge:               c.opts.Merger.Merge,
		Snapshots:           j.snapshots,
		AllowZeroSeqNum:     j.plan.Bottommost,
		ElideTombstone:      j.elideTombstone,
		ProximalOutput:      j.plan.ProximalLevel >= 0,
		ProximalAfterSeqNum: j.plan.ProximalAfterSeqNum,
		LowerBound:          sub.start,
		UpperBound:          sub.end,
	}, input)
	runner := compact.NewRunner(compact.RunnerConfig{
		Start:                      sub.start,
		End:                        sub.end,
		TargetFileSize:             c.opts.Level(j.plan.OutputLevel).TargetFileSize,
		Grandparents:               j.grandparents,
		MaxGrandparentOverlapBytes: c.opts.maxGrandparentOverlapBytes(j.plan.OutputLevel),
		CheckCancel:                j.checkCancel,
	}, iter, j.newOutput)
	return runner.Run()
}

// newInputIter opens the merging read over every input table overlapping
// the sub-range. Tables entirely outside [start, end) are skipped; records
// the merge pulls past the range boundary are counted as out of range and
// not emitted.
func (j *CompactionJob) newInputIter(sub *subcompaction) (base.InternalIterator, error) {
	c := j.c
	var iters []base.InternalIterator
	ok := false
	defer func() {
		if !ok {
			for _, it := range iters {
				_ = it.Close()
			}
		}
	}()
	for _, in := range j.plan.Inputs {
		for _, m := range in.Tables {
			if sub.end != nil && c.cmp(m.Smallest.UserKey, sub.end) >= 0 {
				continue
			}
			if sub.start != nil && c.cmp(m.Largest.UserKey, sub.start) < 0 {
				continue
			}
			it, err := c.tableCache.newIter(m.FileNum)
			if err != nil {
				return nil, err
			}
			iters = append(iters, it)
		}
	}
	ok = true
	return newMergingIter(c.cmp, iters...), nil
}

// newOutput creates the file for the next output table. The returned writer
// is configured for the level the placement maps to, and its writes are
// paced when a target write rate is set.
func (j *CompactionJob) newOutput(placement base.Placement) (base.DiskFileNum, *sstable.Writer, error) {
	c := j.c
	c.mu.Lock()
	fileNum := c.mu.versions.getNextFileNum()
	c.mu.Unlock()

	path := base.MakeFilepath(c.opts.FS, c.dirname, base.FileTypeTable, fileNum)
	file, err := c.opts.FS.Create(path)
	if err != nil {
		return 0, nil, base.MarkIOError(err)
	}
	c.opts.EventListener.TableCreated(TableCreateInfo{
		JobID:   j.jobID,
		Reason:  "compacting",
		Path:    path,
		FileNum: fileNum,
	})
	level := j.plan.OutputLevel
	if placement == base.PlaceProximal {
		level = j.plan.ProximalLevel
	}
	var f vfs.File = ioErrorFile{file}
	if c.opts.TargetByteWriteRate > 0 {
		f = newPacedFile(f, &c.writeLimiter, c.writeStalled.Load)
	}
	return fileNum, sstable.NewWriter(f, c.opts.MakeWriterOptions(level)), nil
}

// ioErrorFile marks every error returned by the underlying file as an IO
// error so failures of the media can be told apart from logical ones.
type ioErrorFile struct {
	vfs.File
}

func (f ioErrorFile) Write(p []byte) (int, error) {
	n, err := f.File.Write(p)
	return n, base.MarkIOError(err)
}

func (f ioErrorFile) Sync() error {
	return base.MarkIOError(f.File.Sync())
}

func (f ioErrorFile) Close() error {
	return base.MarkIOError(f.File.Close())
}

// elideTombstone reports whether a deletion tombstone for key can be
// dropped once it reaches the output level: true when no table below the
// output level could hold a record the tombstone still shadows. The answer
// is decided against the version the job was planned on.
func (j *CompactionJob) elideTombstone(key []byte) bool {
	if j.plan.Bottommost {
		return true
	}
	for level := j.plan.OutputLevel + 1; level < manifest.NumLevels; level++ {
		tables := j.version.Levels[level]
		i := sort.Search(len(tables), func(i int) bool {
			return j.c.cmp(tables[i].Largest.UserKey, key) >= 0
		})
		if i < len(tables) && j.c.cmp(tables[i].Smallest.UserKey, key) <= 0 {
			return false
		}
	}
	return true
}

func (j *CompactionJob) checkCancel() error {
	if j.c.closed.Load() || (j.plan.Cancel != nil && j.plan.Cancel.Load()) {
		return ErrCancelledCompaction
	}
	return nil
}

// verifyOutputs re-reads every output table of a sub-job and checks it
// against the record count and running hash the writer accumulated,
// catching corruption introduced between the write and the install.
func (j *CompactionJob) verifyOutputs(tables []compact.OutputTable) error {
	c := j.c
	var g errgroup.Group
	for i := range tables {
		t := &tables[i]
		g.Go(func() error {
			return c.tableCache.withReader(t.FileNum, func(r *sstable.Reader) error {
				numRecords, recordHash, err := r.Verify()
				if err != nil {
					return err
				}
				if want := t.WriterMeta.Properties.NumEntries; numRecords != want {
					return base.CorruptionErrorf(
						"table %s contains %d records, expected %d", t.FileNum, numRecords, want)
				}
				if want := t.WriterMeta.ParanoidHash; recordHash != want {
					return base.CorruptionErrorf(
						"table %s record hash is %x, expected %x", t.FileNum, recordHash, want)
				}
				return nil
			})
		})
	}
	return g.Wait()
}

// verifyInputRecordCount checks that the records pulled by the sub-jobs
// account for every record the input tables claim to hold. A record a
// sub-job read past its range boundary is owned by the neighboring sub-job,
// so the out of range count is deducted.
func (j *CompactionJob) verifyInputRecordCount() error {
	var pulled uint64
	for _, sub := range j.subcompactions {
		pulled += sub.stats.NumInputRecords - sub.stats.Dropped.OutOfRange
	}
	var expected uint64
	for _, in := range j.plan.Inputs {
		for _, m := range in.Tables {
			err := j.c.tableCache.withReader(m.FileNum, func(r *sstable.Reader) error {
				expected += r.Properties().NumEntries
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
	if pulled != expected {
		return base.CorruptionErrorf(
			"compaction processed %d of %d input records", pulled, expected)
	}
	return nil
}

func (j *CompactionJob) succeeded() bool {
	for _, sub := range j.subcompactions {
		if sub.state != subcompactionSucceeded {
			return false
		}
	}
	return true
}

// failure returns the error that should abort the install, if any. Failed
// sub-jobs take precedence over cancelled ones.
func (j *CompactionJob) failure() error {
	if j.verifyErr != nil {
		return j.verifyErr
	}
	var canceled error
	for _, sub := range j.subcompactions {
		switch sub.state {
		case subcompactionFailed:
			if sub.ioErr != nil {
				return sub.ioErr
			}
			return sub.err
		case subcompactionCanceled:
			canceled = sub.err
		case subcompactionSucceeded:
		default:
			return errors.AssertionFailedf(
				"shale: sub-job %d in state %s at install", sub.index, sub.state)
		}
	}
	return canceled
}

func (j *CompactionJob) firstIOError() error {
	for _, sub := range j.subcompactions {
		if sub.ioErr != nil {
			return sub.ioErr
		}
	}
	return nil
}

// install applies the job's outcome to the catalog. On success a single
// version edit removes the inputs and adds the outputs, so readers observe
// the compaction as one atomic step. On failure no edit is written and the
// orphaned outputs are left for cleanup. The job's scheduler slots are
// released exactly once: by install on the paths it covers, reported
// through released, and by the caller otherwise.
//
// Requires c.mu.
func (j *CompactionJob) install(released *bool) error {
	c := j.c
	if err := j.checkCancel(); err != nil {
		return err
	}
	if j.kind == compactionKindMove {
		return j.installMove(released)
	}
	if err := j.failure(); err != nil {
		if ioErr := j.firstIOError(); ioErr != nil {
			c.errorHandler.setBGError(ioErr, BgCompaction)
		}
		return err
	}

	ve := &manifest.VersionEdit{
		DeletedTables: make(map[manifest.DeletedTableEntry]bool),
	}
	for _, in := range j.plan.Inputs {
		for _, m := range in.Tables {
			ve.DeletedTables[manifest.DeletedTableEntry{Level: in.Level, FileNum: m.FileNum}] = true
		}
	}
	epoch, ancestorTime := planLineage(j.plan)
	for _, sub := range j.subcompactions {
		for i := range sub.outputs {
			t := &sub.outputs[i]
			level := j.plan.OutputLevel
			temp := base.TemperatureWarm
			if t.Placement == base.PlaceProximal {
				level = j.plan.ProximalLevel
			} else if j.plan.Bottommost {
				temp = base.TemperatureCold
			}
			meta := &manifest.TableMetadata{
				FileNum:          t.FileNum,
				Size:             t.WriterMeta.Size,
				Smallest:         t.WriterMeta.Smallest,
				Largest:          t.WriterMeta.Largest,
				SmallestSeqNum:   t.WriterMeta.SmallestSeqNum,
				LargestSeqNum:    t.WriterMeta.LargestSeqNum,
				CreationTime:     uint64(t.CreationTime.Unix()),
				AncestorTime:     ancestorTime,
				EpochNumber:      epoch,
				UniqueID:         c.uniqueFileID(t.FileNum),
				Checksum:         t.WriterMeta.Checksum,
				ChecksumFuncName: sstable.FileChecksumFuncName,
				Temperature:      temp,
			}
			if err := meta.Validate(c.cmp); err != nil {
				return err
			}
			ve.NewTables = append(ve.NewTables, manifest.NewTableEntry{Level: level, Meta: meta})
			j.outputMetas = append(j.outputMetas, meta)
		}
	}

	c.mu.versions.logLock()
	if err := c.mu.versions.logAndApply(j.jobID, ve, c.dataDir); err != nil {
		j.outputMetas = nil
		c.errorHandler.setBGError(err, BgManifestWrite)
		return err
	}
	j.applied = true
	j.releaseLocked()
	*released = true
	return nil
}

// installMove relocates the plan's single table to the output level with a
// manifest edit alone. The table metadata is reused, so the table keeps its
// epoch, checksum and lineage.
func (j *CompactionJob) installMove(released *bool) error {
	c := j.c
	in := j.plan.Inputs[0]
	m := in.Tables[0]
	ve := &manifest.VersionEdit{
		DeletedTables: map[manifest.DeletedTableEntry]bool{
			{Level: in.Level, FileNum: m.FileNum}: true,
		},
		NewTables: []manifest.NewTableEntry{{Level: j.plan.OutputLevel, Meta: m}},
	}
	c.mu.versions.logLock()
	if err := c.mu.versions.logAndApply(j.jobID, ve, c.dataDir); err != nil {
		c.errorHandler.setBGError(err, BgManifestWrite)
		return err
	}
	j.applied = true
	j.outputMetas = append(j.outputMetas, m)
	j.releaseLocked()
	*released = true
	return nil
}

// planLineage returns the epoch and ancestor time the outputs of a plan
// inherit: the minimum over the inputs, so the age of the oldest data
// flowing through a compaction is preserved.
func planLineage(plan *CompactionPlan) (epoch, ancestorTime uint64) {
	for _, in := range plan.Inputs {
		for _, m := range in.Tables {
			at := m.AncestorTime
			if at == 0 {
				at = m.CreationTime
			}
			if ancestorTime == 0 || (at != 0 && at < ancestorTime) {
				ancestorTime = at
			}
			if epoch == 0 || (m.EpochNumber != 0 && m.EpochNumber < epoch) {
				epoch = m.EpochNumber
			}
		}
	}
	return epoch, ancestorTime
}

// releaseLocked returns the job's scheduler slots. Called exactly once per
// prepared job. Requires c.mu.
func (j *CompactionJob) releaseLocked() {
	c := j.c
	if j.extraSlots > 0 {
		c.releaseSubcompactionSlots(j.extraSlots, j.plan.Bottommost)
		j.extraSlots = 0
	}
	c.opts.CompactionScheduler.FinishJob()
}

// cleanupLocked drops the job's version reference and reclaims any outputs
// that did not make it into the version. Inputs made obsolete by an
// installed edit surface through the version unref, and are queued for
// deletion together. Requires c.mu.
func (j *CompactionJob) cleanupLocked() {
	c := j.c
	if !j.applied {
		for _, sub := range j.subcompactions {
			for i := range sub.outputs {
				t := &sub.outputs[i]
				size := t.WriterMeta.Size
				if size == 0 {
					// The sub-job failed mid-write and never finished the
					// table; stat the partial file for accounting.
					path := base.MakeFilepath(c.opts.FS, c.dirname, base.FileTypeTable, t.FileNum)
					if fi, err := c.opts.FS.Stat(path); err == nil {
						size = uint64(fi.Size())
					}
				}
				c.mu.versions.obsoleteTables = append(c.mu.versions.obsoleteTables, obsoleteFile{
					fileType: base.FileTypeTable,
					fileNum:  t.FileNum,
					fileSize: size,
				})
			}
		}
	}
	if j.version != nil {
		j.version.UnrefLocked()
		j.version = nil
	}
	c.deleteObsoleteFiles(j.jobID)
}

func (j *CompactionJob) beginInfo() CompactionInfo {
	info := CompactionInfo{
		JobID:          j.jobID,
		Kind:           j.kind.String(),
		Output:         LevelInfo{Level: j.plan.OutputLevel},
		Subcompactions: len(j.subcompactions),
		IOPriority:     j.c.ioPriority(),
	}
	for _, in := range j.plan.Inputs {
		l := LevelInfo{Level: in.Level}
		for _, m := range in.Tables {
			l.Tables = append(l.Tables, m.TableInfo())
		}
		info.Input = append(info.Input, l)
	}
	return info
}

func (j *CompactionJob) endInfo(err error) CompactionInfo {
	info := j.beginInfo()
	info.Duration = j.stats.Duration
	info.Stats = j.stats
	info.Levels = j.levels
	info.Err = err
	for _, m := range j.outputMetas {
		info.Output.Tables = append(info.Output.Tables, m.TableInfo())
	}
	return info
}
