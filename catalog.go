// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package shale provides the compaction execution engine of a log-structured
// merge tree. A Catalog tracks the tables that make up the tree in a durable,
// manifest-backed version set. Compaction plans handed to Catalog.Compact are
// executed by merging the inputs, optionally split across parallel sub-jobs,
// and installed atomically as a version edit. Jobs can alternatively be
// described by a ServiceInput and executed on a remote worker; the resulting
// ServiceResult is validated and installed by the coordinating catalog.
package shale

import (
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/tokenbucket"
	"github.com/google/uuid"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/internal/manifest"
	"github.com/shaledb/shale/sstable"
	"github.com/shaledb/shale/vfs"
)

// ErrClosed is panicked when an operation is performed on a closed Catalog or
// Snapshot.
var ErrClosed = errors.New("shale: closed")

// identityFilename names the file carrying the catalog's persistent UUID.
const identityFilename = "IDENTITY"

// Catalog is a durable registry of the sorted runs that make up an LSM tree,
// together with the machinery to compact them. It does not implement a write
// path or a read path; tables enter the catalog by ingestion or as compaction
// outputs, and leave it when a compaction supersedes them.
type Catalog struct {
	dirname string
	opts    *Options
	cmp     base.Compare

	// dbID persists across sessions in the IDENTITY file. sessionID is
	// regenerated on every Open. Together they seed the unique IDs stamped
	// on tables created by this catalog.
	dbID      uuid.UUID
	sessionID uuid.UUID

	// dataDir is an open handle on dirname, held for directory syncs when
	// files are created or removed.
	dataDir vfs.File

	// optionsFileNum names the OPTIONS file written by this session. It is
	// carried in service job descriptors so a remote executor can load the
	// same tunables.
	optionsFileNum base.DiskFileNum

	tableCache     tableCache
	cleanupManager *cleanupManager
	metrics        *Metrics
	errorHandler   errorHandler

	// writeLimiter paces low-priority compaction writes when
	// TargetByteWriteRate is set.
	writeLimiter tokenbucket.TokenBucket

	// writeStalled mirrors the caller's write-stall signal. While set,
	// compactions run at user IO priority and write unpaced.
	writeStalled atomic.Bool

	closed atomic.Bool

	mu struct {
		sync.Mutex

		versions *versionSet

		nextJobID int

		snapshots snapshotList

		// backgroundJobs and bottommostJobs count in-flight compaction jobs
		// plus any extra scheduler slots held by them. Bottommost jobs are
		// counted separately.
		backgroundJobs int
		bottommostJobs int

		// obsoleteTableBytes is the total size of obsolete tables queued for
		// deletion but not yet deleted.
		obsoleteTableBytes uint64

		compact struct {
			// inflight is the number of Compact calls currently running.
			inflight int
			// cond is signalled when inflight drops to zero.
			cond sync.Cond
		}
	}
}

// Open opens the catalog rooted at dirname, creating it if necessary.
func Open(dirname string, opts *Options) (c *Catalog, err error) {
	opts = opts.Clone().EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c = &Catalog{
		dirname:   dirname,
		opts:      opts,
		cmp:       opts.Comparer.Compare,
		sessionID: uuid.New(),
		metrics:   NewMetrics(),
	}
	c.mu.nextJobID = 1
	c.mu.snapshots.init()
	c.mu.compact.cond.L = &c.mu.Mutex
	c.errorHandler.init(opts, &c.mu.Mutex)
	if r := opts.TargetByteWriteRate; r != 0 {
		c.writeLimiter.Init(tokenbucket.TokensPerSecond(r), tokenbucket.Tokens(r))
	}

	if err := opts.FS.MkdirAll(dirname, 0755); err != nil {
		return nil, err
	}
	c.dataDir, err = opts.FS.OpenDir(dirname)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if c.mu.versions != nil {
				_ = c.mu.versions.close()
			}
			_ = c.dataDir.Close()
		}
	}()
	if err := c.establishIdentity(); err != nil {
		return nil, err
	}

	ls, err := opts.FS.List(dirname)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	jobID := c.newJobIDLocked()
	vs := &versionSet{}
	c.mu.versions = vs
	currentName := base.MakeFilepath(opts.FS, dirname, base.FileTypeCurrent, 0)
	if _, serr := opts.FS.Stat(currentName); oserror.IsNotExist(serr) {
		if err := vs.create(jobID, dirname, c.dataDir, opts, &c.mu.Mutex,
			c.metrics.ManifestFsyncLatency); err != nil {
			return nil, err
		}
	} else if serr != nil {
		return nil, errors.Wrapf(serr, "shale: database %q", dirname)
	} else {
		if err := vs.load(dirname, opts, &c.mu.Mutex, c.metrics.ManifestFsyncLatency); err != nil {
			return nil, err
		}
	}

	// Locate the most recent OPTIONS file so its settings can be checked
	// against ours, and so the replacement receives a larger file number.
	var previousOptionsFileNum base.DiskFileNum
	var previousOptionsFilename string
	for _, filename := range ls {
		ft, fn, ok := base.ParseFilename(opts.FS, filename)
		if !ok {
			continue
		}
		vs.markFileNumUsed(uint64(fn))
		if ft == base.FileTypeOptions && fn > previousOptionsFileNum {
			previousOptionsFileNum = fn
			previousOptionsFilename = filename
		}
	}
	if previousOptionsFilename != "" {
		path := opts.FS.PathJoin(dirname, previousOptionsFilename)
		previous, err := readFileContents(opts.FS, path)
		if err != nil {
			return nil, err
		}
		if err := opts.Check(previous); err != nil {
			return nil, err
		}
	}

	c.optionsFileNum = vs.getNextFileNum()
	if err := c.writeOptionsFile(c.optionsFileNum); err != nil {
		return nil, err
	}

	c.tableCache.init(dirname, opts.FS, opts.MakeReaderOptions(), opts.TableCacheSize)
	c.cleanupManager = openCleanupManager(opts, dirname, c.onObsoleteTableDelete,
		c.getDeletePacerInfo)

	c.scanObsoleteFiles(ls, c.optionsFileNum)
	c.deleteObsoleteFiles(jobID)

	return c, nil
}

// establishIdentity loads the catalog's persistent UUID from the IDENTITY
// file, generating and persisting a fresh one for a new catalog.
func (c *Catalog) establishIdentity() error {
	path := c.opts.FS.PathJoin(c.dirname, identityFilename)
	f, err := c.opts.FS.Open(path)
	if err == nil {
		b, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return err
		}
		id, err := uuid.Parse(strings.TrimSpace(string(b)))
		if err != nil {
			return base.CorruptionErrorf("shale: IDENTITY file for catalog %q is malformed", c.dirname)
		}
		c.dbID = id
		return nil
	}
	if !oserror.IsNotExist(err) {
		return err
	}
	c.dbID = uuid.New()
	f, err = c.opts.FS.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(f, c.dbID.String()+"\n"); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return c.dataDir.Sync()
}

// writeOptionsFile serializes the current options under the given file
// number. Requires c.mu.
func (c *Catalog) writeOptionsFile(fileNum base.DiskFileNum) error {
	path := base.MakeFilepath(c.opts.FS, c.dirname, base.FileTypeOptions, fileNum)
	f, err := c.opts.FS.Create(path)
	if err != nil {
		return err
	}
	serialized := c.opts.String()
	if _, err := io.WriteString(f, serialized); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return c.dataDir.Sync()
}

func readFileContents(fs vfs.FS, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// scanObsoleteFiles scans the directory listing for files that are no longer
// referenced: tables absent from every live version, manifests below the
// current one, options files below the current one, and temporary files left
// by interrupted atomic renames. Requires c.mu.
func (c *Catalog) scanObsoleteFiles(ls []string, optionsFileNum base.DiskFileNum) {
	vs := c.mu.versions
	liveFileNums := make(map[base.DiskFileNum]struct{})
	vs.addLiveFileNums(liveFileNums)

	for _, filename := range ls {
		fileType, fileNum, ok := base.ParseFilename(c.opts.FS, filename)
		if !ok {
			continue
		}
		var of obsoleteFile
		switch fileType {
		case base.FileTypeManifest:
			if fileNum >= vs.manifestFileNum {
				continue
			}
			of = obsoleteFile{fileType: fileType, fileNum: fileNum}
		case base.FileTypeOptions:
			if fileNum >= optionsFileNum {
				continue
			}
			of = obsoleteFile{fileType: fileType, fileNum: fileNum}
		case base.FileTypeTable:
			if _, ok := liveFileNums[fileNum]; ok {
				continue
			}
			of = obsoleteFile{fileType: fileType, fileNum: fileNum}
			if stat, err := c.opts.FS.Stat(c.opts.FS.PathJoin(c.dirname, filename)); err == nil {
				of.fileSize = uint64(stat.Size())
			}
		case base.FileTypeTemp:
			of = obsoleteFile{fileType: fileType, fileNum: fileNum}
		default:
			continue
		}
		switch fileType {
		case base.FileTypeManifest:
			vs.obsoleteManifests = append(vs.obsoleteManifests, of)
		case base.FileTypeOptions, base.FileTypeTemp:
			vs.obsoleteOptions = append(vs.obsoleteOptions, of)
		case base.FileTypeTable:
			vs.obsoleteTables = append(vs.obsoleteTables, of)
		}
	}
}

// deleteObsoleteFiles hands every file recorded as obsolete to the cleanup
// manager. Tables are evicted from the table cache first so no open reader
// outlives its file. Requires c.mu; the deletions themselves happen on the
// cleanup manager's goroutine.
func (c *Catalog) deleteObsoleteFiles(jobID int) {
	vs := c.mu.versions
	n := len(vs.obsoleteTables) + len(vs.obsoleteManifests) + len(vs.obsoleteOptions)
	if n == 0 {
		return
	}
	files := make([]obsoleteFile, 0, n)
	files = append(files, vs.obsoleteTables...)
	files = append(files, vs.obsoleteManifests...)
	files = append(files, vs.obsoleteOptions...)
	vs.obsoleteTables = nil
	vs.obsoleteManifests = nil
	vs.obsoleteOptions = nil

	for i := range files {
		if files[i].fileType == base.FileTypeTable {
			c.tableCache.evict(files[i].fileNum)
			c.mu.obsoleteTableBytes += files[i].fileSize
		}
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].fileNum < files[j].fileNum
	})
	c.cleanupManager.EnqueueJob(jobID, files)
}

// onObsoleteTableDelete is invoked by the cleanup manager after each table
// deletion.
func (c *Catalog) onObsoleteTableDelete(fileSize uint64) {
	c.mu.Lock()
	if c.mu.obsoleteTableBytes >= fileSize {
		c.mu.obsoleteTableBytes -= fileSize
	} else {
		c.mu.obsoleteTableBytes = 0
	}
	c.mu.Unlock()
	c.metrics.TablesDeleted.Inc()
}

func (c *Catalog) getDeletePacerInfo() deletionPacerInfo {
	var info deletionPacerInfo
	c.mu.Lock()
	info.obsoleteBytes = c.mu.obsoleteTableBytes
	for _, tables := range c.mu.versions.currentVersion().Levels {
		for _, m := range tables {
			info.liveBytes += m.Size
		}
	}
	c.mu.Unlock()
	return info
}

// Close closes the catalog. Any in-flight compactions observe the closure as
// a cancellation and drain before Close proceeds. Queued obsolete file
// deletions are completed. It is an error to close a catalog with open
// snapshots or leaked table iterators; Close reports the leak and closes
// what it can.
func (c *Catalog) Close() error {
	if c.closed.Swap(true) {
		panic(ErrClosed)
	}
	c.mu.Lock()
	for c.mu.compact.inflight > 0 {
		c.mu.compact.cond.Wait()
	}
	var err error
	if n := c.mu.snapshots.count(); n > 0 {
		err = errors.Errorf("shale: %d open snapshots at close", errors.Safe(n))
	}
	err = errors.CombineErrors(err, c.mu.versions.close())
	err = errors.CombineErrors(err, c.tableCache.Close())

	// Hand any remaining obsolete files to the cleanup manager before
	// stopping it.
	c.deleteObsoleteFiles(c.newJobIDLocked())
	c.mu.Unlock()

	c.cleanupManager.Close()
	err = errors.CombineErrors(err, c.dataDir.Close())
	return err
}

// NewSnapshot returns a point-in-time view of the catalog's sequence number
// history. Compactions executed while the snapshot is open preserve the
// newest version of each key visible to it. The caller must call Close on
// the snapshot when done.
func (c *Catalog) NewSnapshot() *Snapshot {
	if c.closed.Load() {
		panic(ErrClosed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Snapshot{
		c: c,
		// Visibility is exclusive of the snapshot's own sequence number, so
		// pin one past the last assigned.
		seqNum: c.mu.versions.lastSeqNum + 1,
	}
	c.mu.snapshots.pushBack(s)
	return s
}

// Ingest copies the tables at the given paths into the catalog and adds them
// to the specified level in a single atomic version edit. Each table is
// scanned to derive its key bounds and verify its ordering. Tables ingested
// into a level above 0 must not overlap each other or the level's existing
// tables.
func (c *Catalog) Ingest(paths []string, level int) error {
	if c.closed.Load() {
		panic(ErrClosed)
	}
	if level < 0 || level >= numLevels {
		return errors.Errorf("shale: invalid ingest level %d", errors.Safe(level))
	}
	if len(paths) == 0 {
		return nil
	}

	fs := c.opts.FS
	c.mu.Lock()
	jobID := c.newJobIDLocked()
	fileNums := make([]base.DiskFileNum, len(paths))
	for i := range paths {
		fileNums[i] = c.mu.versions.getNextFileNum()
	}
	c.mu.Unlock()

	// Copy the tables into the catalog directory and derive their metadata.
	// Nothing is durable until the version edit below is logged; on failure
	// the copies are removed.
	metas := make([]*manifest.TableMetadata, len(paths))
	removeCopies := func() {
		for i := range metas {
			_ = fs.Remove(base.MakeFilepath(fs, c.dirname, base.FileTypeTable, fileNums[i]))
		}
	}
	for i, path := range paths {
		target := base.MakeFilepath(fs, c.dirname, base.FileTypeTable, fileNums[i])
		if err := vfs.Copy(fs, path, target); err != nil {
			removeCopies()
			return err
		}
		meta, err := c.scanIngestTable(path, target, fileNums[i])
		if err != nil {
			removeCopies()
			return err
		}
		metas[i] = meta
	}
	if err := c.dataDir.Sync(); err != nil {
		removeCopies()
		return err
	}

	c.mu.Lock()
	ve := &manifest.VersionEdit{}
	for _, meta := range metas {
		meta.EpochNumber = c.mu.versions.getNextEpochNum()
		ve.NewTables = append(ve.NewTables, manifest.NewTableEntry{Level: level, Meta: meta})
		if meta.LargestSeqNum > ve.LastSeqNum {
			ve.LastSeqNum = meta.LargestSeqNum
		}
	}
	c.mu.versions.logLock()
	err := c.mu.versions.logAndApply(jobID, ve, c.dataDir)
	c.mu.Unlock()
	if err != nil {
		removeCopies()
		return err
	}

	for _, meta := range metas {
		c.opts.EventListener.TableCreated(TableCreateInfo{
			JobID:   jobID,
			Reason:  "ingesting",
			Path:    base.MakeFilepath(fs, c.dirname, base.FileTypeTable, meta.FileNum),
			FileNum: meta.FileNum,
		})
	}
	return nil
}

// scanIngestTable reads the copied table at target to build its metadata:
// key bounds, sequence number bounds, and the whole-file checksum. The scan
// also verifies that the table's keys are strictly ordered.
func (c *Catalog) scanIngestTable(
	origPath, target string, fileNum base.DiskFileNum,
) (*manifest.TableMetadata, error) {
	fs := c.opts.FS
	stat, err := fs.Stat(target)
	if err != nil {
		return nil, err
	}

	checksumFile, err := fs.Open(target)
	if err != nil {
		return nil, err
	}
	checksum, err := sstable.ComputeFileChecksum(checksumFile)
	_ = checksumFile.Close()
	if err != nil {
		return nil, err
	}

	f, err := fs.Open(target)
	if err != nil {
		return nil, err
	}
	r, err := sstable.NewReader(f, c.opts.MakeReaderOptions())
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	defer r.Close()
	iter, err := r.NewIter()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	meta := &manifest.TableMetadata{
		FileNum:          fileNum,
		Size:             uint64(stat.Size()),
		CreationTime:     uint64(time.Now().Unix()),
		UniqueID:         c.uniqueFileID(fileNum),
		Checksum:         checksum,
		ChecksumFuncName: sstable.FileChecksumFuncName,
	}
	meta.AncestorTime = meta.CreationTime

	var prev base.InternalKey
	var n uint64
	for kv := iter.First(); kv != nil; kv = iter.Next() {
		k := kv.K.Clone()
		if n == 0 {
			meta.Smallest = k
			meta.SmallestSeqNum = k.SeqNum()
			meta.LargestSeqNum = k.SeqNum()
		} else {
			if base.InternalCompare(c.cmp, prev, k) >= 0 {
				return nil, base.CorruptionErrorf(
					"shale: ingested table %q is not sorted: %s is not before %s",
					origPath, prev, k)
			}
			if s := k.SeqNum(); s < meta.SmallestSeqNum {
				meta.SmallestSeqNum = s
			} else if s > meta.LargestSeqNum {
				meta.LargestSeqNum = s
			}
		}
		prev = k
		n++
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errors.Errorf("shale: ingested table %q is empty", origPath)
	}
	meta.Largest = prev
	return meta, meta.Validate(c.cmp)
}

// uniqueFileID derives the 128-bit identifier stamped on tables created by
// this catalog. The first word hashes the catalog and session identities, so
// the same file number produced by different catalogs (or after a copy
// between catalogs) yields a different ID.
func (c *Catalog) uniqueFileID(fileNum base.DiskFileNum) [2]uint64 {
	var b [32]byte
	copy(b[:16], c.dbID[:])
	copy(b[16:], c.sessionID[:])
	return [2]uint64{xxhash.Sum64(b[:]), uint64(fileNum)}
}

// SetWriteStalled communicates that user-facing writes are (or are no
// longer) stalled waiting on compaction. While stalled, compactions run at
// user IO priority and their output writes are not paced.
func (c *Catalog) SetWriteStalled(stalled bool) {
	c.writeStalled.Store(stalled)
}

func (c *Catalog) ioPriority() base.IOPriority {
	if c.writeStalled.Load() {
		return base.IOPriorityUser
	}
	return base.IOPriorityLow
}

// Metrics returns the catalog's metric collectors for registration with a
// prometheus.Registerer.
func (c *Catalog) Metrics() *Metrics {
	return c.metrics
}

func (c *Catalog) newJobIDLocked() int {
	id := c.mu.nextJobID
	c.mu.nextJobID++
	return id
}

// acquireSubcompactionSlots asks the scheduler for up to n execution slots
// beyond the configured MaxSubcompactions. The granted count, possibly less
// than n, is charged to the shared background job counters until released.
// Requires c.mu.
func (c *Catalog) acquireSubcompactionSlots(n int, bottommost bool) int {
	if n <= 0 {
		return 0
	}
	granted := c.opts.CompactionScheduler.AcquireExtra(n)
	if bottommost {
		c.mu.bottommostJobs += granted
	} else {
		c.mu.backgroundJobs += granted
	}
	return granted
}

// shrinkSubcompactionSlots returns n extra slots that turned out not to be
// needed once boundaries were computed. Requires c.mu.
func (c *Catalog) shrinkSubcompactionSlots(n int, bottommost bool) {
	if n <= 0 {
		return
	}
	c.opts.CompactionScheduler.ReleaseExtra(n)
	if bottommost {
		c.mu.bottommostJobs -= n
	} else {
		c.mu.backgroundJobs -= n
	}
}

// releaseSubcompactionSlots returns the job's remaining extra slots when the
// job finishes. Requires c.mu.
func (c *Catalog) releaseSubcompactionSlots(n int, bottommost bool) {
	c.shrinkSubcompactionSlots(n, bottommost)
}
