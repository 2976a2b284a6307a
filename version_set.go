// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package shale

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/internal/manifest"
	"github.com/shaledb/shale/internal/record"
	"github.com/shaledb/shale/vfs"
)

const numLevels = manifest.NumLevels

// versionSet manages a collection of immutable versions, and manages the
// creation of a new version from the most recent version. A new version is
// created from an existing version by applying a version edit which is just
// like it sounds: a delta from the previous version. Version edits are
// logged to the manifest file, which is replayed at startup.
type versionSet struct {
	// Immutable fields.
	dirname string
	// Set to Catalog.mu.
	mu      *sync.Mutex
	opts    *Options
	fs      vfs.FS
	cmp     base.Compare
	cmpName string

	// Mutable fields.
	versions manifest.VersionList

	// A pointer to versionSet.addObsoleteLocked. Avoids allocating a new
	// closure on the creation of every version.
	obsoleteFn        func(obsolete []*manifest.TableMetadata)
	obsoleteTables    []obsoleteFile
	obsoleteManifests []obsoleteFile
	obsoleteOptions   []obsoleteFile

	// The next file number. A single counter is used to assign file numbers
	// for the MANIFEST, sstable, and OPTIONS files.
	nextFileNum uint64

	// The upper bound on sequence numbers present in the catalog's tables.
	// Advanced by version edits that carry a LastSeqNum, e.g. ones
	// installing ingested tables.
	lastSeqNum base.SeqNum

	// nextEpochNum orders table creations over the catalog's lifetime.
	// Compaction outputs inherit the minimum epoch of their inputs; new
	// tables entering the catalog are assigned the next epoch.
	nextEpochNum uint64

	// The current manifest file number and its open writer.
	manifestFileNum base.DiskFileNum
	manifestFile    vfs.File
	manifest        *record.Writer

	// fsyncLatency observes the duration of manifest fsyncs, in seconds.
	fsyncLatency prometheus.Histogram

	writing    bool
	writerCond sync.Cond
}

func (vs *versionSet) init(
	dirname string, opts *Options, mu *sync.Mutex, fsyncLatency prometheus.Histogram,
) {
	vs.dirname = dirname
	vs.mu = mu
	vs.writerCond.L = mu
	vs.opts = opts
	vs.fs = opts.FS
	vs.cmp = opts.Comparer.Compare
	vs.cmpName = opts.Comparer.Name
	vs.versions.Init(mu)
	vs.obsoleteFn = vs.addObsoleteLocked
	vs.nextFileNum = 1
	vs.nextEpochNum = 1
	vs.fsyncLatency = fsyncLatency
}

// create creates a version set for a fresh catalog.
func (vs *versionSet) create(
	jobID int,
	dirname string,
	dir vfs.File,
	opts *Options,
	mu *sync.Mutex,
	fsyncLatency prometheus.Histogram,
) error {
	vs.init(dirname, opts, mu, fsyncLatency)
	vs.append(&manifest.Version{})

	// Note that a "snapshot" version edit is written to the manifest when it
	// is created.
	vs.manifestFileNum = vs.getNextFileNum()
	err := vs.createManifest(vs.dirname, vs.manifestFileNum)
	if err == nil {
		if err = vs.manifest.Flush(); err != nil {
			vs.opts.Logger.Fatalf("MANIFEST flush failed: %v", err)
		}
	}
	if err == nil {
		if err = vs.syncManifest(); err != nil {
			vs.opts.Logger.Fatalf("MANIFEST sync failed: %v", err)
		}
	}
	if err == nil {
		if err = setCurrentFile(vs.dirname, vs.fs, vs.manifestFileNum); err != nil {
			vs.opts.Logger.Fatalf("MANIFEST set current failed: %v", err)
		}
	}
	if err == nil {
		if err = dir.Sync(); err != nil {
			vs.opts.Logger.Fatalf("MANIFEST dirsync failed: %v", err)
		}
	}

	vs.opts.EventListener.ManifestCreated(ManifestCreateInfo{
		JobID:   jobID,
		Path:    base.MakeFilepath(vs.fs, vs.dirname, base.FileTypeManifest, vs.manifestFileNum),
		FileNum: vs.manifestFileNum,
		Err:     err,
	})
	return err
}

// load loads the version set from the manifest file named by CURRENT.
func (vs *versionSet) load(
	dirname string, opts *Options, mu *sync.Mutex, fsyncLatency prometheus.Histogram,
) error {
	vs.init(dirname, opts, mu, fsyncLatency)

	// Read the CURRENT file to find the current manifest file.
	current, err := vs.fs.Open(base.MakeFilepath(vs.fs, dirname, base.FileTypeCurrent, 0))
	if err != nil {
		return errors.Wrapf(err, "shale: could not open CURRENT file for catalog %q", dirname)
	}
	defer current.Close()
	stat, err := current.Stat()
	if err != nil {
		return err
	}
	n := stat.Size()
	if n == 0 {
		return errors.Errorf("shale: CURRENT file for catalog %q is empty", dirname)
	}
	if n > 4096 {
		return errors.Errorf("shale: CURRENT file for catalog %q is too large", dirname)
	}
	b := make([]byte, n)
	if _, err = current.ReadAt(b, 0); err != nil {
		return err
	}
	if b[n-1] != '\n' {
		return base.CorruptionErrorf("shale: CURRENT file for catalog %q is malformed", dirname)
	}
	b = bytes.TrimSpace(b)

	var ok bool
	var fileType base.FileType
	if fileType, vs.manifestFileNum, ok = base.ParseFilename(vs.fs, string(b)); !ok ||
		fileType != base.FileTypeManifest {
		return base.CorruptionErrorf("shale: MANIFEST name %q is malformed", errors.Safe(b))
	}
	vs.markFileNumUsed(uint64(vs.manifestFileNum))

	// Read the versionEdits in the manifest file.
	var bve manifest.BulkVersionEdit
	manifestFile, err := vs.fs.Open(vs.fs.PathJoin(dirname, string(b)))
	if err != nil {
		return errors.Wrapf(err, "shale: could not open manifest file %q for catalog %q",
			errors.Safe(b), dirname)
	}
	defer manifestFile.Close()
	rr := record.NewReader(manifestFile)
	for {
		r, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if !opts.ParanoidChecks && record.IsInvalidRecord(err) {
				// A torn write at the tail of the log is expected after a
				// crash; everything before it already replayed cleanly.
				break
			}
			return errors.Wrapf(err, "shale: error when loading manifest file %q", errors.Safe(b))
		}
		var ve manifest.VersionEdit
		if err = ve.Decode(r); err != nil {
			return errors.Wrapf(err, "shale: error when loading manifest file %q", errors.Safe(b))
		}
		if ve.ComparerName != "" {
			if ve.ComparerName != vs.cmpName {
				return errors.Errorf("shale: manifest file %q for catalog %q: "+
					"comparer name from file %q != comparer name from Options %q",
					errors.Safe(b), dirname, errors.Safe(ve.ComparerName), errors.Safe(vs.cmpName))
			}
		}
		if err := bve.Accumulate(&ve); err != nil {
			return err
		}
		if ve.NextFileNum != 0 {
			vs.nextFileNum = ve.NextFileNum
		}
		if ve.LastSeqNum > vs.lastSeqNum {
			vs.lastSeqNum = ve.LastSeqNum
		}
	}

	newVersion, err := bve.Apply(nil, vs.cmp)
	if err != nil {
		return err
	}
	for _, tables := range newVersion.Levels {
		for _, m := range tables {
			vs.markFileNumUsed(uint64(m.FileNum))
			if m.EpochNumber >= vs.nextEpochNum {
				vs.nextEpochNum = m.EpochNumber + 1
			}
		}
	}
	vs.append(newVersion)
	return nil
}

func (vs *versionSet) close() error {
	if vs.manifest != nil {
		if err := vs.manifest.Close(); err != nil {
			return err
		}
	}
	if vs.manifestFile != nil {
		if err := vs.manifestFile.Close(); err != nil {
			return err
		}
	}
	return nil
}

// logLock locks the manifest for writing. The lock must be released by
// either a call to logUnlock or logAndApply.
//
// Catalog.mu must be held when calling this method.
func (vs *versionSet) logLock() {
	// Wait for any existing writing to the manifest to complete, then mark
	// the manifest as busy.
	for vs.writing {
		vs.writerCond.Wait()
	}
	vs.writing = true
}

// logUnlock releases the lock for manifest writing.
//
// Catalog.mu must be held when calling this method.
func (vs *versionSet) logUnlock() {
	if !vs.writing {
		vs.opts.Logger.Fatalf("MANIFEST not locked for writing")
	}
	vs.writing = false
	vs.writerCond.Signal()
}

// logAndApply logs the version edit to the manifest, applies the version
// edit to the current version, and installs the new version. The caller must
// not reference ve after the call.
//
// Catalog.mu must be held when calling this method and will be released
// temporarily while performing file I/O. Requires that the manifest is
// locked for writing (see logLock). Will unconditionally release the
// manifest lock (via logUnlock) even if an error occurs.
func (vs *versionSet) logAndApply(jobID int, ve *manifest.VersionEdit, dir vfs.File) error {
	if !vs.writing {
		vs.opts.Logger.Fatalf("MANIFEST not locked for writing")
	}
	defer vs.logUnlock()

	// Generate a new manifest if we don't currently have one, or the current
	// one is too large.
	var newManifestFileNum base.DiskFileNum
	if vs.manifest == nil || vs.manifest.Size() >= vs.opts.MaxManifestFileSize {
		newManifestFileNum = vs.getNextFileNum()
	}

	// NextFileNum is recorded after any allocation above so that replay
	// resumes numbering beyond every file this edit could reference.
	ve.NextFileNum = vs.nextFileNum
	if ve.LastSeqNum > vs.lastSeqNum {
		vs.lastSeqNum = ve.LastSeqNum
	} else {
		ve.LastSeqNum = vs.lastSeqNum
	}

	currentVersion := vs.currentVersion()
	var newVersion *manifest.Version

	if err := func() error {
		vs.mu.Unlock()
		defer vs.mu.Lock()

		// Apply the edit before anything is written so that a malformed edit
		// cannot make it into the durable manifest.
		var bve manifest.BulkVersionEdit
		if err := bve.Accumulate(ve); err != nil {
			return err
		}
		var err error
		newVersion, err = bve.Apply(currentVersion, vs.cmp)
		if err != nil {
			return err
		}

		if newManifestFileNum != 0 {
			if err := vs.createManifest(vs.dirname, newManifestFileNum); err != nil {
				vs.opts.EventListener.ManifestCreated(ManifestCreateInfo{
					JobID:   jobID,
					Path:    base.MakeFilepath(vs.fs, vs.dirname, base.FileTypeManifest, newManifestFileNum),
					FileNum: newManifestFileNum,
					Err:     err,
				})
				return err
			}
		}

		w, err := vs.manifest.Next()
		if err != nil {
			return err
		}
		// NB: Any error from this point on is considered fatal as we don't
		// know if the MANIFEST write occurred or not. Trying to determine
		// that is fraught. Instead we rely on the standard recovery
		// mechanism run when a catalog is opened, which generates a new
		// MANIFEST and ensures it is synced.
		if err := ve.Encode(w); err != nil {
			vs.opts.Logger.Fatalf("MANIFEST write failed: %v", err)
			return err
		}
		if err := vs.manifest.Flush(); err != nil {
			vs.opts.Logger.Fatalf("MANIFEST flush failed: %v", err)
			return err
		}
		if err := vs.syncManifest(); err != nil {
			vs.opts.Logger.Fatalf("MANIFEST sync failed: %v", err)
			return err
		}
		if newManifestFileNum != 0 {
			if err := setCurrentFile(vs.dirname, vs.fs, newManifestFileNum); err != nil {
				vs.opts.Logger.Fatalf("MANIFEST set current failed: %v", err)
				return err
			}
			if err := dir.Sync(); err != nil {
				vs.opts.Logger.Fatalf("MANIFEST dirsync failed: %v", err)
				return err
			}
			vs.opts.EventListener.ManifestCreated(ManifestCreateInfo{
				JobID:   jobID,
				Path:    base.MakeFilepath(vs.fs, vs.dirname, base.FileTypeManifest, newManifestFileNum),
				FileNum: newManifestFileNum,
			})
		}
		return nil
	}(); err != nil {
		return err
	}

	// Install the new version.
	vs.append(newVersion)
	if newManifestFileNum != 0 {
		if vs.manifestFileNum != 0 {
			vs.obsoleteManifests = append(vs.obsoleteManifests, obsoleteFile{
				fileType: base.FileTypeManifest,
				fileNum:  vs.manifestFileNum,
			})
		}
		vs.manifestFileNum = newManifestFileNum
	}
	return nil
}

// syncManifest syncs the open manifest file and observes the latency.
func (vs *versionSet) syncManifest() error {
	sw := base.MakeStopwatch()
	err := vs.manifestFile.Sync()
	if vs.fsyncLatency != nil {
		vs.fsyncLatency.Observe(sw.Stop().Seconds())
	}
	return err
}

// createManifest creates a manifest file that contains a snapshot of vs.
func (vs *versionSet) createManifest(dirname string, fileNum base.DiskFileNum) (err error) {
	var (
		filename     = base.MakeFilepath(vs.fs, dirname, base.FileTypeManifest, fileNum)
		manifestFile vfs.File
		m            *record.Writer
	)
	defer func() {
		if m != nil {
			m.Close()
		}
		if manifestFile != nil {
			manifestFile.Close()
		}
		if err != nil {
			vs.fs.Remove(filename)
		}
	}()
	manifestFile, err = vs.fs.Create(filename)
	if err != nil {
		return err
	}
	m = record.NewWriter(manifestFile)

	// The snapshot edit carries the comparer name and sequence number bound
	// so that the manifest is self-contained.
	snapshot := manifest.VersionEdit{
		ComparerName: vs.cmpName,
		NextFileNum:  vs.nextFileNum,
		LastSeqNum:   vs.lastSeqNum,
	}
	for level, tables := range vs.currentVersion().Levels {
		for _, meta := range tables {
			snapshot.NewTables = append(snapshot.NewTables, manifest.NewTableEntry{
				Level: level,
				Meta:  meta,
			})
		}
	}

	w, err := m.Next()
	if err != nil {
		return err
	}
	if err := snapshot.Encode(w); err != nil {
		return err
	}

	if vs.manifest != nil {
		vs.manifest.Close()
		vs.manifest = nil
	}
	if vs.manifestFile != nil {
		vs.manifestFile.Close()
		vs.manifestFile = nil
	}

	vs.manifest, m = m, nil
	vs.manifestFile, manifestFile = manifestFile, nil
	return nil
}

func (vs *versionSet) markFileNumUsed(fileNum uint64) {
	if vs.nextFileNum <= fileNum {
		vs.nextFileNum = fileNum + 1
	}
}

func (vs *versionSet) getNextFileNum() base.DiskFileNum {
	x := vs.nextFileNum
	vs.nextFileNum++
	return base.DiskFileNum(x)
}

func (vs *versionSet) getNextEpochNum() uint64 {
	x := vs.nextEpochNum
	vs.nextEpochNum++
	return x
}

func (vs *versionSet) append(v *manifest.Version) {
	if v.Refs() != 0 {
		panic("shale: version should be unreferenced")
	}
	if !vs.versions.Empty() {
		vs.versions.Back().UnrefLocked()
	}
	v.Deleted = vs.obsoleteFn
	v.Ref()
	vs.versions.PushBack(v)
}

func (vs *versionSet) currentVersion() *manifest.Version {
	return vs.versions.Back()
}

// addLiveFileNums adds the file numbers of every table referenced by any
// version to the map.
func (vs *versionSet) addLiveFileNums(m map[base.DiskFileNum]struct{}) {
	current := vs.currentVersion()
	for v := vs.versions.Front(); true; v = v.Next() {
		for _, tables := range v.Levels {
			for _, f := range tables {
				m[f.FileNum] = struct{}{}
			}
		}
		if v == current {
			break
		}
	}
}

func (vs *versionSet) addObsoleteLocked(obsolete []*manifest.TableMetadata) {
	for _, m := range obsolete {
		vs.obsoleteTables = append(vs.obsoleteTables, obsoleteFile{
			fileType: base.FileTypeTable,
			fileNum:  m.FileNum,
			fileSize: m.Size,
		})
	}
}

// setCurrentFile points the CURRENT file at the specified manifest. The
// CURRENT file is written atomically via a temporary file rename so a crash
// never leaves a partially written CURRENT behind.
func setCurrentFile(dirname string, fs vfs.FS, fileNum base.DiskFileNum) error {
	newFilename := base.MakeFilepath(fs, dirname, base.FileTypeCurrent, 0)
	tmpFilename := base.MakeFilepath(fs, dirname, base.FileTypeTemp, fileNum)
	fs.Remove(tmpFilename)
	f, err := fs.Create(tmpFilename)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%s\n", base.MakeFilename(base.FileTypeManifest, fileNum)); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return fs.Rename(tmpFilename, newFilename)
}
