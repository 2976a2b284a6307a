// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package shale

import (
	"context"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/tokenbucket"
	"github.com/shaledb/shale/internal/base"
)

var gcLabels = pprof.Labels("shale", "gc")

// obsoleteFile holds information about a file that needs to be deleted soon.
type obsoleteFile struct {
	fileType base.FileType
	fileNum  base.DiskFileNum
	fileSize uint64
}

type cleanupJob struct {
	jobID         int
	obsoleteFiles []obsoleteFile
}

// cleanupManager deletes obsolete files from a background goroutine, pacing
// table deletions to Options.TargetByteDeletionRate.
type cleanupManager struct {
	opts            *Options
	dirname         string
	onTableDeleteFn func(fileSize uint64)
	deletePacer     *deletionPacer

	// jobsCh is used as the cleanup job queue.
	jobsCh chan *cleanupJob
	// waitGroup is used to wait for the background goroutine to exit.
	waitGroup sync.WaitGroup

	mu struct {
		sync.Mutex
		queuedJobs        int
		completedJobs     int
		completedJobsCond sync.Cond
	}
}

// In practice, we should rarely have more than a couple of jobs (in most
// cases we Wait() after queueing a job).
const jobsChLen = 10000

// openCleanupManager creates a cleanupManager and starts its background
// goroutine. The cleanupManager must be Close()d.
func openCleanupManager(
	opts *Options,
	dirname string,
	onTableDeleteFn func(fileSize uint64),
	getDeletePacerInfo func() deletionPacerInfo,
) *cleanupManager {
	cm := &cleanupManager{
		opts:            opts,
		dirname:         dirname,
		onTableDeleteFn: onTableDeleteFn,
		deletePacer:     newDeletionPacer(getDeletePacerInfo),
		jobsCh:          make(chan *cleanupJob, jobsChLen),
	}
	cm.mu.completedJobsCond.L = &cm.mu.Mutex
	cm.waitGroup.Add(1)

	go func() {
		pprof.Do(context.Background(), gcLabels, func(context.Context) {
			cm.mainLoop()
		})
	}()

	return cm
}

// Close stops the background goroutine, waiting until all queued jobs are
// completed. Delete pacing is disabled for the remaining jobs.
func (cm *cleanupManager) Close() {
	close(cm.jobsCh)
	cm.waitGroup.Wait()
}

// EnqueueJob adds a cleanup job to the manager's queue.
func (cm *cleanupManager) EnqueueJob(jobID int, obsoleteFiles []obsoleteFile) {
	job := &cleanupJob{
		jobID:         jobID,
		obsoleteFiles: obsoleteFiles,
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	select {
	case cm.jobsCh <- job:
		cm.mu.queuedJobs++

	default:
		// Something is terribly wrong... Just drop the job.
		cm.opts.Logger.Infof("cleanup jobs queue full")
	}
}

// Wait until the completion of all jobs that were already queued.
//
// Does not wait for jobs that are enqueued during the call.
//
// Note that the Catalog mutex should not be held while calling this method;
// the background goroutine needs it to update deleted table metrics.
func (cm *cleanupManager) Wait() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	n := cm.mu.queuedJobs
	for cm.mu.completedJobs < n {
		cm.mu.completedJobsCond.Wait()
	}
}

// mainLoop runs the manager's background goroutine.
func (cm *cleanupManager) mainLoop() {
	defer cm.waitGroup.Done()
	useLimiter := false
	var limiter tokenbucket.TokenBucket

	if r := cm.opts.TargetByteDeletionRate; r != 0 {
		useLimiter = true
		limiter.Init(tokenbucket.TokensPerSecond(r), tokenbucket.Tokens(r))
	}

	for job := range cm.jobsCh {
		for _, of := range job.obsoleteFiles {
			path := base.MakeFilepath(cm.opts.FS, cm.dirname, of.fileType, of.fileNum)
			if of.fileType == base.FileTypeTable {
				if useLimiter {
					cm.maybePace(&limiter, of.fileSize)
				}
				cm.onTableDeleteFn(of.fileSize)
			}
			cm.deleteObsoleteFile(of.fileType, job.jobID, path, of.fileNum)
		}
		cm.mu.Lock()
		cm.mu.completedJobs++
		cm.mu.completedJobsCond.Broadcast()
		cm.mu.Unlock()
	}
}

// maybePace sleeps before deleting a table if appropriate. It is always
// called from the background goroutine.
func (cm *cleanupManager) maybePace(limiter *tokenbucket.TokenBucket, fileSize uint64) {
	if !cm.deletePacer.shouldPace() {
		// The deletion pacer decided that we shouldn't throttle; account
		// for the operation but don't wait for tokens.
		limiter.Adjust(-tokenbucket.Tokens(fileSize))
		return
	}
	// Wait for tokens.
	for {
		ok, d := limiter.TryToFulfill(tokenbucket.Tokens(fileSize))
		if ok {
			break
		}
		time.Sleep(d)
	}
}

// deleteObsoleteFile deletes a file that is no longer needed.
func (cm *cleanupManager) deleteObsoleteFile(
	fileType base.FileType, jobID int, path string, fileNum base.DiskFileNum,
) {
	err := cm.opts.Cleaner.Clean(cm.opts.FS, fileType, path)
	if oserror.IsNotExist(err) {
		return
	}

	switch fileType {
	case base.FileTypeTable:
		cm.opts.EventListener.TableDeleted(TableDeleteInfo{
			JobID:   jobID,
			Path:    path,
			FileNum: fileNum,
			Err:     err,
		})
	default:
		if err != nil {
			cm.opts.Logger.Errorf("[JOB %d] failed to clean %s: %v", jobID, path, err)
		}
	}
}
