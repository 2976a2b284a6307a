// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package shale

import "sync"

// CompactionScheduler arbitrates execution slots across the compactions of a
// store. Each running job occupies one slot for its own goroutine; a job
// that wants to run sub-jobs in parallel asks for extra slots, one per
// additional goroutine. Starting a job is never refused since callers drive
// Compact synchronously; only extra slots are subject to availability.
//
// In a multi-store configuration a single CompactionScheduler may be shared
// by several Catalogs to enforce a node-wide concurrency limit.
//
// Locking: implementations must not call back into the Catalog. The Catalog
// calls AcquireExtra and ReleaseExtra while holding its own mutex, so the
// scheduler's internal mutex is ordered after the Catalog's.
type CompactionScheduler interface {
	// StartJob informs the scheduler that a compaction job is starting and
	// consumes one slot for the job's goroutine.
	StartJob()
	// FinishJob returns the slot consumed by StartJob. Called exactly once
	// per StartJob, after the job's extra slots have been released.
	FinishJob()
	// AcquireExtra requests up to n additional slots for parallel sub-jobs.
	// It returns the number granted, which may be anything from 0 to n.
	AcquireExtra(n int) int
	// ReleaseExtra returns slots previously granted by AcquireExtra. A job
	// may release in multiple steps (e.g. shrink after merging its key
	// ranges down) as long as the total matches what was granted.
	ReleaseExtra(n int)
}

// ConcurrencyLimitScheduler is the default CompactionScheduler. It grants
// extra slots from a fixed-size pool in request order: a request is granted
// whatever is left of totalSlots after the running jobs and previously
// granted extras. Slots freed by FinishJob or ReleaseExtra become available
// to the next request.
type ConcurrencyLimitScheduler struct {
	mu struct {
		sync.Mutex
		totalSlots int
		running    int
		extra      int
	}
}

var _ CompactionScheduler = (*ConcurrencyLimitScheduler)(nil)

// NewConcurrencyLimitScheduler returns a scheduler with the given total slot
// count. totalSlots bounds running jobs plus granted extras; values below 1
// are raised to 1.
func NewConcurrencyLimitScheduler(totalSlots int) *ConcurrencyLimitScheduler {
	s := &ConcurrencyLimitScheduler{}
	s.mu.totalSlots = max(totalSlots, 1)
	return s
}

// StartJob is part of the CompactionScheduler interface.
func (s *ConcurrencyLimitScheduler) StartJob() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.running++
}

// FinishJob is part of the CompactionScheduler interface.
func (s *ConcurrencyLimitScheduler) FinishJob() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.running--
	if s.mu.running < 0 {
		panic("shale: FinishJob without matching StartJob")
	}
}

// AcquireExtra is part of the CompactionScheduler interface.
func (s *ConcurrencyLimitScheduler) AcquireExtra(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	idle := s.mu.totalSlots - s.mu.running - s.mu.extra
	granted := min(n, idle)
	if granted <= 0 {
		return 0
	}
	s.mu.extra += granted
	return granted
}

// ReleaseExtra is part of the CompactionScheduler interface.
func (s *ConcurrencyLimitScheduler) ReleaseExtra(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.extra -= n
	if s.mu.extra < 0 {
		panic("shale: ReleaseExtra exceeds granted extra slots")
	}
}
