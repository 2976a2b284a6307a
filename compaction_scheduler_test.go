// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package shale

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConcurrencyLimitScheduler(t *testing.T) {
	s := NewConcurrencyLimitScheduler(4)

	// A running job holds one slot; extras come from what is left.
	s.StartJob()
	require.Equal(t, 3, s.AcquireExtra(5))
	require.Equal(t, 0, s.AcquireExtra(1))

	// Partial release makes the slots grantable again.
	s.ReleaseExtra(2)
	require.Equal(t, 2, s.AcquireExtra(2))
	s.ReleaseExtra(3)
	s.FinishJob()

	// The pool is back to full.
	s.StartJob()
	require.Equal(t, 3, s.AcquireExtra(3))
	s.ReleaseExtra(3)
	s.FinishJob()
}

func TestConcurrencyLimitSchedulerStartNeverRefused(t *testing.T) {
	// Jobs are driven synchronously by their callers, so StartJob always
	// succeeds; oversubscription only starves extras.
	s := NewConcurrencyLimitScheduler(2)
	s.StartJob()
	s.StartJob()
	s.StartJob()
	require.Equal(t, 0, s.AcquireExtra(1))
	s.FinishJob()
	s.FinishJob()
	require.Equal(t, 1, s.AcquireExtra(4))
	s.ReleaseExtra(1)
	s.FinishJob()
}

func TestConcurrencyLimitSchedulerMinimumSlots(t *testing.T) {
	s := NewConcurrencyLimitScheduler(0)
	s.StartJob()
	require.Equal(t, 0, s.AcquireExtra(2))
	s.FinishJob()
	require.Equal(t, 1, s.AcquireExtra(2))
	s.ReleaseExtra(1)
}

func TestConcurrencyLimitSchedulerMisuse(t *testing.T) {
	require.Panics(t, func() {
		NewConcurrencyLimitScheduler(2).FinishJob()
	})
	require.Panics(t, func() {
		NewConcurrencyLimitScheduler(2).ReleaseExtra(1)
	})
}

func TestConcurrencyLimitSchedulerConcurrent(t *testing.T) {
	s := NewConcurrencyLimitScheduler(3)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.StartJob()
				n := s.AcquireExtra(2)
				require.LessOrEqual(t, n, 2)
				s.ReleaseExtra(n)
				s.FinishJob()
			}
		}()
	}
	wg.Wait()

	// Every slot came back.
	require.Zero(t, s.mu.running)
	require.Zero(t, s.mu.extra)
	s.StartJob()
	require.Equal(t, 2, s.AcquireExtra(5))
}
