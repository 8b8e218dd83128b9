// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_StartIfAvailable(t *testing.T) {
	pool := New(2)
	release := make(chan struct{})
	var wg sync.WaitGroup
	blocker := func() {
		defer wg.Done()
		<-release
	}
	wg.Add(2)
	require.True(t, pool.StartIfAvailable(blocker))
	require.True(t, pool.StartIfAvailable(blocker))
	require.False(t, pool.StartIfAvailable(func() {}))
	close(release)
	wg.Wait()

	// Room becomes available again once the tasks finish.
	started := make(chan struct{})
	pool.WaitToStart(func() { close(started) })
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("WaitToStart never started the task")
	}

	// Disabled pool: never starts goroutines, WaitToStart runs inline.
	pool.SetMaxParallelism(0)
	require.False(t, pool.StartIfAvailable(func() {}))
	ran := false
	pool.WaitToStart(func() { ran = true })
	assert.True(t, ran)
}

func TestPool_ParallelRange(t *testing.T) {
	for _, parallelism := range []int{-1, 0, 1, 3, 8} {
		pool := New(parallelism)
		for _, n := range []int{1, 7, 100, 1001} {
			covered := make([]atomic.Int32, n)
			var calls atomic.Int32
			pool.ParallelRange(n, 16, func(start, end int) {
				calls.Add(1)
				for ii := start; ii < end; ii++ {
					covered[ii].Add(1)
				}
			})
			for ii := range covered {
				require.Equalf(t, int32(1), covered[ii].Load(),
					"parallelism=%d, n=%d: element %d covered %d times", parallelism, n, ii, covered[ii].Load())
			}
			if parallelism == 0 || parallelism == 1 {
				require.Equal(t, int32(1), calls.Load())
			}
		}
	}
	// Nothing to do.
	New(4).ParallelRange(0, 1, func(_, _ int) { t.Fatal("unexpected call") })
}
