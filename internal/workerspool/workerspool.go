// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a bounded pool of goroutines shared by the host kernels.
//
// Kernels split their work in tiles and hand them to the pool: tiles run in parallel up to the pool's
// parallelism, and the remaining ones run on the calling goroutine. Batched GEMMs wait for room in the
// pool for each matrix of the batch.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool bounds the number of goroutines running kernel tiles.
type Pool struct {
	// maxParallelism is the maximum number of tiles running at the same time.
	// 0 disables parallelism (everything runs inline), < 0 means unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases.
	numRunning int
}

// New returns a Pool with the given parallelism. Use runtime.NumCPU() for the usual default.
func New(maxParallelism int) *Pool {
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism returns the configured parallelism: 0 if disabled, -1 if unlimited.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// SetMaxParallelism changes the parallelism. Only call it while no tiles are running.
func (p *Pool) SetMaxParallelism(maxParallelism int) {
	p.maxParallelism = maxParallelism
}

// lockedIsFull must be called with p.mu held.
func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism == 0 {
		return true
	} else if p.maxParallelism < 0 {
		return false
	}
	return p.numRunning >= p.maxParallelism
}

// lockedStart must be called with p.mu held.
func (p *Pool) lockedStart(task func()) {
	p.numRunning++
	go func() {
		defer func() {
			p.mu.Lock()
			p.numRunning--
			p.cond.Signal()
			p.mu.Unlock()
		}()
		task()
	}()
}

// StartIfAvailable runs task in a new goroutine if the pool is not full, and returns whether it did.
// The caller is responsible for waiting for the task.
func (p *Pool) StartIfAvailable(task func()) bool {
	if p.maxParallelism < 0 {
		go task()
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockedIsFull() {
		return false
	}
	p.lockedStart(task)
	return true
}

// WaitToStart blocks until the pool has room and then runs task in a new goroutine.
// If parallelism is disabled, task runs inline.
func (p *Pool) WaitToStart(task func()) {
	if p.maxParallelism < 0 {
		go task()
		return
	} else if p.maxParallelism == 0 {
		task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.lockedStart(task)
}

// ParallelRange splits [0, n) into consecutive ranges of at least minChunk elements and calls fn for
// each of them, in parallel where the pool has room. It returns when all ranges are processed.
//
// The number of ranges is bounded by the pool's parallelism (or runtime.NumCPU() if unlimited).
func (p *Pool) ParallelRange(n, minChunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	minChunk = max(minChunk, 1)
	workers := p.maxParallelism
	if workers < 0 {
		workers = runtime.NumCPU()
	}
	numChunks := min(max(workers, 1), (n+minChunk-1)/minChunk)
	if numChunks <= 1 {
		fn(0, n)
		return
	}
	chunkSize := (n + numChunks - 1) / numChunks

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		if end == n {
			// Last range runs on the calling goroutine.
			fn(start, end)
			break
		}
		wg.Add(1)
		task := func() {
			defer wg.Done()
			fn(start, end)
		}
		if !p.StartIfAvailable(task) {
			task()
		}
	}
	wg.Wait()
}
