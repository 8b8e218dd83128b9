// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package blastest provides a scriptable fake blas.Backend for tests.
//
// The fake doesn't compute anything: it records every call, enqueues a no-op command on the stream, and
// reports simulated latencies for algorithm-selected calls.
package blastest

import (
	"fmt"
	"sync"
	"time"

	"github.com/gomlx/gemmthunk/pkg/blas"
	"github.com/gomlx/gemmthunk/pkg/device"
	"github.com/pkg/errors"
)

// CallShape identifies which of the backend methods was called.
type CallShape int

const (
	ShapePlain CallShape = iota
	ShapeStridedBatched
	ShapeWithAlgorithm
)

// String implements fmt.Stringer.
func (s CallShape) String() string {
	switch s {
	case ShapePlain:
		return "Gemm"
	case ShapeStridedBatched:
		return "GemmStridedBatched"
	case ShapeWithAlgorithm:
		return "GemmWithAlgorithm"
	}
	return fmt.Sprintf("CallShape(%d)", int(s))
}

// Record of one call to the fake backend.
type Record struct {
	Shape           CallShape
	Call            blas.Call
	Batch           blas.StridedBatch
	ComputationType blas.ComputationType
	Algorithm       blas.AlgorithmType
	Profiled        bool
}

// Backend is a fake blas.Backend.
type Backend struct {
	mu          sync.Mutex
	algorithms  []blas.AlgorithmType
	latencies   map[blas.AlgorithmType]time.Duration
	failLaunch  map[blas.AlgorithmType]bool
	failProfile map[blas.AlgorithmType]bool
	launchErr   error
	records     []Record
	numEnqueued int
}

var _ blas.Backend = &Backend{}

// New returns a fake backend exposing the given algorithms, all with 1ms latency.
func New(algorithms ...blas.AlgorithmType) *Backend {
	return &Backend{
		algorithms:  algorithms,
		latencies:   make(map[blas.AlgorithmType]time.Duration),
		failLaunch:  make(map[blas.AlgorithmType]bool),
		failProfile: make(map[blas.AlgorithmType]bool),
	}
}

// WithLatency sets the simulated latency of an algorithm. It returns the backend itself.
func (b *Backend) WithLatency(algorithm blas.AlgorithmType, latency time.Duration) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latencies[algorithm] = latency
	return b
}

// WithLaunchFailure makes GemmWithAlgorithm fail to launch the given algorithm.
func (b *Backend) WithLaunchFailure(algorithm blas.AlgorithmType) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failLaunch[algorithm] = true
	return b
}

// WithProfileFailure makes the given algorithm launch, but report an invalid profile.
func (b *Backend) WithProfileFailure(algorithm blas.AlgorithmType) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failProfile[algorithm] = true
	return b
}

// WithAllLaunchesFailing makes every call shape return err.
func (b *Backend) WithAllLaunchesFailing(err error) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.launchErr = err
	return b
}

// Records returns a copy of the calls received so far, including the ones that failed to launch.
func (b *Backend) Records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.records...)
}

// Shapes returns the call shape of each of the records.
func (b *Backend) Shapes() []CallShape {
	records := b.Records()
	shapes := make([]CallShape, len(records))
	for ii, r := range records {
		shapes[ii] = r.Shape
	}
	return shapes
}

// NumEnqueued returns how many calls were successfully launched.
func (b *Backend) NumEnqueued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numEnqueued
}

// Reset forgets the recorded calls.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
	b.numEnqueued = 0
}

// Name implements blas.Backend.
func (b *Backend) Name() string { return "fake" }

// GemmAlgorithms implements blas.Backend.
func (b *Backend) GemmAlgorithms() []blas.AlgorithmType {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]blas.AlgorithmType(nil), b.algorithms...)
}

// Gemm implements blas.Backend.
func (b *Backend) Gemm(stream *device.Stream, call blas.Call) error {
	return b.launch(stream, Record{Shape: ShapePlain, Call: call, Batch: blas.StridedBatch{Count: 1}, Algorithm: blas.NoAlgorithm}, nil)
}

// GemmStridedBatched implements blas.Backend.
func (b *Backend) GemmStridedBatched(stream *device.Stream, call blas.Call, batch blas.StridedBatch) error {
	return b.launch(stream, Record{Shape: ShapeStridedBatched, Call: call, Batch: batch, Algorithm: blas.NoAlgorithm}, nil)
}

// GemmWithAlgorithm implements blas.Backend.
func (b *Backend) GemmWithAlgorithm(stream *device.Stream, call blas.Call, computationType blas.ComputationType,
	algorithm blas.AlgorithmType, result *blas.ProfileResult) error {
	return b.launch(stream, Record{
		Shape: ShapeWithAlgorithm, Call: call, Batch: blas.StridedBatch{Count: 1},
		ComputationType: computationType, Algorithm: algorithm, Profiled: result != nil,
	}, result)
}

func (b *Backend) launch(stream *device.Stream, record Record, result *blas.ProfileResult) error {
	b.mu.Lock()
	b.records = append(b.records, record)
	launchErr := b.launchErr
	failLaunch := record.Shape == ShapeWithAlgorithm && b.failLaunch[record.Algorithm]
	failProfile := b.failProfile[record.Algorithm]
	latency, found := b.latencies[record.Algorithm]
	b.mu.Unlock()

	if launchErr != nil {
		return launchErr
	}
	if failLaunch {
		return errors.Errorf("fake backend: algorithm %d failed to launch", record.Algorithm)
	}
	if !found {
		latency = time.Millisecond
	}
	if result != nil {
		result.Invalidate(record.Algorithm)
	}
	err := stream.Enqueue(record.Shape.String(), func() error {
		if result != nil && !failProfile {
			result.Set(record.Algorithm, latency)
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.numEnqueued++
	b.mu.Unlock()
	return nil
}
