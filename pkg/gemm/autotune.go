// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gomlx/gemmthunk/pkg/blas"
	"github.com/gomlx/gemmthunk/pkg/core/dtypes"
	"github.com/gomlx/gemmthunk/pkg/device"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// Autotuner searches empirically for the fastest algorithm of a backend, for non-batched GEMMs.
//
// Results are cached per problem (element type, transpositions, dimensions and leading dimensions),
// including the problems for which no algorithm succeeded. It is safe for concurrent use.
type Autotuner struct {
	backend blas.Backend
	options Options

	mu    sync.Mutex
	cache map[autotuneKey]*AutotuneResult
}

type autotuneKey struct {
	dtype          dtypes.DType
	transA, transB blas.Transpose
	m, n, k        int
	lda, ldb, ldc  int
}

func (k autotuneKey) String() string {
	return fmt.Sprintf("%s %s%s m=%d n=%d k=%d lda=%d ldb=%d ldc=%d",
		k.dtype, k.transA, k.transB, k.m, k.n, k.k, k.lda, k.ldb, k.ldc)
}

// AutotuneResult holds the outcome of autotuning one problem.
type AutotuneResult struct {
	// Problem is a description of the GEMM problem tuned.
	Problem string

	// Found is false if no algorithm succeeded, in which case Best is blas.NoAlgorithm.
	Found bool
	Best  blas.AlgorithmType

	// Trials holds the timings of the algorithms that succeeded.
	Trials []AutotuneTrial
}

// AutotuneTrial is the measurement of one algorithm.
type AutotuneTrial struct {
	Algorithm blas.AlgorithmType
	Elapsed   time.Duration
}

// NewAutotuner creates an Autotuner for the given backend. It must only be used with GEMMs run on
// this same backend.
func NewAutotuner(backend blas.Backend, options Options) *Autotuner {
	return &Autotuner{
		backend: backend,
		options: options,
		cache:   make(map[autotuneKey]*AutotuneResult),
	}
}

// Options used by the autotuner.
func (a *Autotuner) Options() Options { return a.options }

// Results returns the cached results, sorted by problem description.
func (a *Autotuner) Results() []AutotuneResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	results := make([]AutotuneResult, 0, len(a.cache))
	for _, r := range a.cache {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Problem < results[j].Problem })
	return results
}

func (a *Autotuner) lookup(key autotuneKey) (*AutotuneResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, found := a.cache[key]
	return r, found
}

func (a *Autotuner) store(key autotuneKey, r *AutotuneResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[key] = r
}

// autotune returns the fastest algorithm for the call, running trials on the stream if the problem
// is not in the cache yet. It blocks until the trials are complete.
//
// Failures are never reported: the algorithms that fail are not candidates, and if none succeeds it
// returns found=false. Nothing is cached if the stream is in an error state.
func autotune[T blas.Element](a *Autotuner, stream *device.Stream, call *blas.GemmCall[T],
	computationType blas.ComputationType, scratch device.Allocator) (best blas.AlgorithmType, found bool) {
	if a.options.DisableAutotune {
		klog.V(2).Info("Autotuning disabled, using generic algorithm")
		return blas.NoAlgorithm, false
	}
	key := autotuneKey{
		dtype:  call.ElementType(),
		transA: call.TransA, transB: call.TransB,
		m: call.M, n: call.N, k: call.K,
		lda: call.LDA, ldb: call.LDB, ldc: call.LDC,
	}
	if r, cached := a.lookup(key); cached {
		return r.Best, r.Found
	}

	// Trials write their results to the output: if beta != 0 the output is also an input, so the
	// trials need a scratch buffer.
	trialCall := call
	if call.Beta != blas.FromFloat64[T](0) {
		if scratch == nil {
			klog.V(2).Infof("Autotuning %s skipped: beta != 0 and no scratch allocator given", key)
			return blas.NoAlgorithm, false
		}
		scratchOutput, err := scratch.Allocate(call.ElementType(), call.C.Len())
		if err != nil {
			klog.Warningf("Autotuning %s skipped: failed to allocate scratch output: %+v", key, err)
			return blas.NoAlgorithm, false
		}
		trialCall = call.WithOutput(scratchOutput)
	}

	if err := stream.Err(); err != nil {
		klog.Warningf("Autotuning %s skipped: stream in error state: %v", key, err)
		return blas.NoAlgorithm, false
	}
	algorithms := a.backend.GemmAlgorithms()
	if maxTrials := a.options.AutotuneMaxTrials; maxTrials > 0 && len(algorithms) > maxTrials {
		algorithms = algorithms[:maxTrials]
	}
	result := &AutotuneResult{Problem: key.String(), Best: blas.NoAlgorithm}
	var profiles []blas.ProfileResult
	for _, algorithm := range algorithms {
		var profile blas.ProfileResult
		if err := a.backend.GemmWithAlgorithm(stream, trialCall, computationType, algorithm, &profile); err != nil {
			if streamErr := stream.Err(); streamErr != nil {
				klog.Warningf("Autotuning %s: stream failed while launching algorithm %d: %v", key, algorithm, streamErr)
				return blas.NoAlgorithm, false
			}
			klog.V(2).Infof("Autotuning %s: algorithm %d failed to launch: %v", key, algorithm, err)
			continue
		}
		if err := stream.BlockHostUntilDone(); err != nil {
			// The stream is unusable: the error is reported by the call that follows.
			klog.Warningf("Autotuning %s: stream failed while running algorithm %d: %v", key, algorithm, err)
			return blas.NoAlgorithm, false
		}
		if !profile.IsValid() {
			klog.V(2).Infof("Autotuning %s: algorithm %d failed", key, algorithm)
			continue
		}
		profiles = append(profiles, profile)
		result.Trials = append(result.Trials, AutotuneTrial{Algorithm: algorithm, Elapsed: profile.Elapsed()})
	}

	if len(profiles) == 0 {
		klog.V(2).Infof("Autotuning %s: no algorithm succeeded, using generic algorithm", key)
	} else {
		fastest := lo.MinBy(profiles, func(x, y blas.ProfileResult) bool { return x.Elapsed() < y.Elapsed() })
		result.Found = true
		result.Best = fastest.Algorithm()
		klog.V(2).Infof("Autotuning %s: selected algorithm %d (%s) out of %d candidates",
			key, result.Best, fastest.Elapsed(), len(profiles))
	}
	a.store(key, result)
	return result.Best, result.Found
}
