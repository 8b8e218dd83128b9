// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hostblas implements blas.Backend on the host, using gonum's BLAS as the vendor library.
//
// Host memory plays the role of device memory and a device.Stream plays the role of the device queue:
// calls are validated when launched, and executed later by the stream's goroutine.
//
// The backend exposes several algorithm variants, that autotuning can choose from:
//
//   - AlgorithmGonum: gonum's native BLAS (xGEMM).
//   - AlgorithmReference: naive triple loop, slow but simple.
//   - AlgorithmParallelColumns: output columns split among a pool of goroutines, each running gonum.
//   - AlgorithmPacked: cache-blocked packed kernel, float32 and float64 (and float16) only.
package hostblas

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/gomlx/gemmthunk/internal/workerspool"
	"github.com/gomlx/gemmthunk/pkg/blas"
	"github.com/gomlx/gemmthunk/pkg/core/dtypes"
	"github.com/gomlx/gemmthunk/pkg/device"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// BackendName to be used in configuration strings.
const BackendName = "hostblas"

// Algorithm variants of the host backend.
const (
	AlgorithmGonum blas.AlgorithmType = iota
	AlgorithmReference
	AlgorithmParallelColumns
	AlgorithmPacked
	numAlgorithms
)

var algorithmNames = [...]string{"gonum", "reference", "parallel-columns", "packed"}

// AlgorithmName returns the name of one of the host algorithm variants.
func AlgorithmName(algorithm blas.AlgorithmType) string {
	if algorithm < 0 || algorithm >= numAlgorithms {
		return fmt.Sprintf("algorithm#%d", algorithm)
	}
	return algorithmNames[algorithm]
}

// ParseAlgorithm converts an algorithm name (or its number) to its AlgorithmType.
func ParseAlgorithm(name string) (blas.AlgorithmType, error) {
	if idx := lo.IndexOf(algorithmNames[:], strings.ToLower(name)); idx >= 0 {
		return blas.AlgorithmType(idx), nil
	}
	if n, err := strconv.Atoi(name); err == nil && n >= 0 && n < int(numAlgorithms) {
		return blas.AlgorithmType(n), nil
	}
	return blas.NoAlgorithm, errors.Errorf("unknown %s algorithm %q, valid values are %q", BackendName, name, algorithmNames)
}

// Backend implements blas.Backend on the host.
type Backend struct {
	pool             *workerspool.Pool
	defaultAlgorithm blas.AlgorithmType
	algorithms       []blas.AlgorithmType
}

// Compile-time check that hostblas.Backend implements blas.Backend.
var _ blas.Backend = &Backend{}

// New constructs a host backend.
//
// The config string is a comma-separated list of options:
//
//   - "parallelism=<n>": number of goroutines used by the parallel algorithms. Defaults to runtime.NumCPU();
//     0 runs everything on the stream's goroutine.
//   - "default=<algorithm>": algorithm used by Gemm and GemmStridedBatched. Defaults to "gonum".
//   - "algorithms=<alg1>:<alg2>...": algorithms offered for autotuning. Defaults to all of them.
//
// Example: New("parallelism=4,default=packed")
func New(config string) (*Backend, error) {
	b := &Backend{
		defaultAlgorithm: AlgorithmGonum,
		algorithms:       []blas.AlgorithmType{AlgorithmGonum, AlgorithmReference, AlgorithmParallelColumns, AlgorithmPacked},
	}
	parallelism := runtime.NumCPU()
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		var err error
		switch key {
		case "parallelism":
			parallelism, err = strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid value for %q in %s backend configuration", key, BackendName)
			}
		case "default":
			b.defaultAlgorithm, err = ParseAlgorithm(value)
			if err != nil {
				return nil, err
			}
		case "algorithms":
			b.algorithms = nil
			for _, name := range strings.Split(value, ":") {
				alg, err := ParseAlgorithm(name)
				if err != nil {
					return nil, err
				}
				b.algorithms = append(b.algorithms, alg)
			}
			b.algorithms = lo.Uniq(b.algorithms)
		default:
			return nil, errors.Errorf("unknown configuration option %q for %s backend", part, BackendName)
		}
	}
	b.pool = workerspool.New(parallelism)
	return b, nil
}

// Name implements blas.Backend.
func (b *Backend) Name() string {
	return BackendName
}

// String implements fmt.Stringer.
func (b *Backend) String() string {
	return fmt.Sprintf("%s(parallelism=%d, default=%s)", BackendName, b.pool.MaxParallelism(), AlgorithmName(b.defaultAlgorithm))
}

// GemmAlgorithms implements blas.Backend.
func (b *Backend) GemmAlgorithms() []blas.AlgorithmType {
	return append([]blas.AlgorithmType(nil), b.algorithms...)
}

// Gemm implements blas.Backend.
func (b *Backend) Gemm(stream *device.Stream, call blas.Call) error {
	return b.launch(stream, call, blas.StridedBatch{Count: 1}, b.defaultFor(call.ElementType()), nil)
}

// GemmStridedBatched implements blas.Backend.
func (b *Backend) GemmStridedBatched(stream *device.Stream, call blas.Call, batch blas.StridedBatch) error {
	return b.launch(stream, call, batch, b.defaultFor(call.ElementType()), nil)
}

// defaultFor returns the default algorithm, or AlgorithmGonum if the default doesn't support dtype.
func (b *Backend) defaultFor(dtype dtypes.DType) blas.AlgorithmType {
	if supports(b.defaultAlgorithm, dtype) != nil {
		return AlgorithmGonum
	}
	return b.defaultAlgorithm
}

// GemmWithAlgorithm implements blas.Backend.
//
// The computation type must be the one blas.ComputationTypeFor returns for the call's element type.
func (b *Backend) GemmWithAlgorithm(stream *device.Stream, call blas.Call, computationType blas.ComputationType,
	algorithm blas.AlgorithmType, result *blas.ProfileResult) error {
	want, err := blas.ComputationTypeFor(call.ElementType())
	if err != nil {
		return err
	}
	if computationType != want {
		return errors.Errorf("%s: computation type %s not supported for %s, only %s is",
			BackendName, computationType, call.ElementType(), want)
	}
	return b.launch(stream, call, blas.StridedBatch{Count: 1}, algorithm, result)
}

// supports returns an error if the algorithm cannot run on the given element type.
func supports(algorithm blas.AlgorithmType, dtype dtypes.DType) error {
	if algorithm < 0 || algorithm >= numAlgorithms {
		return errors.Errorf("%s: unknown algorithm %d", BackendName, algorithm)
	}
	if algorithm == AlgorithmPacked && dtype.IsComplex() {
		return errors.Errorf("%s: algorithm %q does not support %s", BackendName, AlgorithmName(algorithm), dtype)
	}
	return nil
}

// launch validates the call and enqueues it on the stream.
// If result is not nil, the call is timed and result is set once the stream completes it.
func (b *Backend) launch(stream *device.Stream, call blas.Call, batch blas.StridedBatch,
	algorithm blas.AlgorithmType, result *blas.ProfileResult) error {
	if err := call.Validate(batch); err != nil {
		return errors.WithMessagef(err, "%s: invalid GEMM call", BackendName)
	}
	if err := supports(algorithm, call.ElementType()); err != nil {
		return err
	}
	if klog.V(3).Enabled() {
		klog.Infof("%s: enqueuing %s (batch=%d, algorithm=%s) on %s", BackendName, call, batch.Count, AlgorithmName(algorithm), stream)
	}
	if result == nil {
		return stream.Enqueue("gemm", func() error {
			return execute(call, batch, algorithm, b.pool)
		})
	}

	result.Invalidate(algorithm)
	timer, err := stream.StartTimer()
	if err != nil {
		return err
	}
	var succeeded bool
	err = stream.Enqueue("gemm", func() error {
		if err := execute(call, batch, algorithm, b.pool); err != nil {
			return err
		}
		succeeded = true
		return nil
	})
	if err != nil {
		return err
	}
	if err = stream.StopTimer(timer); err != nil {
		return err
	}
	return stream.EnqueueHostCallback("gemm profile", func() {
		if !succeeded {
			return
		}
		elapsed, err := timer.Elapsed()
		if err != nil {
			klog.Warningf("%s: failed to read the timer of %s: %v", BackendName, call, err)
			return
		}
		result.Set(algorithm, elapsed)
	})
}
