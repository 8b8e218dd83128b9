// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gemmthunk/pkg/blas"
	"github.com/gomlx/gemmthunk/pkg/core/dtypes"
	"github.com/gomlx/gemmthunk/pkg/core/shapes"
	"github.com/gomlx/gemmthunk/pkg/device"
	"github.com/gomlx/gemmthunk/pkg/profiler"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// RunOptions are the optional parameters of RunGemm.
type RunOptions struct {
	// Autotuner used to pick an algorithm for non-batched GEMMs with no fixed algorithm. If nil no
	// autotuning is done.
	Autotuner *Autotuner

	// Scratch allocator, used by the autotuner when beta != 0 (so trials don't modify the output).
	Scratch device.Allocator

	// Profiler is optional. The execution is attributed to the instruction Name only if WholeInstruction.
	Profiler         profiler.Profiler
	WholeInstruction bool
	Name             string

	// Algorithm, if set, overrides the algorithm of the configuration.
	// It is used by external algorithm pickers, which also pass a ProfileResult to be filled.
	Algorithm     *blas.AlgorithmType
	ProfileResult *blas.ProfileResult
}

// RunGemm enqueues the GEMM described by cfg on the stream, with the operands in the given memory.
//
// It returns without waiting for the GEMM to execute, except while autotuning, which blocks on the stream.
// A GEMM with an empty output enqueues nothing.
// Errors wrap ErrConfigValidation, ErrUnsupportedElementType or ErrBackendLaunch.
func RunGemm(cfg *Config, lhs, rhs, output device.Memory, stream *device.Stream, backend blas.Backend, opts RunOptions) error {
	computationType, err := blas.ComputationTypeFor(cfg.Output.DType)
	if err != nil {
		return err
	}
	algorithm := cfg.Algorithm
	if opts.Algorithm != nil {
		algorithm = *opts.Algorithm
		if algorithm < blas.NoAlgorithm {
			return invalidConfigf("invalid algorithm %d", algorithm)
		}
		if algorithm != blas.NoAlgorithm && cfg.BatchSize != 1 {
			return invalidConfigf("a fixed algorithm (%d) requires batch size 1, got %d", algorithm, cfg.BatchSize)
		}
	}
	operands := []struct {
		name  string
		mem   device.Memory
		shape shapes.Shape
	}{{"lhs", lhs, cfg.LHS}, {"rhs", rhs, cfg.RHS}, {"output", output, cfg.Output}}
	for _, op := range operands {
		if op.mem.IsNil() || op.mem.DType() != cfg.Output.DType || op.mem.Len() != op.shape.Size() {
			return invalidConfigf("%s memory %s doesn't match its shape", op.name, op.mem)
		}
	}
	if cfg.Output.Size() == 0 {
		klog.V(2).Infof("%s: empty output, nothing to enqueue", cfg)
		return nil
	}

	lhsMatrix, rhsMatrix, outputMatrix := ResolveLayout(cfg, lhs, rhs, output)
	instruction := profiler.Unattributed
	if opts.WholeInstruction {
		instruction = opts.Name
	}
	scope := profiler.Begin(opts.Profiler, stream, instruction)
	defer scope.End()

	d := dispatch{
		cfg:             cfg,
		lhs:             lhsMatrix,
		rhs:             rhsMatrix,
		output:          outputMatrix,
		computationType: computationType,
		algorithm:       algorithm,
		stream:          stream,
		backend:         backend,
		opts:            &opts,
	}
	switch cfg.Output.DType {
	case dtypes.Float16:
		err = doGemm[float16.Float16](d)
	case dtypes.Float32:
		err = doGemm[float32](d)
	case dtypes.Float64:
		err = doGemm[float64](d)
	case dtypes.Complex64:
		err = doGemm[complex64](d)
	case dtypes.Complex128:
		err = doGemm[complex128](d)
	default:
		return errors.Wrapf(ErrUnsupportedElementType, "dtype %s", cfg.Output.DType)
	}
	if err != nil {
		return errors.Wrapf(ErrBackendLaunch, "unable to launch GEMM on stream %s (%s: %v)", stream.ID(), backend.Name(), err)
	}
	return nil
}

// dispatch holds the resolved parameters of one GEMM execution.
type dispatch struct {
	cfg              *Config
	lhs, rhs, output MatrixDescriptor
	computationType  blas.ComputationType
	algorithm        blas.AlgorithmType
	stream           *device.Stream
	backend          blas.Backend
	opts             *RunOptions
}

// doGemm issues exactly one of the backend call shapes.
func doGemm[T blas.Element](d dispatch) error {
	k := d.lhs.NumCols
	if d.lhs.Transpose {
		k = d.lhs.NumRows
	}
	call := &blas.GemmCall[T]{
		TransA: blas.TransposeFrom(d.lhs.Transpose),
		TransB: blas.TransposeFrom(d.rhs.Transpose),
		M:      d.output.NumRows,
		N:      d.output.NumCols,
		K:      k,
		Alpha:  blas.FromFloat64[T](d.cfg.Alpha),
		Beta:   blas.FromFloat64[T](d.cfg.Beta),
		A:      d.lhs.Data,
		LDA:    max(1, d.lhs.NumRows),
		B:      d.rhs.Data,
		LDB:    max(1, d.rhs.NumRows),
		C:      d.output.Data,
		LDC:    max(1, d.output.NumRows),
	}
	batchSize := d.cfg.BatchSize

	if d.algorithm != blas.NoAlgorithm {
		if batchSize != 1 {
			exceptions.Panicf("GEMM with fixed algorithm %d and batch size %d: configuration should have been rejected",
				d.algorithm, batchSize)
		}
		klog.V(2).Infof("%s: using fixed algorithm %d", call, d.algorithm)
		return d.backend.GemmWithAlgorithm(d.stream, call, d.computationType, d.algorithm, d.opts.ProfileResult)
	}

	if batchSize > 1 {
		batch := blas.StridedBatch{
			StrideA: d.lhs.Stride(),
			StrideB: d.rhs.Stride(),
			StrideC: d.output.Stride(),
			Count:   batchSize,
		}
		if klog.V(3).Enabled() {
			klog.Infof("%s: strided-batched, batch=%d", call, batchSize)
		}
		return d.backend.GemmStridedBatched(d.stream, call, batch)
	}

	if d.opts.Autotuner != nil {
		if best, found := autotune(d.opts.Autotuner, d.stream, call, d.computationType, d.opts.Scratch); found {
			if klog.V(3).Enabled() {
				klog.Infof("%s: using autotuned algorithm %d", call, best)
			}
			return d.backend.GemmWithAlgorithm(d.stream, call, d.computationType, best, d.opts.ProfileResult)
		}
	}
	if klog.V(3).Enabled() {
		klog.Infof("%s: using default algorithm", call)
	}
	return d.backend.Gemm(d.stream, call)
}
