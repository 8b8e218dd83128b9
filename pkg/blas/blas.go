// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package blas defines the contract between GEMM execution and a batched BLAS backend.
//
// Matrices follow the BLAS (Fortran) convention: column-major storage, with a leading dimension
// ("ld") giving the distance in elements between consecutive columns.
//
// A Backend exposes three call shapes: a plain GEMM, a strided-batched GEMM and an algorithm-selected
// GEMM (that can also report profiling information). All of them enqueue work on a device.Stream and
// return without waiting for it: an error returned by a Backend method means the call could not be
// launched.
package blas

import (
	"fmt"
	"time"

	"github.com/gomlx/gemmthunk/pkg/core/dtypes"
	"github.com/gomlx/gemmthunk/pkg/device"
	"github.com/pkg/errors"
)

// Transpose tells whether an operand is used as stored or transposed.
type Transpose int

const (
	NoTranspose Transpose = iota
	Trans
)

// TransposeFrom converts a boolean "needs transpose" flag.
func TransposeFrom(transpose bool) Transpose {
	if transpose {
		return Trans
	}
	return NoTranspose
}

// String implements fmt.Stringer.
func (t Transpose) String() string {
	if t == Trans {
		return "T"
	}
	return "N"
}

// ComputationType is the precision used to perform the multiply-accumulate, separately from the precision
// of the inputs and the result.
type ComputationType int

const (
	ComputationF16 ComputationType = iota
	ComputationF32
	ComputationF64
	ComputationI32
	ComputationComplexF32
	ComputationComplexF64
)

var computationTypeNames = [...]string{"F16", "F32", "F64", "I32", "ComplexF32", "ComplexF64"}

// String implements fmt.Stringer.
func (ct ComputationType) String() string {
	if ct < 0 || int(ct) >= len(computationTypeNames) {
		return fmt.Sprintf("ComputationType(%d)", int(ct))
	}
	return computationTypeNames[ct]
}

// ErrUnsupportedElementType is returned when a dtype has no BLAS computation type.
var ErrUnsupportedElementType = errors.New("unsupported element type for GEMM")

// ComputationTypeFor maps an element type to the computation type used by GEMM.
//
// Float16 is computed in float32: only the "pseudo half" configuration is implemented for half precision.
func ComputationTypeFor(dtype dtypes.DType) (ComputationType, error) {
	switch dtype {
	case dtypes.Float16:
		return ComputationF32, nil
	case dtypes.Float32:
		return ComputationF32, nil
	case dtypes.Float64:
		return ComputationF64, nil
	case dtypes.Complex64:
		return ComputationComplexF32, nil
	case dtypes.Complex128:
		return ComputationComplexF64, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedElementType, "dtype %s", dtype)
	}
}

// AlgorithmType identifies one of the GEMM algorithm variants exposed by a backend.
type AlgorithmType int64

// NoAlgorithm means no specific algorithm was requested: the backend picks its default.
const NoAlgorithm AlgorithmType = -1

// ProfileResult is filled by the backend when an algorithm-selected call completes on the stream.
// It must only be read after the stream reached the call (e.g. after Stream.BlockHostUntilDone).
type ProfileResult struct {
	valid     bool
	algorithm AlgorithmType
	elapsed   time.Duration
}

// IsValid returns whether the profiled call completed successfully.
func (r *ProfileResult) IsValid() bool { return r.valid }

// Algorithm that was profiled.
func (r *ProfileResult) Algorithm() AlgorithmType { return r.algorithm }

// Elapsed time of the call on the stream.
func (r *ProfileResult) Elapsed() time.Duration { return r.elapsed }

// Set marks the result as valid with the given measurement. Used by backends.
func (r *ProfileResult) Set(algorithm AlgorithmType, elapsed time.Duration) {
	r.valid = true
	r.algorithm = algorithm
	r.elapsed = elapsed
}

// Invalidate marks the result as not valid. Used by backends.
func (r *ProfileResult) Invalidate(algorithm AlgorithmType) {
	r.valid = false
	r.algorithm = algorithm
	r.elapsed = 0
}

// String implements fmt.Stringer.
func (r *ProfileResult) String() string {
	if !r.valid {
		return fmt.Sprintf("profile(algorithm=%d, invalid)", r.algorithm)
	}
	return fmt.Sprintf("profile(algorithm=%d, %s)", r.algorithm, r.elapsed)
}

// StridedBatch describes the batch of a strided-batched call: operand i of batch element b starts
// b*Stride elements after the operand's first element.
type StridedBatch struct {
	StrideA, StrideB, StrideC int
	Count                     int
}

// Backend is the API a batched BLAS implementation provides to GEMM execution.
type Backend interface {
	// Name returns the short name of the backend.
	Name() string

	// Gemm enqueues C = alpha * op(A) * op(B) + beta * C.
	Gemm(stream *device.Stream, call Call) error

	// GemmStridedBatched enqueues batch.Count independent GEMMs whose operands are batch.Stride* elements apart.
	GemmStridedBatched(stream *device.Stream, call Call, batch StridedBatch) error

	// GemmWithAlgorithm enqueues a GEMM using the given algorithm and computation type.
	// If result is not nil, it is filled when the call completes on the stream.
	GemmWithAlgorithm(stream *device.Stream, call Call, computationType ComputationType, algorithm AlgorithmType, result *ProfileResult) error

	// GemmAlgorithms lists the algorithm variants that can be passed to GemmWithAlgorithm.
	GemmAlgorithms() []AlgorithmType
}
