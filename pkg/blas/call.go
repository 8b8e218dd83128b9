// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blas

import (
	"fmt"

	"github.com/gomlx/gemmthunk/pkg/core/dtypes"
	"github.com/gomlx/gemmthunk/pkg/device"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Element enumerates the Go types of the element kinds GEMM supports.
type Element interface {
	float16.Float16 | float32 | float64 | complex64 | complex128
}

// FromFloat64 converts a real scalar (alpha or beta) to the element type T.
func FromFloat64[T Element](v float64) T {
	var result T
	switch p := any(&result).(type) {
	case *float16.Float16:
		*p = float16.Fromfloat32(float32(v))
	case *float32:
		*p = float32(v)
	case *float64:
		*p = v
	case *complex64:
		*p = complex(float32(v), 0)
	case *complex128:
		*p = complex(v, 0)
	}
	return result
}

// Call is a GEMM call for one of the supported element kinds: it is always a *GemmCall[T] for some
// T in Element, so backends dispatch on it with a type switch.
type Call interface {
	// ElementType of the operands.
	ElementType() dtypes.DType

	// Dims returns the dimensions of the product: op(A) is m x k, op(B) is k x n, and C is m x n.
	Dims() (m, n, k int)

	// Validate checks the call parameters against the memory given for each operand, assuming
	// the batch described (use StridedBatch{Count: 1} for a single GEMM).
	Validate(batch StridedBatch) error

	fmt.Stringer

	isGemmCall()
}

// GemmCall holds the parameters of C = alpha * op(A) * op(B) + beta * C, in column-major convention.
type GemmCall[T Element] struct {
	TransA, TransB Transpose
	M, N, K        int
	Alpha, Beta    T

	A, B, C       device.Memory
	LDA, LDB, LDC int
}

var (
	_ Call = &GemmCall[float32]{}
	_ Call = &GemmCall[float16.Float16]{}
	_ Call = &GemmCall[complex128]{}
)

func (c *GemmCall[T]) isGemmCall() {}

// ElementType implements Call.
func (c *GemmCall[T]) ElementType() dtypes.DType { return dtypes.FromGenericsType[T]() }

// Dims implements Call.
func (c *GemmCall[T]) Dims() (m, n, k int) { return c.M, c.N, c.K }

// String implements fmt.Stringer.
func (c *GemmCall[T]) String() string {
	return fmt.Sprintf("gemm<%s>(%s%s, m=%d, n=%d, k=%d, alpha=%v, lda=%d, ldb=%d, beta=%v, ldc=%d)",
		c.ElementType(), c.TransA, c.TransB, c.M, c.N, c.K, c.Alpha, c.LDA, c.LDB, c.Beta, c.LDC)
}

// WithOutput returns a copy of the call writing to the given output memory.
func (c *GemmCall[T]) WithOutput(output device.Memory) *GemmCall[T] {
	c2 := *c
	c2.C = output
	return &c2
}

// StoredDims returns the dimensions of a column-major operand as stored, given the dimensions of op(X) and
// its transposition.
func StoredDims(trans Transpose, opRows, opCols int) (rows, cols int) {
	if trans == Trans {
		return opCols, opRows
	}
	return opRows, opCols
}

// Validate implements Call.
func (c *GemmCall[T]) Validate(batch StridedBatch) error {
	if c.M < 0 || c.N < 0 || c.K < 0 {
		return errors.Errorf("%s: negative dimensions", c)
	}
	if batch.Count < 1 {
		return errors.Errorf("%s: batch count must be >= 1, got %d", c, batch.Count)
	}
	want := dtypes.FromGenericsType[T]()
	aRows, aCols := StoredDims(c.TransA, c.M, c.K)
	bRows, bCols := StoredDims(c.TransB, c.K, c.N)
	operands := []struct {
		name       string
		mem        device.Memory
		ld         int
		rows, cols int
		stride     int
	}{
		{"A", c.A, c.LDA, aRows, aCols, batch.StrideA},
		{"B", c.B, c.LDB, bRows, bCols, batch.StrideB},
		{"C", c.C, c.LDC, c.M, c.N, batch.StrideC},
	}
	for _, op := range operands {
		if op.mem.IsNil() {
			return errors.Errorf("%s: operand %s has nil memory", c, op.name)
		}
		if op.mem.DType() != want {
			return errors.Errorf("%s: operand %s memory has dtype %s", c, op.name, op.mem.DType())
		}
		if op.ld < max(1, op.rows) {
			return errors.Errorf("%s: leading dimension of %s (%d) must be >= max(1, %d)", c, op.name, op.ld, op.rows)
		}
		if op.rows == 0 || op.cols == 0 {
			continue
		}
		if batch.Count > 1 && op.stride < 0 {
			return errors.Errorf("%s: negative batch stride %d for operand %s", c, op.stride, op.name)
		}
		needed := (batch.Count-1)*op.stride + op.ld*(op.cols-1) + op.rows
		if op.mem.Len() < needed {
			return errors.Errorf("%s: operand %s needs %d elements for %d batch(es), memory has %d",
				c, op.name, needed, batch.Count, op.mem.Len())
		}
	}
	return nil
}
