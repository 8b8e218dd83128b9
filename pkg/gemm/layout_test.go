// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"testing"

	"github.com/gomlx/gemmthunk/pkg/blas"
	"github.com/gomlx/gemmthunk/pkg/core/dtypes"
	"github.com/gomlx/gemmthunk/pkg/core/shapes"
	"github.com/gomlx/gemmthunk/pkg/device"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zeroMemory allocates zero-filled memory for the shape.
func zeroMemory(shape shapes.Shape) device.Memory {
	return must.M1(device.NewBuffer(shape.DType, shape.Size())).Memory()
}

func resolveFor(t *testing.T, lhs, rhs, out shapes.Shape, dims DotDimensionNumbers) (lhsM, rhsM, outM MatrixDescriptor) {
	cfg, err := NewConfig(lhs, rhs, out, dims, 1, 0, 0, blas.NoAlgorithm)
	require.NoError(t, err)
	return ResolveLayout(cfg, zeroMemory(lhs), zeroMemory(rhs), zeroMemory(out))
}

func TestResolveLayoutColumnMajor(t *testing.T) {
	f32 := dtypes.Float32
	// All column-major, lhs [4, 3] x rhs [3, 5] -> [4, 5].
	lhsM, rhsM, outM := resolveFor(t,
		matrixShape(f32, false, 4, 3), matrixShape(f32, false, 3, 5), matrixShape(f32, false, 4, 5), matmulDims(0))
	assert.Equal(t, MatrixDescriptor{Data: lhsM.Data, NumRows: 4, NumCols: 3}, lhsM)
	assert.Equal(t, MatrixDescriptor{Data: rhsM.Data, NumRows: 3, NumCols: 5}, rhsM)
	assert.False(t, outM.Transpose)
	assert.Equal(t, 4, outM.NumRows)
	assert.Equal(t, 5, outM.NumCols)
	assert.Equal(t, 12, lhsM.Stride())

	// Same orientation everywhere: the transposes are exactly the ones from the contracting dimensions.
	lhsM, rhsM, outM = resolveFor(t,
		matrixShape(f32, false, 3, 4), matrixShape(f32, false, 5, 3), matrixShape(f32, false, 4, 5),
		DotDimensionNumbers{LHSContractingDimensions: []int{0}, RHSContractingDimensions: []int{1}})
	assert.True(t, lhsM.Transpose)
	assert.True(t, rhsM.Transpose)
	assert.Equal(t, 3, lhsM.NumRows)
	assert.Equal(t, 4, lhsM.NumCols)
	assert.Equal(t, 5, rhsM.NumRows)
	assert.Equal(t, 3, rhsM.NumCols)
	assert.False(t, outM.Transpose)
	assert.Equal(t, 4, outM.NumRows)
}

func TestResolveLayoutRowMajorOutput(t *testing.T) {
	f32 := dtypes.Float32
	lhs, rhs, out := shapes.Make(f32, 4, 3), shapes.Make(f32, 3, 5), shapes.Make(f32, 4, 5)
	cfg, err := NewConfig(lhs, rhs, out, matmulDims(0), 1, 0, 0, blas.NoAlgorithm)
	require.NoError(t, err)
	lhsMem, rhsMem, outMem := zeroMemory(lhs), zeroMemory(rhs), zeroMemory(out)
	lhsM, rhsM, outM := ResolveLayout(cfg, lhsMem, rhsMem, outMem)

	// Roles are swapped: row-major(lhs x rhs) = column-major(rhsᵗ x lhsᵗ).
	assert.Equal(t, rhsMem, lhsM.Data)
	assert.Equal(t, lhsMem, rhsM.Data)
	assert.Equal(t, outMem, outM.Data)
	assert.False(t, lhsM.Transpose)
	assert.False(t, rhsM.Transpose)
	assert.Equal(t, 5, lhsM.NumRows)
	assert.Equal(t, 3, lhsM.NumCols)
	assert.Equal(t, 3, rhsM.NumRows)
	assert.Equal(t, 4, rhsM.NumCols)
	assert.Equal(t, 5, outM.NumRows)
	assert.Equal(t, 4, outM.NumCols)
	assert.False(t, outM.Transpose)
}

func TestResolveLayoutMixed(t *testing.T) {
	f32 := dtypes.Float32
	// Column-major output, row-major rhs: rhs is stored as its transpose.
	lhsM, rhsM, outM := resolveFor(t,
		matrixShape(f32, false, 4, 3), matrixShape(f32, true, 3, 5), matrixShape(f32, false, 4, 5), matmulDims(0))
	assert.False(t, lhsM.Transpose)
	assert.True(t, rhsM.Transpose)
	assert.Equal(t, 5, rhsM.NumRows)
	assert.Equal(t, 3, rhsM.NumCols)
	assert.Equal(t, 4, outM.NumRows)

	// Batched, with a row-major output and a column-major lhs.
	lhsM, rhsM, outM = resolveFor(t,
		matrixShape(f32, false, 2, 4, 3), matrixShape(f32, true, 2, 3, 5), matrixShape(f32, true, 2, 4, 5), matmulDims(1))
	// lhs slot is the original rhs (same orientation as the output).
	assert.False(t, lhsM.Transpose)
	assert.Equal(t, 5, lhsM.NumRows)
	assert.Equal(t, 3, lhsM.NumCols)
	// rhs slot is the original lhs, stored column-major: transposed relative to the output.
	assert.True(t, rhsM.Transpose)
	assert.Equal(t, 4, rhsM.NumRows)
	assert.Equal(t, 3, rhsM.NumCols)
	assert.Equal(t, 5, outM.NumRows)
	assert.Equal(t, 4, outM.NumCols)
	assert.Equal(t, 20, outM.Stride())
}

func TestMatrixDescriptorStride(t *testing.T) {
	m := MatrixDescriptor{NumRows: 4, NumCols: 3}
	require.Equal(t, 12, m.Stride())
	require.Equal(t, "[4 x 3]", m.String())
	m.Transpose = true
	require.Equal(t, "[4 x 3]ᵗ", m.String())
}
