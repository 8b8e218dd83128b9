// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"fmt"

	"github.com/gomlx/gemmthunk/pkg/core/shapes"
	"github.com/gomlx/gemmthunk/pkg/device"
)

// MatrixDescriptor describes one operand of a BLAS call, in the column-major convention.
type MatrixDescriptor struct {
	Data      device.Memory
	Transpose bool

	// NumRows and NumCols as stored: NumRows is also the leading dimension.
	NumRows, NumCols int
}

// Stride is the distance in elements between consecutive matrices of a strided batch.
func (m MatrixDescriptor) Stride() int { return m.NumRows * m.NumCols }

// String implements fmt.Stringer.
func (m MatrixDescriptor) String() string {
	t := ""
	if m.Transpose {
		t = "ᵗ"
	}
	return fmt.Sprintf("[%d x %d]%s", m.NumRows, m.NumCols, t)
}

// minorIndex returns 0 if the matrix part of the shape is column-major (the row dimension is the
// minor-most) or 1 if it is row-major.
func minorIndex(shape shapes.Shape, rowDim int) int {
	return shape.Minor(0) - rowDim
}

// ResolveLayout maps the three operands of the GEMM to column-major BLAS matrix descriptors.
//
// BLAS reduces the columns of the first operand with the rows of the second, while the logical
// dot product reduces the contracting axes given in cfg.Dims. An operand whose storage orientation
// differs from the output's is transposed, and the stored extents are reported as rows/cols.
//
// Since column-major(M) = row-major(Mᵗ), a row-major output is computed as
// row-major(A x B) = column-major(Bᵗ x Aᵗ): the lhs and rhs descriptors are swapped, as are the output's
// rows and columns. No memory is touched.
//
// The output descriptor is never transposed. It assumes cfg was validated by NewConfig.
func ResolveLayout(cfg *Config, lhs, rhs, output device.Memory) (lhsMatrix, rhsMatrix, outputMatrix MatrixDescriptor) {
	rowDim, colDim := cfg.RowDim(), cfg.ColDim()
	outputMinor := minorIndex(cfg.Output, rowDim)

	makeDescriptor := func(data device.Memory, shape shapes.Shape, transpose bool) MatrixDescriptor {
		minor := minorIndex(shape, rowDim)
		layoutMismatch := minor != outputMinor
		return MatrixDescriptor{
			Data:      data,
			Transpose: transpose != layoutMismatch,
			NumRows:   shape.Dimensions[rowDim+minor],
			NumCols:   shape.Dimensions[rowDim+1-minor],
		}
	}
	lhsMatrix = makeDescriptor(lhs, cfg.LHS, cfg.Dims.LHSContractingDimensions[0] == rowDim)
	rhsMatrix = makeDescriptor(rhs, cfg.RHS, cfg.Dims.RHSContractingDimensions[0] == colDim)

	outputMatrix = MatrixDescriptor{
		Data:    output,
		NumRows: cfg.Output.Dimensions[rowDim],
		NumCols: cfg.Output.Dimensions[colDim],
	}
	if outputMinor != 0 {
		lhsMatrix, rhsMatrix = rhsMatrix, lhsMatrix
		outputMatrix.NumRows, outputMatrix.NumCols = outputMatrix.NumCols, outputMatrix.NumRows
	}
	return
}
