// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package packed implements a cache-blocked GEMM for column-major matrices.
//
// Operands are copied ("packed") into contiguous panels sized to fit the L1/L2/L3 caches, and a
// register-blocked micro-kernel accumulates one [KernelRows, KernelCols] tile of the output at a time.
// Output columns are split among the goroutines of a workerspool.Pool.
package packed

import (
	"github.com/gomlx/gemmthunk/internal/workerspool"
	"golang.org/x/exp/constraints"
)

// Number is the set of element types supported by the packed kernel.
type Number interface {
	constraints.Float
}

// CacheParams holds the block sizes of the kernel.
type CacheParams struct {
	KernelRows int // Mr: rows of op(A) held in registers. Must be 8.
	KernelCols int // Nr: columns of op(B) held in registers. Must be 8.

	PanelContractingSize int // Kc: L1 block depth.
	LHSPanelRows         int // Mc: L2 block height.
	RHSPanelCols         int // Nc: L3 block width.
}

// DefaultParams assume "standard" modern cache sizes.
var DefaultParams = CacheParams{
	KernelRows:           8,
	KernelCols:           8,
	PanelContractingSize: 256,
	LHSPanelRows:         64,
	RHSPanelCols:         512,
}

// minColumnsPerWorker below which columns are not split further among workers.
var minColumnsPerWorker = 32

// Matrix is a column-major matrix view: element (i, j) is Data[i + j*LD], or Data[j + i*LD] if Transposed.
type Matrix[T Number] struct {
	Data       []T
	LD         int
	Transposed bool
}

func (x Matrix[T]) at(row, col int) T {
	if x.Transposed {
		return x.Data[col+row*x.LD]
	}
	return x.Data[row+col*x.LD]
}

// Gemm computes c = alpha * a * b + beta * c, where a is [m, k], b is [k, n] and c is a column-major
// [m, n] matrix with leading dimension ldc.
//
// If beta is 0, c is not read. If pool is nil, everything runs on the calling goroutine.
// Dimensions and leading dimensions are assumed to have been validated by the caller.
func Gemm[T Number](m, n, k int, alpha T, a, b Matrix[T], beta T, c []T, ldc int, pool *workerspool.Pool) {
	if m == 0 || n == 0 {
		return
	}
	if k == 0 {
		scaleOutput(beta, c, ldc, m, 0, n)
		return
	}
	params := DefaultParams
	chunk := func(colStart, colEnd int) {
		gemmChunk(alpha, beta, a, b, c, ldc, m, k, params, colStart, colEnd)
	}
	if pool == nil {
		chunk(0, n)
		return
	}
	pool.ParallelRange(n, minColumnsPerWorker, chunk)
}

func scaleOutput[T Number](beta T, c []T, ldc, m, colStart, colEnd int) {
	for col := colStart; col < colEnd; col++ {
		column := c[col*ldc : col*ldc+m]
		if beta == 0 {
			clear(column)
			continue
		}
		for ii := range column {
			column[ii] *= beta
		}
	}
}

// gemmChunk computes the output columns [colStart, colEnd).
func gemmChunk[T Number](alpha, beta T, a, b Matrix[T], c []T, ldc, m, k int,
	params CacheParams, colStart, colEnd int) {
	packedLHS := make([]T, roundUp(params.LHSPanelRows, params.KernelRows)*params.PanelContractingSize)
	packedRHS := make([]T, params.PanelContractingSize*roundUp(params.RHSPanelCols, params.KernelCols))
	var accum [64]T

	// Loop 5 (jc): output columns.
	for rhsPanelCol := colStart; rhsPanelCol < colEnd; rhsPanelCol += params.RHSPanelCols {
		rhsPanelWidth := min(params.RHSPanelCols, colEnd-rhsPanelCol)

		// Loop 4 (p): contracting dimension.
		for contractingPanel := 0; contractingPanel < k; contractingPanel += params.PanelContractingSize {
			effectiveBeta := beta
			if contractingPanel > 0 {
				effectiveBeta = 1
			}
			depth := min(params.PanelContractingSize, k-contractingPanel)
			packRHS(b, packedRHS, contractingPanel, rhsPanelCol, depth, rhsPanelWidth, params.KernelCols)

			// Loop 3 (ic): output rows.
			for lhsPanelRow := 0; lhsPanelRow < m; lhsPanelRow += params.LHSPanelRows {
				lhsPanelHeight := min(params.LHSPanelRows, m-lhsPanelRow)
				packLHS(a, packedLHS, lhsPanelRow, contractingPanel, lhsPanelHeight, depth, params.KernelRows)

				// Loop 2 (jr): micro-kernel columns.
				for microCol := 0; microCol < rhsPanelWidth; microCol += params.KernelCols {
					activeCols := min(params.KernelCols, rhsPanelWidth-microCol)
					offsetRHS := (microCol / params.KernelCols) * (depth * params.KernelCols)

					// Loop 1 (ir): micro-kernel rows.
					for microRow := 0; microRow < lhsPanelHeight; microRow += params.KernelRows {
						activeRows := min(params.KernelRows, lhsPanelHeight-microRow)
						offsetLHS := (microRow / params.KernelRows) * (depth * params.KernelRows)
						microKernel(alpha, effectiveBeta,
							packedLHS[offsetLHS:], packedRHS[offsetRHS:], &accum,
							c, ldc, lhsPanelRow+microRow, rhsPanelCol+microCol,
							params.KernelRows, params.KernelCols, depth, activeRows, activeCols)
					}
				}
			}
		}
	}
}

func roundUp(n, multiple int) int {
	return (n + multiple - 1) / multiple * multiple
}

// packRHS packs the [depth, width] block of b starting at (rowStart, colStart) into vertical strips
// of kernelCols columns, stored k-major. Incomplete strips are zero-padded.
func packRHS[T Number](b Matrix[T], dst []T, rowStart, colStart, depth, width, kernelCols int) {
	dstIdx := 0
	for stripCol := 0; stripCol < width; stripCol += kernelCols {
		validCols := min(kernelCols, width-stripCol)
		for row := range depth {
			for col := range validCols {
				dst[dstIdx+col] = b.at(rowStart+row, colStart+stripCol+col)
			}
			for col := validCols; col < kernelCols; col++ {
				dst[dstIdx+col] = 0
			}
			dstIdx += kernelCols
		}
	}
}

// packLHS packs the [height, depth] block of a starting at (rowStart, colStart) into horizontal strips
// of kernelRows rows, stored k-major. Incomplete strips are zero-padded.
func packLHS[T Number](a Matrix[T], dst []T, rowStart, colStart, height, depth, kernelRows int) {
	dstIdx := 0
	for stripRow := 0; stripRow < height; stripRow += kernelRows {
		validRows := min(kernelRows, height-stripRow)
		for col := range depth {
			for row := range validRows {
				dst[dstIdx+row] = a.at(rowStart+stripRow+row, colStart+col)
			}
			for row := validRows; row < kernelRows; row++ {
				dst[dstIdx+row] = 0
			}
			dstIdx += kernelRows
		}
	}
}

// microKernel updates one [kernelRows, kernelCols] tile of the output from the packed strips.
// Only the [activeRows, activeCols] top-left part of the tile is written.
func microKernel[T Number](
	alpha, beta T,
	lhsPack, rhsPack []T,
	accum *[64]T,
	c []T, ldc int,
	outputRow, outputCol int,
	kernelRows, kernelCols int,
	depth int,
	activeRows, activeCols int,
) {
	for ii := range *accum {
		(*accum)[ii] = 0
	}

	idxLHS, idxRHS := 0, 0
	for range depth {
		lhsWindow := lhsPack[idxLHS : idxLHS+kernelRows]
		rhsWindow := rhsPack[idxRHS : idxRHS+kernelCols]
		for col := 0; col+1 < kernelCols; col += 2 {
			rhsV0 := rhsWindow[col]
			rhsV1 := rhsWindow[col+1]
			base0 := col * kernelRows
			base1 := base0 + kernelRows
			for row := 0; row < kernelRows; row += 4 {
				lhsV0, lhsV1, lhsV2, lhsV3 := lhsWindow[row], lhsWindow[row+1], lhsWindow[row+2], lhsWindow[row+3]
				(*accum)[base0+row] += lhsV0 * rhsV0
				(*accum)[base0+row+1] += lhsV1 * rhsV0
				(*accum)[base0+row+2] += lhsV2 * rhsV0
				(*accum)[base0+row+3] += lhsV3 * rhsV0
				(*accum)[base1+row] += lhsV0 * rhsV1
				(*accum)[base1+row+1] += lhsV1 * rhsV1
				(*accum)[base1+row+2] += lhsV2 * rhsV1
				(*accum)[base1+row+3] += lhsV3 * rhsV1
			}
		}
		idxLHS += kernelRows
		idxRHS += kernelCols
	}

	// Accumulators are column-major, like the output.
	for col := range activeCols {
		res := (*accum)[col*kernelRows : col*kernelRows+activeRows]
		outStart := outputRow + (outputCol+col)*ldc
		out := c[outStart : outStart+activeRows]
		switch {
		case alpha == 1 && beta == 0:
			copy(out, res)
		case beta == 0:
			for ii, v := range res {
				out[ii] = alpha * v
			}
		default:
			for ii, v := range res {
				out[ii] = alpha*v + beta*out[ii]
			}
		}
	}
}
