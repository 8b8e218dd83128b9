// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"fmt"
	"slices"

	"github.com/gomlx/gemmthunk/pkg/blas"
	"github.com/gomlx/gemmthunk/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// DotDimensionNumbers describes which axes of the operands are batch and contracting axes.
//
// Batch axes must be the leading axes of each operand, in the same order, and there must be exactly
// one contracting axis per operand, one of the last two.
type DotDimensionNumbers struct {
	LHSBatchDimensions, RHSBatchDimensions             []int
	LHSContractingDimensions, RHSContractingDimensions []int
}

// Config describes one (optionally batched) GEMM:
//
//	output[b..., i, j] = Alpha * sum_k(lhs[b..., i, k] * rhs[b..., k, j]) + Beta * output[b..., i, j]
//
// where the position of the contracting axis k in lhs and rhs is given by Dims, and the storage
// layout of each operand by its shape.
//
// Create it with NewConfig, and don't change it afterwards.
type Config struct {
	LHS, RHS, Output shapes.Shape
	Dims             DotDimensionNumbers
	Alpha, Beta      float64

	// BatchSize is the number of matrix products, the product of the batch dimensions.
	BatchSize int

	// Algorithm is a fixed algorithm to use, or blas.NoAlgorithm.
	Algorithm blas.AlgorithmType
}

// NewConfig validates and returns a GEMM configuration.
//
// The output shape must be [batch dims..., lhs non-contracting, rhs non-contracting], and the last two
// axes of each of the three shapes must be their two minor-most axes (row-major or column-major matrices).
//
// If batchSize is 0 it is derived from the output shape. If algorithm is not blas.NoAlgorithm,
// batch size must be 1.
//
// Errors wrap ErrConfigValidation or ErrUnsupportedElementType.
func NewConfig(lhs, rhs, output shapes.Shape, dims DotDimensionNumbers, alpha, beta float64,
	batchSize int, algorithm blas.AlgorithmType) (*Config, error) {
	cfg := &Config{
		LHS:       lhs.Clone(),
		RHS:       rhs.Clone(),
		Output:    output.Clone(),
		Dims:      cloneDims(dims),
		Alpha:     alpha,
		Beta:      beta,
		BatchSize: batchSize,
		Algorithm: algorithm,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = cfg.batchDimsSize()
	}
	return cfg, nil
}

func cloneDims(dims DotDimensionNumbers) DotDimensionNumbers {
	return DotDimensionNumbers{
		LHSBatchDimensions:       slices.Clone(dims.LHSBatchDimensions),
		RHSBatchDimensions:       slices.Clone(dims.RHSBatchDimensions),
		LHSContractingDimensions: slices.Clone(dims.LHSContractingDimensions),
		RHSContractingDimensions: slices.Clone(dims.RHSContractingDimensions),
	}
}

// NumBatchDims returns the number of batch dimensions.
func (cfg *Config) NumBatchDims() int { return len(cfg.Dims.LHSBatchDimensions) }

// RowDim returns the axis of the matrix rows: the first axis after the batch axes.
func (cfg *Config) RowDim() int { return cfg.NumBatchDims() }

// ColDim returns the axis of the matrix columns.
func (cfg *Config) ColDim() int { return cfg.NumBatchDims() + 1 }

// HasFixedAlgorithm returns whether a specific algorithm was requested.
func (cfg *Config) HasFixedAlgorithm() bool { return cfg.Algorithm != blas.NoAlgorithm }

func (cfg *Config) batchDimsSize() int {
	size := 1
	for _, dim := range cfg.Output.Dimensions[:cfg.NumBatchDims()] {
		size *= dim
	}
	return size
}

// String implements fmt.Stringer.
func (cfg *Config) String() string {
	alg := "auto"
	if cfg.HasFixedAlgorithm() {
		alg = fmt.Sprintf("%d", cfg.Algorithm)
	}
	return fmt.Sprintf("gemm(lhs=%s, rhs=%s, output=%s, batch=%d, contracting=(%v, %v), alpha=%g, beta=%g, algorithm=%s)",
		cfg.LHS, cfg.RHS, cfg.Output, cfg.BatchSize, cfg.Dims.LHSContractingDimensions, cfg.Dims.RHSContractingDimensions,
		cfg.Alpha, cfg.Beta, alg)
}

func (cfg *Config) validate() error {
	operands := []struct {
		name  string
		shape shapes.Shape
	}{{"lhs", cfg.LHS}, {"rhs", cfg.RHS}, {"output", cfg.Output}}
	for _, op := range operands {
		if !op.shape.Ok() {
			return invalidConfigf("%s shape is invalid", op.name)
		}
		if err := op.shape.CheckLayout(); err != nil {
			return errors.WithMessagef(invalidConfigf("%s shape %s", op.name, op.shape), "%v", err)
		}
	}
	dtype := cfg.Output.DType
	if cfg.LHS.DType != dtype || cfg.RHS.DType != dtype {
		return invalidConfigf("element types of lhs (%s), rhs (%s) and output (%s) must match",
			cfg.LHS.DType, cfg.RHS.DType, dtype)
	}
	if _, err := blas.ComputationTypeFor(dtype); err != nil {
		return err
	}

	if cfg.Alpha == 0 {
		return invalidConfigf("alpha must be != 0")
	}
	if cfg.Algorithm < blas.NoAlgorithm {
		return invalidConfigf("invalid algorithm %d", cfg.Algorithm)
	}
	if cfg.BatchSize < 0 {
		return invalidConfigf("invalid batch size %d", cfg.BatchSize)
	}
	if cfg.HasFixedAlgorithm() && cfg.BatchSize != 1 {
		return invalidConfigf("a fixed algorithm (%d) requires batch size 1, got %d", cfg.Algorithm, cfg.BatchSize)
	}

	// Batch dimensions: the leading axes of all operands.
	dims := cfg.Dims
	numBatch := len(dims.LHSBatchDimensions)
	if len(dims.RHSBatchDimensions) != numBatch {
		return invalidConfigf("lhs has %d batch dimensions, rhs has %d", numBatch, len(dims.RHSBatchDimensions))
	}
	rowDim, colDim := numBatch, numBatch+1
	for _, op := range operands {
		if op.shape.Rank() != numBatch+2 {
			return invalidConfigf("%s shape %s must have rank %d (%d batch dimensions + 2)",
				op.name, op.shape, numBatch+2, numBatch)
		}
	}
	for _, batchDims := range [][]int{dims.LHSBatchDimensions, dims.RHSBatchDimensions} {
		if len(lo.Uniq(batchDims)) != len(batchDims) {
			return invalidConfigf("repeated batch dimensions %v", batchDims)
		}
		for _, dim := range batchDims {
			if dim == rowDim || dim == colDim {
				return invalidConfigf("batch dimensions %v cannot include the matrix dimensions %d and %d",
					batchDims, rowDim, colDim)
			}
			if dim < 0 || dim >= numBatch {
				return invalidConfigf("batch dimension %d out of range, batch dimensions must be the leading axes", dim)
			}
		}
	}
	for ii := range numBatch {
		if dims.LHSBatchDimensions[ii] != ii || dims.RHSBatchDimensions[ii] != ii {
			return invalidConfigf("batch dimensions lhs=%v, rhs=%v must be the leading axes in order",
				dims.LHSBatchDimensions, dims.RHSBatchDimensions)
		}
		lhsDim := cfg.LHS.Dimensions[dims.LHSBatchDimensions[ii]]
		rhsDim := cfg.RHS.Dimensions[dims.RHSBatchDimensions[ii]]
		outDim := cfg.Output.Dimensions[ii]
		if lhsDim != rhsDim || lhsDim != outDim {
			return invalidConfigf("batch dimension #%d has mismatched sizes: lhs=%d, rhs=%d, output=%d",
				ii, lhsDim, rhsDim, outDim)
		}
	}
	if batchDimsSize := cfg.batchDimsSize(); cfg.BatchSize != 0 && cfg.BatchSize != batchDimsSize {
		return invalidConfigf("batch size %d doesn't match the batch dimensions of the output %s (%d)",
			cfg.BatchSize, cfg.Output, batchDimsSize)
	} else if cfg.HasFixedAlgorithm() && batchDimsSize != 1 {
		return invalidConfigf("a fixed algorithm (%d) requires batch size 1, got %d", cfg.Algorithm, batchDimsSize)
	}

	// Contracting dimensions.
	contracting := []struct {
		name string
		dims []int
	}{{"lhs", dims.LHSContractingDimensions}, {"rhs", dims.RHSContractingDimensions}}
	for _, c := range contracting {
		if len(c.dims) != 1 {
			return invalidConfigf("%s must have exactly one contracting dimension, got %v", c.name, c.dims)
		}
		if c.dims[0] != rowDim && c.dims[0] != colDim {
			return invalidConfigf("%s contracting dimension %d must be one of the matrix dimensions %d or %d",
				c.name, c.dims[0], rowDim, colDim)
		}
	}
	lhsContracting, rhsContracting := dims.LHSContractingDimensions[0], dims.RHSContractingDimensions[0]
	if cfg.LHS.Dimensions[lhsContracting] != cfg.RHS.Dimensions[rhsContracting] {
		return invalidConfigf("contracting dimensions of lhs %s (axis %d) and rhs %s (axis %d) don't match",
			cfg.LHS, lhsContracting, cfg.RHS, rhsContracting)
	}
	lhsCross := cfg.LHS.Dimensions[rowDim+colDim-lhsContracting]
	rhsCross := cfg.RHS.Dimensions[rowDim+colDim-rhsContracting]
	if cfg.Output.Dimensions[rowDim] != lhsCross || cfg.Output.Dimensions[colDim] != rhsCross {
		return invalidConfigf("output %s must have matrix dimensions [%d, %d], from lhs %s and rhs %s",
			cfg.Output, lhsCross, rhsCross, cfg.LHS, cfg.RHS)
	}

	// The matrix dimensions must be minor-most.
	for _, op := range operands {
		minors := []int{op.shape.Minor(0), op.shape.Minor(1)}
		if !lo.ElementsMatch(minors, []int{rowDim, colDim}) {
			return invalidConfigf("%s layout %v: the matrix dimensions %d and %d must be the minor-most",
				op.name, op.shape.MinorToMajor(), rowDim, colDim)
		}
	}

	// Batched matrices are paired by their position in storage.
	outBatchOrder := cfg.Output.MinorToMajor()[2:]
	for _, op := range operands[:2] {
		if !slices.Equal(op.shape.MinorToMajor()[2:], outBatchOrder) {
			return invalidConfigf("%s layout %v: batch dimensions must be stored in the same order as the output's %v",
				op.name, op.shape.MinorToMajor(), cfg.Output.MinorToMajor())
		}
	}
	return nil
}
