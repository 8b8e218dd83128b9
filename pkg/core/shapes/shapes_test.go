// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gemmthunk/pkg/core/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, shape1.Memory())
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())
	require.Panics(t, func() { _ = Make(dtypes.Float32, 2, 0) })
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 2, shape.Dim(-1))
	require.Equal(t, 4, shape.Dim(-3))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestLayout(t *testing.T) {
	rowMajor := Make(dtypes.Float64, 5, 2, 3)
	require.Equal(t, []int{2, 1, 0}, rowMajor.MinorToMajor())
	require.Equal(t, 2, rowMajor.Minor(0))
	require.Equal(t, 0, rowMajor.Minor(2))

	colMajor := rowMajor.WithLayout(1, 2, 0)
	require.Equal(t, 1, colMajor.Minor(0))
	require.Equal(t, "(Float64)[5 2 3]{[1 2 0]}", colMajor.String())
	require.False(t, rowMajor.Equal(colMajor))
	require.True(t, rowMajor.Equal(rowMajor.WithLayout(2, 1, 0)))
	require.Equal(t, "(Float64)[5 2 3]", rowMajor.WithLayout(2, 1, 0).String())

	require.Panics(t, func() { _ = rowMajor.WithLayout(0, 0, 1) })
	require.Panics(t, func() { _ = rowMajor.WithLayout(0, 1) })
	require.Error(t, Shape{DType: dtypes.Float32, Dimensions: []int{2, 2}, Layout: []int{0, 2}}.CheckLayout())
}
