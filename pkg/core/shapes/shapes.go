// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape: the dtype, dimensions and physical layout of a device buffer.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a buffer.
//   - Axis: the index of a dimension. Here we try to refer to a dimension index as "axis"
//     (plural axes), and its size as its dimension.
//   - Layout: the physical storage order of the axes, given as a minor-to-major list: Layout[0] is
//     the axis that varies fastest in linear memory. An empty layout means the default row-major
//     layout, where the last axis is the minor-most.
//
// Example: `shapes.Make(dtypes.Float32, 2, 3)` is a row-major 2x3 matrix (layout {1, 0}), and
// `shapes.Make(dtypes.Float32, 2, 3).WithLayout(0, 1)` is the same logical matrix stored column-major.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gemmthunk/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Shape represents the shape and storage layout of a buffer.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int

	// Layout is the minor-to-major order of the axes. If empty the default (row-major) layout is assumed.
	Layout []int
}

// Make returns a Shape structure filled with the values given, with the default row-major layout.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// WithLayout returns a copy of the shape with the given minor-to-major layout.
// It panics if minorToMajor is not a permutation of the axes.
func (s Shape) WithLayout(minorToMajor ...int) Shape {
	s2 := s.Clone()
	s2.Layout = slices.Clone(minorToMajor)
	if err := s2.CheckLayout(); err != nil {
		panic(err)
	}
	return s2
}

// Invalid returns an invalid shape.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used to store a buffer of this shape.
func (s Shape) Memory() int {
	return s.DType.Size() * s.Size()
}

// MinorToMajor returns the layout as a minor-to-major list of axes, materializing the default
// row-major layout if none was given.
func (s Shape) MinorToMajor() []int {
	if len(s.Layout) > 0 {
		return slices.Clone(s.Layout)
	}
	rank := s.Rank()
	layout := make([]int, rank)
	for ii := range layout {
		layout[ii] = rank - 1 - ii
	}
	return layout
}

// Minor returns the axis that is the i-th most minor in the physical layout: Minor(0) is the axis that varies fastest.
func (s Shape) Minor(i int) int {
	if i < 0 || i >= s.Rank() {
		exceptions.Panicf("Shape.Minor(%d) out-of-bounds for rank %d (shape=%s)", i, s.Rank(), s)
	}
	if len(s.Layout) > 0 {
		return s.Layout[i]
	}
	return s.Rank() - 1 - i
}

// CheckLayout returns an error if the layout is not empty and not a permutation of the axes.
func (s Shape) CheckLayout() error {
	if len(s.Layout) == 0 {
		return nil
	}
	if len(s.Layout) != s.Rank() {
		return errors.Errorf("layout %v has %d axes, but shape %s has rank %d", s.Layout, len(s.Layout), s, s.Rank())
	}
	seen := make([]bool, s.Rank())
	for _, axis := range s.Layout {
		if axis < 0 || axis >= s.Rank() || seen[axis] {
			return errors.Errorf("layout %v is not a permutation of the axes of shape %s", s.Layout, s)
		}
		seen[axis] = true
	}
	return nil
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{
		DType:      s.DType,
		Dimensions: slices.Clone(s.Dimensions),
		Layout:     slices.Clone(s.Layout),
	}
}

// Equal compares two shapes for equality: dtype, dimensions and the (materialized) layout are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType &&
		slices.Equal(s.Dimensions, s2.Dimensions) &&
		slices.Equal(s.MinorToMajor(), s2.MinorToMajor())
}

// String implements stringer, pretty-prints the shape.
// The layout is only printed if it is not the default.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	if len(s.Layout) == 0 || slices.Equal(s.Layout, Shape{Dimensions: s.Dimensions}.MinorToMajor()) {
		return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
	}
	return fmt.Sprintf("(%s)%v{%v}", s.DType, s.Dimensions, s.Layout)
}
