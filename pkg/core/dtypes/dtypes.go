// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types that can be stored in device buffers.
//
// The numbering follows PJRT's PJRT_Buffer_Type (and XLA's PrimitiveType for the types listed here),
// so values can be exchanged with XLA based runtimes without translation.
//
// It also includes the generics constraints used by the GEMM dispatch (Supported, Float, Complex).
package dtypes

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is an enum represents the data type of a buffer or a scalar.
type DType int32

const (
	// InvalidDType is the zero value, used to mark a missing dtype.
	InvalidDType DType = 0

	// Bool holds two-state booleans.
	Bool DType = 1

	Int8  DType = 2
	Int16 DType = 3
	Int32 DType = 4
	Int64 DType = 5

	Uint8  DType = 6
	Uint16 DType = 7
	Uint32 DType = 8
	Uint64 DType = 9

	// Float16 is IEEE half-precision, see github.com/x448/float16.
	Float16 DType = 10
	Float32 DType = 11
	Float64 DType = 12

	// BFloat16 is the truncated 16 bits floating-point format: 1 bit sign, 8 bits exponent and 7 bits mantissa.
	// It is listed so configurations can name it, but there is no Go type bound to it here.
	BFloat16 DType = 13

	// Complex64 is a pair of float32 (real, imaginary).
	Complex64 DType = 14

	// Complex128 is a pair of float64 (real, imaginary).
	Complex128 DType = 15
)

// Aliases following XLA's naming.
const (
	F16  = Float16
	F32  = Float32
	F64  = Float64
	BF16 = BFloat16
	C64  = Complex64
	C128 = Complex128
	S32  = Int32
	S64  = Int64
	PRED = Bool
)

var names = map[DType]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Uint16:       "Uint16",
	Uint32:       "Uint32",
	Uint64:       "Uint64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	BFloat16:     "BFloat16",
	Complex64:    "Complex64",
	Complex128:   "Complex128",
}

// MapOfNames maps names (and lower-case names, and XLA short names) to their dtypes.
var MapOfNames = map[string]DType{
	"F16":  Float16,
	"F32":  Float32,
	"F64":  Float64,
	"BF16": BFloat16,
	"C64":  Complex64,
	"C128": Complex128,
	"S32":  Int32,
	"S64":  Int64,
	"PRED": Bool,
}

func init() {
	for dtype, name := range names {
		MapOfNames[name] = dtype
		MapOfNames[strings.ToLower(name)] = dtype
	}
	for name, dtype := range MapOfNames {
		lower := strings.ToLower(name)
		if _, found := MapOfNames[lower]; !found {
			MapOfNames[lower] = dtype
		}
	}
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := names[dtype]; found {
		return name
	}
	return fmt.Sprintf("DType(%d)", int32(dtype))
}

// Parse returns the DType for the given name: any of the names in MapOfNames.
func Parse(name string) (DType, error) {
	dtype, found := MapOfNames[name]
	if !found {
		dtype, found = MapOfNames[strings.ToLower(name)]
	}
	if !found {
		return InvalidDType, errors.Errorf("unknown dtype %q", name)
	}
	return dtype, nil
}

var (
	float16Type = reflect.TypeOf(float16.Float16(0))
	goTypes     = map[DType]reflect.Type{
		Bool:       reflect.TypeOf(false),
		Int8:       reflect.TypeOf(int8(0)),
		Int16:      reflect.TypeOf(int16(0)),
		Int32:      reflect.TypeOf(int32(0)),
		Int64:      reflect.TypeOf(int64(0)),
		Uint8:      reflect.TypeOf(uint8(0)),
		Uint16:     reflect.TypeOf(uint16(0)),
		Uint32:     reflect.TypeOf(uint32(0)),
		Uint64:     reflect.TypeOf(uint64(0)),
		Float16:    float16Type,
		Float32:    reflect.TypeOf(float32(0)),
		Float64:    reflect.TypeOf(float64(0)),
		Complex64:  reflect.TypeOf(complex64(0)),
		Complex128: reflect.TypeOf(complex128(0)),
	}
)

// GoType returns the Go reflect.Type used to store the dtype, or nil if there is none (InvalidDType, BFloat16).
func (dtype DType) GoType() reflect.Type {
	return goTypes[dtype]
}

// Size returns the number of bytes for the given DType.
// BFloat16 has no Go type bound to it, but its size is still reported (2 bytes).
func (dtype DType) Size() int {
	if dtype == BFloat16 {
		return 2
	}
	t := dtype.GoType()
	if t == nil {
		return 0
	}
	return int(t.Size())
}

// IsFloat returns whether dtype is a supported float -- float types not yet supported will return false.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64 || dtype == BFloat16
}

// IsComplex returns whether dtype is a supported complex number type.
func (dtype DType) IsComplex() bool {
	return dtype == Complex64 || dtype == Complex128
}

// Supported lists the Go types that can be stored in device buffers.
type Supported interface {
	bool | float16.Float16 | float32 | float64 | complex64 | complex128 |
		int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64
}

// FromGenericsType returns the DType enum for the given type.
func FromGenericsType[T Supported]() DType {
	var t T
	switch any(t).(type) {
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	case float64:
		return Float64
	case complex64:
		return Complex64
	case complex128:
		return Complex128
	case bool:
		return Bool
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	}
	return InvalidDType
}

// MakeFlat allocates a zero-initialized flat slice of the Go type bound to dtype, returned as an `any`.
func MakeFlat(dtype DType, length int) (any, error) {
	t := dtype.GoType()
	if t == nil {
		return nil, errors.Errorf("dtype %s has no Go type to allocate a buffer with", dtype)
	}
	return reflect.MakeSlice(reflect.SliceOf(t), length, length).Interface(), nil
}
