// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"github.com/gomlx/gemmthunk/pkg/blas"
	"github.com/pkg/errors"
)

// Errors returned by this package. Use errors.Is to test for them.
var (
	// ErrConfigValidation is returned for malformed dimension numbers, shapes, alpha == 0, or a fixed
	// algorithm used with a batch size != 1. It is always reported before any work is enqueued.
	ErrConfigValidation = errors.New("invalid GEMM configuration")

	// ErrUnsupportedElementType is returned when the element type has no BLAS computation type.
	ErrUnsupportedElementType = blas.ErrUnsupportedElementType

	// ErrBackendLaunch is returned when the backend fails to launch the GEMM. The error message
	// includes the identity of the stream.
	ErrBackendLaunch = errors.New("GEMM backend launch failed")
)

func invalidConfigf(format string, args ...any) error {
	return errors.Wrapf(ErrConfigValidation, format, args...)
}
