// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gemm implements the execution of one (optionally batched) general matrix multiplication
// instruction on a stream, using a column-major BLAS backend.
//
// The pieces, in the order they are used:
//
//   - Config: the validated description of the GEMM (shapes with layouts, dimension numbers, alpha,
//     beta, batch size and optionally a fixed algorithm). See NewConfig.
//   - ResolveLayout: maps the operands to column-major BLAS descriptors, swapping lhs and rhs when
//     the output is row-major.
//   - RunGemm: picks one of the three backend call shapes: fixed algorithm, strided-batched or plain.
//     Plain calls may be autotuned.
//   - Autotuner: times each algorithm of the backend on the real problem and caches the fastest.
//   - Thunk: binds a Config to buffer slices, resolves them on each execution and calls RunGemm.
//
// Errors wrap one of ErrConfigValidation, ErrUnsupportedElementType or ErrBackendLaunch.
//
// Default options are read from the environment variable $GEMMTHUNK_OPTIONS, see ParseOptions.
package gemm
