// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hostblas

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gemmthunk/backends/hostblas/packed"
	"github.com/gomlx/gemmthunk/internal/workerspool"
	"github.com/gomlx/gemmthunk/pkg/blas"
	"github.com/gomlx/gemmthunk/pkg/device"
	"github.com/x448/float16"
	gonum "gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/blas/cblas128"
	"gonum.org/v1/gonum/blas/cblas64"
)

// computeElement are the types kernels compute in. Float16 is computed in float32.
type computeElement interface {
	float32 | float64 | complex64 | complex128
}

// gemmArgs are the arguments of a single column-major GEMM, with operands as flat slices.
type gemmArgs[T computeElement] struct {
	transA, transB blas.Transpose
	m, n, k        int
	alpha, beta    T
	a, b, c        []T
	lda, ldb, ldc  int
}

type kernelFn[T computeElement] func(args gemmArgs[T], pool *workerspool.Pool)

// minColumnsPerTile is the minimum number of output columns handed to one worker by AlgorithmParallelColumns.
var minColumnsPerTile = 16

func kernelFor[T computeElement](algorithm blas.AlgorithmType) kernelFn[T] {
	switch algorithm {
	case AlgorithmGonum:
		return func(args gemmArgs[T], _ *workerspool.Pool) { gonumGemm(args) }
	case AlgorithmReference:
		return func(args gemmArgs[T], _ *workerspool.Pool) { referenceGemm(args) }
	case AlgorithmParallelColumns:
		return parallelColumnsGemm[T]
	case AlgorithmPacked:
		return packedGemm[T]
	}
	exceptions.Panicf("%s: unknown algorithm %d", BackendName, algorithm)
	return nil
}

// execute runs on the stream's goroutine. Panics are converted to errors by the stream.
func execute(call blas.Call, batch blas.StridedBatch, algorithm blas.AlgorithmType, pool *workerspool.Pool) error {
	switch c := call.(type) {
	case *blas.GemmCall[float16.Float16]:
		return executeHalf(c, batch, algorithm, pool)
	case *blas.GemmCall[float32]:
		return executeTyped(c, batch, algorithm, pool)
	case *blas.GemmCall[float64]:
		return executeTyped(c, batch, algorithm, pool)
	case *blas.GemmCall[complex64]:
		return executeTyped(c, batch, algorithm, pool)
	case *blas.GemmCall[complex128]:
		return executeTyped(c, batch, algorithm, pool)
	}
	exceptions.Panicf("%s: unexpected GEMM call type %T", BackendName, call)
	return nil
}

func executeTyped[T computeElement](call *blas.GemmCall[T], batch blas.StridedBatch, algorithm blas.AlgorithmType, pool *workerspool.Pool) error {
	a, err := device.Flat[T](call.A)
	if err != nil {
		return err
	}
	b, err := device.Flat[T](call.B)
	if err != nil {
		return err
	}
	c, err := device.Flat[T](call.C)
	if err != nil {
		return err
	}
	args := gemmArgs[T]{
		transA: call.TransA, transB: call.TransB,
		m: call.M, n: call.N, k: call.K,
		alpha: call.Alpha, beta: call.Beta,
		a: a, b: b, c: c,
		lda: call.LDA, ldb: call.LDB, ldc: call.LDC,
	}
	runBatch(args, batch, kernelFor[T](algorithm), pool)
	return nil
}

// executeHalf converts the operands to float32, runs the float32 kernel and converts the result back.
func executeHalf(call *blas.GemmCall[float16.Float16], batch blas.StridedBatch, algorithm blas.AlgorithmType, pool *workerspool.Pool) error {
	a, err := device.Flat[float16.Float16](call.A)
	if err != nil {
		return err
	}
	b, err := device.Flat[float16.Float16](call.B)
	if err != nil {
		return err
	}
	c, err := device.Flat[float16.Float16](call.C)
	if err != nil {
		return err
	}
	args := gemmArgs[float32]{
		transA: call.TransA, transB: call.TransB,
		m: call.M, n: call.N, k: call.K,
		alpha: call.Alpha.Float32(), beta: call.Beta.Float32(),
		a: halfToFloat32(a), b: halfToFloat32(b), c: halfToFloat32(c),
		lda: call.LDA, ldb: call.LDB, ldc: call.LDC,
	}
	runBatch(args, batch, kernelFor[float32](algorithm), pool)
	for ii, v := range args.c {
		c[ii] = float16.Fromfloat32(v)
	}
	return nil
}

func halfToFloat32(values []float16.Float16) []float32 {
	out := make([]float32, len(values))
	for ii, v := range values {
		out[ii] = v.Float32()
	}
	return out
}

// runBatch runs the kernel on each matrix of the batch. Batches whose outputs don't overlap run in
// parallel, and a panic in any of them is re-raised on the calling goroutine.
func runBatch[T computeElement](args gemmArgs[T], batch blas.StridedBatch, kernel kernelFn[T], pool *workerspool.Pool) {
	a, b, c := args.a, args.b, args.c
	disjoint := batch.Count > 1 && batch.StrideC >= args.ldc*args.n
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		exception any
	)
	for idx := range batch.Count {
		itemArgs := args
		itemArgs.a = a[idx*batch.StrideA:]
		itemArgs.b = b[idx*batch.StrideB:]
		itemArgs.c = c[idx*batch.StrideC:]
		if !disjoint {
			kernel(itemArgs, pool)
			continue
		}
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			if e := exceptions.Try(func() { kernel(itemArgs, pool) }); e != nil {
				mu.Lock()
				if exception == nil {
					exception = e
				}
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	if exception != nil {
		panic(exception)
	}
}

func gonumTranspose(t blas.Transpose) gonum.Transpose {
	if t == blas.Trans {
		return gonum.Trans
	}
	return gonum.NoTrans
}

// gonumGemm calls gonum's row-major xGEMM: a column-major matrix with leading dimension ld is the
// transposed row-major matrix with stride ld, so C = op(A)*op(B) is computed as Cᵗ = op(B)ᵗ*op(A)ᵗ.
func gonumGemm[T computeElement](args gemmArgs[T]) {
	if args.m == 0 || args.n == 0 {
		return
	} else if args.k == 0 {
		// Nothing to contract: gonum would still require A and B to be allocated.
		referenceGemm(args)
		return
	}
	aRows, aCols := blas.StoredDims(args.transA, args.m, args.k)
	bRows, bCols := blas.StoredDims(args.transB, args.k, args.n)
	tA, tB := gonumTranspose(args.transA), gonumTranspose(args.transB)
	switch a := any(args.a).(type) {
	case []float32:
		alpha, beta := any(args.alpha).(float32), any(args.beta).(float32)
		blas32.Gemm(tB, tA, alpha,
			blas32.General{Rows: bCols, Cols: bRows, Stride: args.ldb, Data: any(args.b).([]float32)},
			blas32.General{Rows: aCols, Cols: aRows, Stride: args.lda, Data: a},
			beta,
			blas32.General{Rows: args.n, Cols: args.m, Stride: args.ldc, Data: any(args.c).([]float32)})
	case []float64:
		alpha, beta := any(args.alpha).(float64), any(args.beta).(float64)
		blas64.Gemm(tB, tA, alpha,
			blas64.General{Rows: bCols, Cols: bRows, Stride: args.ldb, Data: any(args.b).([]float64)},
			blas64.General{Rows: aCols, Cols: aRows, Stride: args.lda, Data: a},
			beta,
			blas64.General{Rows: args.n, Cols: args.m, Stride: args.ldc, Data: any(args.c).([]float64)})
	case []complex64:
		alpha, beta := any(args.alpha).(complex64), any(args.beta).(complex64)
		cblas64.Gemm(tB, tA, alpha,
			cblas64.General{Rows: bCols, Cols: bRows, Stride: args.ldb, Data: any(args.b).([]complex64)},
			cblas64.General{Rows: aCols, Cols: aRows, Stride: args.lda, Data: a},
			beta,
			cblas64.General{Rows: args.n, Cols: args.m, Stride: args.ldc, Data: any(args.c).([]complex64)})
	case []complex128:
		alpha, beta := any(args.alpha).(complex128), any(args.beta).(complex128)
		cblas128.Gemm(tB, tA, alpha,
			cblas128.General{Rows: bCols, Cols: bRows, Stride: args.ldb, Data: any(args.b).([]complex128)},
			cblas128.General{Rows: aCols, Cols: aRows, Stride: args.lda, Data: a},
			beta,
			cblas128.General{Rows: args.n, Cols: args.m, Stride: args.ldc, Data: any(args.c).([]complex128)})
	}
}

// referenceGemm is the naive triple loop.
func referenceGemm[T computeElement](args gemmArgs[T]) {
	at := func(x []T, ld int, trans blas.Transpose, row, col int) T {
		if trans == blas.Trans {
			return x[col+row*ld]
		}
		return x[row+col*ld]
	}
	for j := range args.n {
		for i := range args.m {
			var acc T
			for p := range args.k {
				acc += at(args.a, args.lda, args.transA, i, p) * at(args.b, args.ldb, args.transB, p, j)
			}
			idx := i + j*args.ldc
			if args.beta == 0 {
				args.c[idx] = args.alpha * acc
			} else {
				args.c[idx] = args.alpha*acc + args.beta*args.c[idx]
			}
		}
	}
}

// parallelColumnsGemm splits the output columns in tiles, and runs gonum on each tile in parallel.
func parallelColumnsGemm[T computeElement](args gemmArgs[T], pool *workerspool.Pool) {
	if args.m == 0 || args.n == 0 {
		return
	}
	pool.ParallelRange(args.n, minColumnsPerTile, func(start, end int) {
		tile := args
		tile.n = end - start
		tile.c = args.c[start*args.ldc:]
		if args.transB == blas.Trans {
			// Column j of op(B) is row j of the stored B.
			tile.b = args.b[start:]
		} else {
			tile.b = args.b[start*args.ldb:]
		}
		gonumGemm(tile)
	})
}

// packedGemm runs the packed kernel. Complex types are rejected at launch time.
func packedGemm[T computeElement](args gemmArgs[T], pool *workerspool.Pool) {
	switch a := any(args.a).(type) {
	case []float32:
		packed.Gemm(args.m, args.n, args.k, any(args.alpha).(float32),
			packed.Matrix[float32]{Data: a, LD: args.lda, Transposed: args.transA == blas.Trans},
			packed.Matrix[float32]{Data: any(args.b).([]float32), LD: args.ldb, Transposed: args.transB == blas.Trans},
			any(args.beta).(float32), any(args.c).([]float32), args.ldc, pool)
	case []float64:
		packed.Gemm(args.m, args.n, args.k, any(args.alpha).(float64),
			packed.Matrix[float64]{Data: a, LD: args.lda, Transposed: args.transA == blas.Trans},
			packed.Matrix[float64]{Data: any(args.b).([]float64), LD: args.ldb, Transposed: args.transB == blas.Trans},
			any(args.beta).(float64), any(args.c).([]float64), args.ldc, pool)
	default:
		exceptions.Panicf("%s: algorithm %q does not support %T", BackendName, AlgorithmName(AlgorithmPacked), args.a)
	}
}
