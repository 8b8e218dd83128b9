// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hostblas

import (
	"fmt"
	"math/cmplx"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gemmthunk/pkg/blas"
	"github.com/gomlx/gemmthunk/pkg/core/dtypes"
	"github.com/gomlx/gemmthunk/pkg/device"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestNew(t *testing.T) {
	b := must.M1(New(""))
	require.Len(t, b.GemmAlgorithms(), int(numAlgorithms))
	require.Equal(t, BackendName, b.Name())

	b = must.M1(New("parallelism=2, default=packed, algorithms=gonum:packed:gonum"))
	require.Equal(t, []blas.AlgorithmType{AlgorithmGonum, AlgorithmPacked}, b.GemmAlgorithms())
	require.Equal(t, AlgorithmPacked, b.defaultAlgorithm)
	require.Equal(t, 2, b.pool.MaxParallelism())

	_, err := New("foo")
	require.Error(t, err)
	_, err = New("default=fastest")
	require.Error(t, err)
	_, err = New("parallelism=many")
	require.Error(t, err)

	alg, err := ParseAlgorithm("2")
	require.NoError(t, err)
	require.Equal(t, AlgorithmParallelColumns, alg)
	require.Equal(t, "parallel-columns", AlgorithmName(alg))
}

func randomValue[T blas.Element](rng *rand.Rand) T {
	return blas.FromFloat64[T](float64(rng.IntN(7) - 3))
}

func randomMemory[T blas.Element](rng *rand.Rand, n int) device.Memory {
	flat := make([]T, n)
	for ii := range flat {
		flat[ii] = randomValue[T](rng)
		if c, ok := any(&flat[ii]).(*complex64); ok {
			*c += complex64(complex(0, float32(rng.IntN(3)-1)))
		}
	}
	return device.FromFlat(flat).Memory()
}

func cloneMemory[T blas.Element](t *testing.T, mem device.Memory) device.Memory {
	flat := must.M1(device.Flat[T](mem))
	return device.FromFlat(append([]T(nil), flat...)).Memory()
}

// toComplex128 converts any element to complex128 for comparisons.
func toComplex128[T blas.Element](v T) complex128 {
	switch x := any(v).(type) {
	case float16.Float16:
		return complex(float64(x.Float32()), 0)
	case float32:
		return complex(float64(x), 0)
	case float64:
		return complex(x, 0)
	case complex64:
		return complex128(x)
	case complex128:
		return x
	}
	return 0
}

// newCall creates a random call with padded leading dimensions. Operand values are small integers,
// so all algorithms should agree exactly (except for float16 rounding).
func newCall[T blas.Element](rng *rand.Rand, transA, transB blas.Transpose, m, n, k int, beta float64, batchCount int) (*blas.GemmCall[T], blas.StridedBatch) {
	aRows, aCols := blas.StoredDims(transA, m, k)
	bRows, bCols := blas.StoredDims(transB, k, n)
	call := &blas.GemmCall[T]{
		TransA: transA, TransB: transB,
		M: m, N: n, K: k,
		Alpha: blas.FromFloat64[T](2),
		Beta:  blas.FromFloat64[T](beta),
		LDA:   aRows + 1, LDB: bRows + 2, LDC: m + 1,
	}
	batch := blas.StridedBatch{
		StrideA: call.LDA * aCols, StrideB: call.LDB * bCols, StrideC: call.LDC * n,
		Count: batchCount,
	}
	call.A = randomMemory[T](rng, batch.StrideA*batchCount)
	call.B = randomMemory[T](rng, batch.StrideB*batchCount)
	call.C = randomMemory[T](rng, batch.StrideC*batchCount)
	return call, batch
}

func requireSameOutput[T blas.Element](t *testing.T, want, got device.Memory) {
	wantFlat := must.M1(device.Flat[T](want))
	gotFlat := must.M1(device.Flat[T](got))
	require.Len(t, gotFlat, len(wantFlat))
	for ii := range wantFlat {
		w, g := toComplex128(wantFlat[ii]), toComplex128(gotFlat[ii])
		tolerance := 1e-6 * max(1, cmplx.Abs(w))
		if _, isHalf := any(wantFlat[ii]).(float16.Float16); isHalf {
			tolerance = 1e-2 * max(1, cmplx.Abs(w))
		}
		require.LessOrEqualf(t, cmplx.Abs(w-g), tolerance, "element %d: want %v, got %v", ii, w, g)
	}
}

func testAlgorithms[T blas.Element](t *testing.T) {
	backend := must.M1(New("parallelism=3"))
	stream := device.NewStream()
	defer stream.Close()
	rng := rand.New(rand.NewPCG(7, 0))
	computationType := must.M1(blas.ComputationTypeFor(dtypes.FromGenericsType[T]()))

	for _, dims := range [][3]int{{1, 1, 1}, {5, 3, 4}, {9, 40, 17}, {33, 65, 70}, {4, 3, 0}} {
		for _, transA := range []blas.Transpose{blas.NoTranspose, blas.Trans} {
			for _, transB := range []blas.Transpose{blas.NoTranspose, blas.Trans} {
				for _, beta := range []float64{0, -1} {
					m, n, k := dims[0], dims[1], dims[2]
					name := fmt.Sprintf("%dx%dx%d_%s%s_beta=%g", m, n, k, transA, transB, beta)
					t.Run(name, func(t *testing.T) {
						call, _ := newCall[T](rng, transA, transB, m, n, k, beta, 1)
						reference := call.WithOutput(cloneMemory[T](t, call.C))
						require.NoError(t, backend.GemmWithAlgorithm(stream, reference, computationType, AlgorithmReference, nil))
						for _, alg := range backend.GemmAlgorithms() {
							if supports(alg, call.ElementType()) != nil {
								continue
							}
							got := call.WithOutput(cloneMemory[T](t, call.C))
							var profile blas.ProfileResult
							require.NoError(t, backend.GemmWithAlgorithm(stream, got, computationType, alg, &profile))
							require.NoError(t, stream.BlockHostUntilDone())
							require.True(t, profile.IsValid())
							require.Equal(t, alg, profile.Algorithm())
							requireSameOutput[T](t, reference.C, got.C)
						}
					})
				}
			}
		}
	}
}

func TestAlgorithms(t *testing.T) {
	t.Run("Float16", testAlgorithms[float16.Float16])
	t.Run("Float32", testAlgorithms[float32])
	t.Run("Float64", testAlgorithms[float64])
	t.Run("Complex64", testAlgorithms[complex64])
	t.Run("Complex128", testAlgorithms[complex128])
}

func TestStridedBatched(t *testing.T) {
	backend := must.M1(New("default=parallel-columns"))
	stream := device.NewStream()
	defer stream.Close()
	rng := rand.New(rand.NewPCG(11, 0))

	call, batch := newCall[float64](rng, blas.Trans, blas.NoTranspose, 6, 5, 4, 1, 3)
	got := call.WithOutput(cloneMemory[float64](t, call.C))
	require.NoError(t, backend.GemmStridedBatched(stream, got, batch))

	// Compare each batch element with a single reference call.
	want := call.WithOutput(cloneMemory[float64](t, call.C))
	for idx := range batch.Count {
		single := *want
		single.A = must.M1(want.A.Sub(idx*batch.StrideA, batch.StrideA))
		single.B = must.M1(want.B.Sub(idx*batch.StrideB, batch.StrideB))
		single.C = must.M1(want.C.Sub(idx*batch.StrideC, batch.StrideC))
		require.NoError(t, backend.GemmWithAlgorithm(stream, &single, blas.ComputationF64, AlgorithmReference, nil))
	}
	require.NoError(t, stream.BlockHostUntilDone())
	requireSameOutput[float64](t, want.C, got.C)
}

func TestStridedBatchedSharedOutput(t *testing.T) {
	backend := must.M1(New("parallelism=4"))
	stream := device.NewStream()
	defer stream.Close()
	rng := rand.New(rand.NewPCG(13, 0))

	// A zero output stride accumulates every product of the batch in the same matrix.
	call, batch := newCall[float64](rng, blas.NoTranspose, blas.Trans, 5, 4, 3, 1, 4)
	batch.StrideC = 0
	call.C = must.M1(call.C.Sub(0, call.LDC*call.N))
	got := call.WithOutput(cloneMemory[float64](t, call.C))
	require.NoError(t, backend.GemmStridedBatched(stream, got, batch))

	want := call.WithOutput(cloneMemory[float64](t, call.C))
	for idx := range batch.Count {
		single := *want
		single.A = must.M1(want.A.Sub(idx*batch.StrideA, batch.StrideA))
		single.B = must.M1(want.B.Sub(idx*batch.StrideB, batch.StrideB))
		require.NoError(t, backend.GemmWithAlgorithm(stream, &single, blas.ComputationF64, AlgorithmReference, nil))
	}
	require.NoError(t, stream.BlockHostUntilDone())
	requireSameOutput[float64](t, want.C, got.C)
}

func TestLaunchFailures(t *testing.T) {
	backend := must.M1(New(""))
	stream := device.NewStream()
	defer stream.Close()
	rng := rand.New(rand.NewPCG(13, 0))

	// Packed algorithm doesn't support complex numbers: rejected at launch, stream stays healthy.
	complexCall, _ := newCall[complex64](rng, blas.NoTranspose, blas.NoTranspose, 3, 3, 3, 0, 1)
	var profile blas.ProfileResult
	err := backend.GemmWithAlgorithm(stream, complexCall, blas.ComputationComplexF32, AlgorithmPacked, &profile)
	require.Error(t, err)
	assert.False(t, profile.IsValid())

	// Unknown algorithm and mismatched computation type.
	require.Error(t, backend.GemmWithAlgorithm(stream, complexCall, blas.ComputationComplexF32, 17, nil))
	require.Error(t, backend.GemmWithAlgorithm(stream, complexCall, blas.ComputationF32, AlgorithmGonum, nil))

	// Invalid leading dimension.
	bad, _ := newCall[float32](rng, blas.NoTranspose, blas.NoTranspose, 3, 3, 3, 0, 1)
	bad.LDC = 2
	require.Error(t, backend.Gemm(stream, bad))

	// Memory too small for the batch.
	call, batch := newCall[float32](rng, blas.NoTranspose, blas.NoTranspose, 3, 3, 3, 0, 2)
	batch.Count = 3
	require.Error(t, backend.GemmStridedBatched(stream, call, batch))

	require.NoError(t, stream.BlockHostUntilDone())
	require.True(t, stream.Ok())
}

func TestDefaultFallback(t *testing.T) {
	backend := must.M1(New("default=packed"))
	stream := device.NewStream()
	defer stream.Close()
	rng := rand.New(rand.NewPCG(17, 0))

	// Packed doesn't support complex numbers: the plain call falls back to gonum.
	call, _ := newCall[complex128](rng, blas.Trans, blas.NoTranspose, 4, 3, 5, 1, 1)
	want := call.WithOutput(cloneMemory[complex128](t, call.C))
	require.NoError(t, backend.Gemm(stream, call))
	require.NoError(t, backend.GemmWithAlgorithm(stream, want, blas.ComputationComplexF64, AlgorithmReference, nil))
	require.NoError(t, stream.BlockHostUntilDone())
	requireSameOutput[complex128](t, want.C, call.C)
	require.Equal(t, AlgorithmGonum, backend.defaultFor(dtypes.Complex128))
	require.Equal(t, AlgorithmPacked, backend.defaultFor(dtypes.Float32))
}
