// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package packed

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gemmthunk/internal/workerspool"
	"github.com/stretchr/testify/require"
)

// naiveGemm is the textbook triple loop over column-major matrices.
func naiveGemm[T Number](m, n, k int, alpha T, a, b Matrix[T], beta T, c []T, ldc int) {
	for j := range n {
		for i := range m {
			var acc T
			for p := range k {
				acc += a.at(i, p) * b.at(p, j)
			}
			if beta == 0 {
				c[i+j*ldc] = alpha * acc
			} else {
				c[i+j*ldc] = alpha*acc + beta*c[i+j*ldc]
			}
		}
	}
}

func randomMatrix[T Number](rng *rand.Rand, rows, cols, ld int, transposed bool) Matrix[T] {
	if transposed {
		rows, cols = cols, rows
	}
	data := make([]T, ld*cols)
	for ii := range data {
		data[ii] = T(rng.Float64()*2 - 1)
	}
	return Matrix[T]{Data: data, LD: ld, Transposed: transposed}
}

func testGemm[T Number](t *testing.T, tolerance float64) {
	rng := rand.New(rand.NewPCG(42, 0))
	pool := workerspool.New(4)
	for _, dims := range [][3]int{{1, 1, 1}, {3, 5, 7}, {8, 8, 8}, {17, 33, 9}, {70, 600, 300}} {
		m, n, k := dims[0], dims[1], dims[2]
		for _, transA := range []bool{false, true} {
			for _, transB := range []bool{false, true} {
				for _, beta := range []T{0, 0.5} {
					name := fmt.Sprintf("m=%d,n=%d,k=%d,transA=%v,transB=%v,beta=%v", m, n, k, transA, transB, beta)
					t.Run(name, func(t *testing.T) {
						ldaRows, ldbRows := m, k
						if transA {
							ldaRows = k
						}
						if transB {
							ldbRows = n
						}
						a := randomMatrix[T](rng, m, k, ldaRows+1, transA)
						b := randomMatrix[T](rng, k, n, ldbRows+2, transB)
						ldc := m + 3
						want := make([]T, ldc*n)
						for ii := range want {
							want[ii] = T(rng.Float64())
						}
						got := make([]T, len(want))
						copy(got, want)
						if beta == 0 {
							// Output must not be read when beta is 0.
							for ii := range got {
								got[ii] = T(math.NaN())
							}
						}
						naiveGemm(m, n, k, T(1.5), a, b, beta, want, ldc)
						Gemm(m, n, k, T(1.5), a, b, beta, got, ldc, pool)
						for j := range n {
							for i := range m {
								require.InDeltaf(t, float64(want[i+j*ldc]), float64(got[i+j*ldc]), tolerance,
									"element (%d, %d)", i, j)
							}
						}
					})
				}
			}
		}
	}
}

func TestGemm(t *testing.T) {
	t.Run("float32", func(t *testing.T) { testGemm[float32](t, 1e-3) })
	t.Run("float64", func(t *testing.T) { testGemm[float64](t, 1e-9) })
}

func TestGemmEmptyContraction(t *testing.T) {
	c := []float64{1, 2, 3, 4}
	Gemm(2, 2, 0, 1, Matrix[float64]{LD: 2}, Matrix[float64]{LD: 1}, 2, c, 2, nil)
	require.Equal(t, []float64{2, 4, 6, 8}, c)
	Gemm(2, 2, 0, 1, Matrix[float64]{LD: 2}, Matrix[float64]{LD: 1}, 0, c, 2, nil)
	require.Equal(t, []float64{0, 0, 0, 0}, c)
}

func TestGemmLargeContractingSize(t *testing.T) {
	// Larger than one contracting panel: beta must only be applied once.
	k := DefaultParams.PanelContractingSize + 1
	a := make([]float32, k)
	b := make([]float32, k)
	for ii := range k {
		a[ii] = float32(ii)
		b[ii] = 1
	}
	c := []float32{1_000}
	Gemm(1, 1, k, float32(1), Matrix[float32]{Data: a, LD: 1}, Matrix[float32]{Data: b, LD: k}, float32(3), c, 1, nil)
	require.Equal(t, 3*1_000+float32(k*(k-1))/2, c[0])
}
