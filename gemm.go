// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2024-2026 Jingze Shi

package doge

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Thin wrappers over gonum's float32 BLAS. All matrices are row-major
// with explicit leading dimensions, mirroring the cblas_sgemm calling
// convention so callers can pass sub-slices of flat tensor storage.

// sgemm computes C = alpha * A @ B + beta * C.
// A: [m, k] with leading dim lda, B: [k, n] with ldb, C: [m, n] with ldc.
func sgemm(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 {
		return
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, alpha,
		blas32.General{Rows: m, Cols: k, Stride: lda, Data: a},
		blas32.General{Rows: k, Cols: n, Stride: ldb, Data: b},
		beta,
		blas32.General{Rows: m, Cols: n, Stride: ldc, Data: c})
}

// sgemmTransB computes C = alpha * A @ B^T + beta * C.
// A: [m, k] with lda, B stored as [n, k] with ldb, C: [m, n] with ldc.
// B is read transposed in place, no materialized transpose.
func sgemmTransB(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 {
		return
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, alpha,
		blas32.General{Rows: m, Cols: k, Stride: lda, Data: a},
		blas32.General{Rows: n, Cols: k, Stride: ldb, Data: b},
		beta,
		blas32.General{Rows: m, Cols: n, Stride: ldc, Data: c})
}
