// Package ud implements covariance factorization primitives for square-root
// Kalman filtering on U-D factors, P = U·D·Uᵗ, with U unit upper triangular
// and D diagonal.
//
// Full matrices are stored row-major in flat slices. Unit upper triangular
// factors are stored packed: the unit diagonal is implicit and only the
// strict upper triangle is kept, row by row (see Index). All routines work on
// caller-provided storage and do not allocate.
package ud

import (
	"errors"
)

// NotPositiveDefiniteLimit is the relative pivot size below which a
// factorization is rejected as not positive definite.
const NotPositiveDefiniteLimit = 1e-14

var ErrNotPositiveDefinite = errors.New("matrix not positive definite")

// PackedLen returns the number of stored elements of a packed n×n unit upper
// triangular matrix.
func PackedLen(n int) int {
	return n * (n - 1) / 2
}

// Index maps element (i, j), i < j, of an n×n unit upper triangular matrix to
// its position in packed storage.
func Index(i, j, n int) int {
	return i*n - i*(i+1)/2 + j - i - 1
}

// At returns element (i, j) of the packed unit upper triangular matrix u.
func At(u []float64, i, j, n int) float64 {
	switch {
	case i == j:
		return 1
	case i > j:
		return 0
	default:
		return u[Index(i, j, n)]
	}
}

// SetIdentity resets the packed unit upper triangular matrix u to identity.
func SetIdentity(u []float64, n int) {
	clear(u[:PackedLen(n)])
}

// Decompose factors the symmetric positive definite n×n matrix a into
// a = U·D·Uᵗ, writing the packed U to u and the diagonal to d. Only the upper
// triangle of a is read and a is not modified.
//
// The returned value is the smallest relative pivot d[j]/a[j][j]; it is 1 for
// a diagonal matrix and approaches 0 as a approaches singularity. On
// ErrNotPositiveDefinite, u and d hold a partial result and must not be used.
func Decompose(u, d, a []float64, n int) (float64, error) {
	rcond := 1.0
	for j := n - 1; j >= 0; j-- {
		ajj := a[j*n+j]
		dj := ajj
		for k := j + 1; k < n; k++ {
			ujk := u[Index(j, k, n)]
			dj -= d[k] * ujk * ujk
		}
		d[j] = dj
		if !(dj > 0) || dj <= NotPositiveDefiniteLimit*ajj {
			return 0, ErrNotPositiveDefinite
		}
		rcond = min(rcond, dj/ajj)
		for i := 0; i < j; i++ {
			s := a[i*n+j]
			for k := j + 1; k < n; k++ {
				s -= d[k] * u[Index(i, k, n)] * u[Index(j, k, n)]
			}
			u[Index(i, j, n)] = s / dj
		}
	}
	return rcond, nil
}

// Reconstruct writes U·D·Uᵗ to the n×n matrix p.
func Reconstruct(p, u, d []float64, n int) {
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			var s float64
			for k := j; k < n; k++ {
				s += At(u, i, k, n) * d[k] * At(u, j, k, n)
			}
			p[i*n+j] = s
			p[j*n+i] = s
		}
	}
}
