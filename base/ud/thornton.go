package ud

// ThorntonScratchLen returns the scratch length required by Thornton for
// state dimension n.
func ThorntonScratchLen(n int) int {
	return 2*n*n + 4*n + PackedLen(n)
}

// Thornton propagates the U-D factors (up, dp) of the posterior covariance P
// through the n×n transition matrix a and adds the process noise given by its
// U-D factors (uq, dq), so that on return (up, dp) factor A·P·Aᵗ + Q.
//
// The factors are obtained by weighted modified Gram-Schmidt
// orthogonalization of the rows of W = [A·UP | UQ] with weights [DP | DQ],
// from the last row to the first. s is scratch of length
// ThorntonScratchLen(n). up and dp are only overwritten on success.
//
// The returned value is the smallest ratio of an orthogonalized weighted row
// norm to the row's original norm, i.e. of the new D[i] to the propagated
// variance P[i][i].
func Thornton(up, dp, uq, dq, a, s []float64, n int) (float64, error) {
	c := 2 * n
	w := s[:n*c]
	wt := s[n*c : n*c+c]
	nrm := s[n*c+c : n*c+c+n]
	dn := s[n*c+c+n : n*c+c+2*n]
	un := s[n*c+c+2*n : n*c+c+2*n+PackedLen(n)]

	for i := 0; i < n; i++ {
		row := w[i*c : (i+1)*c]
		for k := 0; k < n; k++ {
			v := a[i*n+k]
			for l := 0; l < k; l++ {
				v += a[i*n+l] * up[Index(l, k, n)]
			}
			row[k] = v
			row[n+k] = At(uq, i, k, n)
		}
	}
	copy(wt[:n], dp[:n])
	copy(wt[n:], dq[:n])
	for i := 0; i < n; i++ {
		row := w[i*c : (i+1)*c]
		var sigma float64
		for k := 0; k < c; k++ {
			sigma += row[k] * row[k] * wt[k]
		}
		nrm[i] = sigma
	}

	rcond := 1.0
	for i := n - 1; i >= 0; i-- {
		ri := w[i*c : (i+1)*c]
		var sigma float64
		for k := 0; k < c; k++ {
			sigma += ri[k] * ri[k] * wt[k]
		}
		if !(sigma > 0) || sigma <= NotPositiveDefiniteLimit*nrm[i] {
			return 0, ErrNotPositiveDefinite
		}
		rcond = min(rcond, sigma/nrm[i])
		dn[i] = sigma
		for j := 0; j < i; j++ {
			rj := w[j*c : (j+1)*c]
			var t float64
			for k := 0; k < c; k++ {
				t += ri[k] * wt[k] * rj[k]
			}
			uji := t / sigma
			un[Index(j, i, n)] = uji
			for k := 0; k < c; k++ {
				rj[k] -= uji * ri[k]
			}
		}
	}

	copy(dp[:n], dn)
	copy(up[:PackedLen(n)], un)
	return rcond, nil
}
