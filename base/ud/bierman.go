package ud

// BiermanScratchLen returns the scratch length required by Bierman for state
// dimension n.
func BiermanScratchLen(n int) int {
	return 2 * n
}

// Bierman incorporates one scalar measurement with innovation dz and variance
// r into the state x and the U-D factors (up, dp) of its covariance, in place.
// h is the measurement row of length n and s is scratch of length
// BiermanScratchLen(n).
//
// The Kalman gain is formed implicitly, unscaled, while the factors are
// updated column by column; no matrix inverse is computed. If any running
// innovation variance r + Σ dp[k]·v[k]² with v = UPᵗ·h is not positive,
// ErrNotPositiveDefinite is returned and x, up, dp are left unmodified.
func Bierman(dz, r float64, h, x, up, dp, s []float64, n int) error {
	if !(r > 0) {
		return ErrNotPositiveDefinite
	}
	v := s[:n]
	b := s[n : 2*n]
	alpha := r
	for j := 0; j < n; j++ {
		t := h[j]
		for i := 0; i < j; i++ {
			t += up[Index(i, j, n)] * h[i]
		}
		v[j] = t
		b[j] = dp[j] * t
		alpha += t * b[j]
		if !(alpha > 0) {
			return ErrNotPositiveDefinite
		}
	}

	alpha = r
	gamma := 1 / alpha
	for j := 0; j < n; j++ {
		beta := alpha
		alpha += v[j] * b[j]
		lambda := -v[j] * gamma
		gamma = 1 / alpha
		dp[j] *= beta * gamma
		for i := 0; i < j; i++ {
			k := Index(i, j, n)
			beta = up[k]
			up[k] = beta + b[i]*lambda
			b[i] += b[j] * beta
		}
	}

	dz *= gamma
	for i := 0; i < n; i++ {
		x[i] += b[i] * dz
	}
	return nil
}

// BiermanObservation is Bierman for a linear measurement z = h·x + noise,
// with the innovation computed as z - h·x.
func BiermanObservation(z, r float64, h, x, up, dp, s []float64, n int) error {
	dz := z
	for i := 0; i < n; i++ {
		dz -= h[i] * x[i]
	}
	return Bierman(dz, r, h, x, up, dp, s, n)
}
