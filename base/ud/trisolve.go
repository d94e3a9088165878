package ud

// TriSolve solves U·x = y for x by back-substitution, where u is a packed n×n
// unit upper triangular matrix and y, x are n×m row-major matrices holding m
// right-hand sides. x may alias y.
func TriSolve(x, u, y []float64, n, m int) {
	for i := n - 1; i >= 0; i-- {
		for c := 0; c < m; c++ {
			s := y[i*m+c]
			for k := i + 1; k < n; k++ {
				s -= u[Index(i, k, n)] * x[k*m+c]
			}
			x[i*m+c] = s
		}
	}
}
