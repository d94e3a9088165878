package srkf

// Model is the process and measurement model driven by an Estimator. All
// matrices are row-major; n is the state dimension and m the observation
// dimension of the owning Estimator. Implementations must not retain the
// slices they are passed.
type Model interface {
	// Predict writes the propagated state f(x, u, dt) to dst. dst and x do
	// not alias.
	Predict(dst, x, u []float64, dt float64)
	// PredictJacobian writes the n×n Jacobian of Predict at x to a.
	PredictJacobian(a, x, u []float64, dt float64)
	// Measure writes the predicted observation h(x) of length m to y.
	Measure(y, x []float64, dt float64)
	// MeasureJacobian writes the m×n Jacobian of Measure at x to h.
	MeasureJacobian(h, x []float64, dt float64)
}

// Constrainer is implemented by models whose state is subject to domain
// constraints. ApplyConstraints projects x back onto the feasible set at the
// end of every cycle.
type Constrainer interface {
	ApplyConstraints(x []float64, dt float64)
}

// InnovationComputer is implemented by models whose residuals need domain
// specific handling, e.g. angle or counter wraparound. ComputeInnovation
// writes the residual of observation z against prediction y to e.
type InnovationComputer interface {
	ComputeInnovation(e, z, y []float64)
}
