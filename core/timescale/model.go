package timescale

import (
	"math"
)

// Model is the clock model driven by the estimator core. The state is
// {time, skew[, drift]}: local time in seconds relative to the current
// reference beacon, the ratio of local to reference clock rate, and the rate
// of change of that ratio in 1/s. The first observation is local time; the
// optional second is the mean skew over the cycle.
type Model struct {
	n, m      int
	wrap      float64 // counter range in seconds
	skewLimit float64
	floor     float64 // lowest admissible time state
}

func newModel(n, m int, wrap, skewLimit float64) *Model {
	return &Model{n: n, m: m, wrap: wrap, skewLimit: skewLimit}
}

func (c *Model) N() int { return c.n }

func (c *Model) M() int { return c.m }

func (c *Model) Predict(dst, x, u []float64, dt float64) {
	dst[0] = x[0] + x[1]*dt
	dst[1] = x[1]
	if c.n == 3 {
		dst[0] += 0.5 * x[2] * dt * dt
		dst[1] += x[2] * dt
		dst[2] = x[2]
	}
}

func (c *Model) PredictJacobian(a, x, u []float64, dt float64) {
	clear(a)
	for i := 0; i < c.n; i++ {
		a[i*c.n+i] = 1
	}
	a[1] = dt
	if c.n == 3 {
		a[2] = 0.5 * dt * dt
		a[5] = dt
	}
}

func (c *Model) Measure(y, x []float64, dt float64) {
	y[0] = x[0]
	if c.m == 2 {
		y[1] = x[1]
		if c.n == 3 {
			y[1] -= 0.5 * x[2] * dt
		}
	}
}

func (c *Model) MeasureJacobian(h, x []float64, dt float64) {
	clear(h)
	h[0] = 1
	if c.m == 2 {
		h[c.n+1] = 1
		if c.n == 3 {
			h[c.n+2] = -0.5 * dt
		}
	}
}

// ComputeInnovation reduces the time residual into half the counter range
// either side of zero.
func (c *Model) ComputeInnovation(e, z, y []float64) {
	e[0] = math.Remainder(z[0]-y[0], c.wrap)
	for i := 1; i < len(e); i++ {
		e[i] = z[i] - y[i]
	}
}

// ApplyConstraints keeps the skew within the configured band around 1 and
// local time from running backwards past the reference beacon.
func (c *Model) ApplyConstraints(x []float64, dt float64) {
	x[0] = max(x[0], c.floor)
	x[1] = min(max(x[1], 1-c.skewLimit), 1+c.skewLimit)
}

// processNoise writes the covariance accumulated over dt by white noise with
// spectral densities q driving each state to the n×n matrix dst.
func processNoise(dst, q []float64, dt float64, n int) {
	t2 := dt * dt
	t3 := t2 * dt
	clear(dst)
	dst[0] = q[0]*dt + q[1]*t3/3
	dst[1] = q[1] * t2 / 2
	dst[n+1] = q[1] * dt
	if n == 3 {
		t4 := t3 * dt
		t5 := t4 * dt
		dst[0] += q[2] * t5 / 20
		dst[1] += q[2] * t4 / 8
		dst[2] = q[2] * t3 / 6
		dst[n+1] += q[2] * t3 / 3
		dst[n+2] = q[2] * t2 / 2
		dst[2*n+2] = q[2] * dt
	}
	for i := 0; i < n; i++ {
		for j := 0; j < i; j++ {
			dst[i*n+j] = dst[j*n+i]
		}
	}
}
