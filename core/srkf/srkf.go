// Package srkf implements a square-root (U-D factorized) extended Kalman
// estimator.
//
// The covariance is never formed during a cycle: the time update propagates
// its U-D factors with Thornton's weighted Gram-Schmidt method and each scalar
// observation is incorporated with Bierman's sequential update. Every buffer
// is allocated by New; Update does not allocate.
package srkf

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"example.com/clkcal/base/floats"
	"example.com/clkcal/base/ud"
	"example.com/clkcal/base/zaplog"
)

// DefaultIllConditionedLimit is the relative pivot size below which a cycle
// is flagged ill-conditioned.
const DefaultIllConditionedLimit = 1e-9

var (
	ErrInvalidDimensions = errors.New("invalid estimator dimensions")
	ErrInvalidVariance   = errors.New("invalid variance")
	ErrReleased          = errors.New("estimator released")
)

type Config struct {
	// Diagonal selects a diagonal measurement noise model: SetMeasurementNoise
	// takes m variances and no factorization of R is needed.
	Diagonal bool
	// IllConditionedLimit overrides DefaultIllConditionedLimit if positive.
	IllConditionedLimit float64
	Log                 *zap.Logger
}

// Estimator is a square-root extended Kalman estimator with n states and up
// to m scalar observations per cycle. It is not safe for concurrent use.
type Estimator struct {
	n, m   int
	model  Model
	constr Constrainer
	innov  InnovationComputer
	diag   bool
	limit  float64
	log    *zap.Logger

	x, xp []float64 // state, saved state
	y     []float64 // predicted observation
	z     []float64 // observation
	e     []float64 // residual, whitened when R is not diagonal
	er    []float64 // residual as computed
	h     []float64 // m×n measurement Jacobian
	a     []float64 // n×n transition Jacobian
	st    []float64 // Thornton scratch
	sb    []float64 // Bierman scratch

	up, dp []float64 // posterior covariance factors
	uq, dq []float64 // process noise factors
	ur, dr []float64 // measurement noise factors; dr holds R when diagonal
	uw, dw []float64 // factorization scratch

	noiseFault bool
	noiseCond  float64
	propagated bool

	status Status
}

// New returns an estimator for model with initial state x0, initial
// variances p0 (the covariance starts diagonal) and at most m observations
// per cycle. Process noise starts at zero and measurement noise at unit
// variance.
func New(model Model, x0, p0 []float64, m int, cfg Config) (*Estimator, error) {
	n := len(x0)
	if model == nil || n == 0 || m <= 0 || len(p0) != n {
		return nil, ErrInvalidDimensions
	}
	if !floats.Finite(x0) || !floats.Positive(p0) {
		return nil, ErrInvalidVariance
	}
	k := max(n, m)
	e := &Estimator{
		n:     n,
		m:     m,
		model: model,
		diag:  cfg.Diagonal,
		limit: cfg.IllConditionedLimit,
		log:   cfg.Log,

		x:  make([]float64, n),
		xp: make([]float64, n),
		y:  make([]float64, m),
		z:  make([]float64, m),
		e:  make([]float64, m),
		er: make([]float64, m),
		h:  make([]float64, m*n),
		a:  make([]float64, n*n),
		st: make([]float64, ud.ThorntonScratchLen(n)),
		sb: make([]float64, ud.BiermanScratchLen(n)),
		up: make([]float64, ud.PackedLen(n)),
		dp: make([]float64, n),
		uq: make([]float64, ud.PackedLen(n)),
		dq: make([]float64, n),
		ur: make([]float64, ud.PackedLen(m)),
		dr: make([]float64, m),
		uw: make([]float64, ud.PackedLen(k)),
		dw: make([]float64, k),

		noiseCond: 1,
	}
	if e.limit <= 0 {
		e.limit = DefaultIllConditionedLimit
	}
	e.log = zaplog.Or(e.log)
	if c, ok := model.(Constrainer); ok {
		e.constr = c
	}
	if c, ok := model.(InnovationComputer); ok {
		e.innov = c
	}
	for i := range e.dr {
		e.dr[i] = 1
	}
	e.reset(x0, p0)
	return e, nil
}

func (e *Estimator) reset(x0, p0 []float64) {
	copy(e.x, x0)
	ud.SetIdentity(e.up, e.n)
	copy(e.dp, p0)
	e.noiseFault, e.noiseCond = false, 1
	e.propagated = false
	e.status = Status{Initialized: true}
}

// Reset reinitializes the state and covariance and clears all status flags.
// Noise settings are kept.
func (e *Estimator) Reset(x0, p0 []float64) error {
	if !e.status.Initialized {
		return ErrReleased
	}
	if len(x0) != e.n || len(p0) != e.n {
		return ErrInvalidDimensions
	}
	if !floats.Finite(x0) || !floats.Positive(p0) {
		return ErrInvalidVariance
	}
	e.reset(x0, p0)
	return nil
}

// Release drops all buffers. A released estimator reports an empty Status and
// ignores further updates.
func (e *Estimator) Release() {
	*e = Estimator{n: e.n, m: e.m}
}

func (e *Estimator) N() int { return e.n }

func (e *Estimator) M() int { return e.m }

func (e *Estimator) Status() Status { return e.status }

// SetProcessNoise sets the process noise covariance from the full symmetric
// n×n matrix q. If q is not positive definite the previous factors are kept
// and the next cycle reports NotPositiveDefinite.
func (e *Estimator) SetProcessNoise(q []float64) error {
	if !e.status.Initialized {
		return ErrReleased
	}
	if len(q) != e.n*e.n {
		return ErrInvalidDimensions
	}
	c, err := ud.Decompose(e.uw, e.dw, q, e.n)
	if err != nil {
		e.noiseFault = true
		return fmt.Errorf("process noise: %w", err)
	}
	copy(e.uq, e.uw[:ud.PackedLen(e.n)])
	copy(e.dq, e.dw[:e.n])
	e.noiseCond = min(e.noiseCond, c)
	return nil
}

// SetProcessNoiseDiagonal sets uncorrelated process noise with variances q.
// Zero variances are allowed.
func (e *Estimator) SetProcessNoiseDiagonal(q []float64) error {
	if !e.status.Initialized {
		return ErrReleased
	}
	if len(q) != e.n {
		return ErrInvalidDimensions
	}
	if !floats.NonNegative(q) {
		return ErrInvalidVariance
	}
	ud.SetIdentity(e.uq, e.n)
	copy(e.dq, q)
	return nil
}

// SetMeasurementNoise sets the measurement noise. With a diagonal measurement
// model r holds m variances, otherwise the full symmetric m×m covariance,
// which is U-D factorized so that observations can be decorrelated.
func (e *Estimator) SetMeasurementNoise(r []float64) error {
	if !e.status.Initialized {
		return ErrReleased
	}
	if e.diag {
		if len(r) != e.m {
			return ErrInvalidDimensions
		}
		if !floats.Positive(r) {
			return ErrInvalidVariance
		}
		copy(e.dr, r)
		return nil
	}
	if len(r) != e.m*e.m {
		return ErrInvalidDimensions
	}
	c, err := ud.Decompose(e.uw, e.dw, r, e.m)
	if err != nil {
		e.noiseFault = true
		return fmt.Errorf("measurement noise: %w", err)
	}
	copy(e.ur, e.uw[:ud.PackedLen(e.m)])
	copy(e.dr, e.dw[:e.m])
	e.noiseCond = min(e.noiseCond, c)
	return nil
}

// Translate adds the known offset d to the state. A deterministic offset does
// not change the covariance; this allows re-referencing states between cycles.
func (e *Estimator) Translate(d []float64) {
	for i := range e.x {
		e.x[i] += d[i]
	}
}

// State appends the current state estimate to dst[:0] and returns it.
func (e *Estimator) State(dst []float64) []float64 {
	return append(dst[:0], e.x...)
}

// Innovation appends the residual of the last measurement update, before
// decorrelation, to dst[:0] and returns it.
func (e *Estimator) Innovation(dst []float64) []float64 {
	return append(dst[:0], e.er...)
}

// Factors appends the packed U and the diagonal D of the current covariance
// factors to u[:0] and d[:0].
func (e *Estimator) Factors(u, d []float64) ([]float64, []float64) {
	return append(u[:0], e.up...), append(d[:0], e.dp...)
}

// Propagated reports whether the last cycle committed its time update. A
// cycle flagged NotPositiveDefinite may still have advanced the state when
// only its noise or measurement update failed.
func (e *Estimator) Propagated() bool { return e.propagated }

// Variance returns the diagonal element i of the covariance, or zero once
// released.
func (e *Estimator) Variance(i int) float64 {
	if !e.status.Initialized {
		return 0
	}
	var s float64
	for k := i; k < e.n; k++ {
		v := ud.At(e.up, i, k, e.n)
		s += v * v * e.dp[k]
	}
	return s
}

// Covariance returns the full n×n covariance U·D·Uᵗ. It is formed on demand
// for inspection and not used by the estimator itself.
func (e *Estimator) Covariance() []float64 {
	p := make([]float64, e.n*e.n)
	ud.Reconstruct(p, e.up, e.dp, e.n)
	return p
}

// Update runs one estimation cycle: time update over dt with control input u,
// then, unless inhibit is set, the measurement update with observation z. z
// may be nil when inhibit is set.
func (e *Estimator) Update(z, u []float64, dt float64, inhibit bool) Status {
	if !e.status.Initialized || e.status.Divergence {
		return e.status
	}
	if !inhibit && len(z) != e.m {
		panic("unexpected observation length")
	}

	e.status.Inhibit = inhibit
	e.status.NotPositiveDefinite = e.noiseFault
	e.propagated = false
	cond := e.noiseCond
	e.noiseFault, e.noiseCond = false, 1

	copy(e.xp, e.x)
	e.model.PredictJacobian(e.a, e.xp, u, dt)
	e.model.Predict(e.x, e.xp, u, dt)
	c, err := ud.Thornton(e.up, e.dp, e.uq, e.dq, e.a, e.st, e.n)
	if err != nil {
		copy(e.x, e.xp)
		e.status.NotPositiveDefinite = true
		e.log.Debug("time update rejected", zap.Float64("dt", dt), zap.Error(err))
		return e.finish(cond)
	}
	cond = min(cond, c)
	e.propagated = true

	if !inhibit {
		copy(e.xp, e.x)
		e.measurementUpdate(z, dt)
	}
	if e.constr != nil {
		e.constr.ApplyConstraints(e.x, dt)
	}
	return e.finish(cond)
}

func (e *Estimator) measurementUpdate(z []float64, dt float64) {
	n, m := e.n, e.m
	copy(e.z, z)
	e.model.Measure(e.y, e.x, dt)
	e.model.MeasureJacobian(e.h, e.x, dt)
	if e.innov != nil {
		e.innov.ComputeInnovation(e.e, e.z, e.y)
	} else {
		for i := range e.e {
			e.e[i] = e.z[i] - e.y[i]
		}
	}
	copy(e.er, e.e)
	if !e.diag {
		// With R = UR·DR·URᵗ, UR⁻¹ decorrelates the observations, leaving
		// independent components with variances DR.
		ud.TriSolve(e.e, e.ur, e.e, m, 1)
		ud.TriSolve(e.h, e.ur, e.h, m, n)
	}

	for i := 0; i < m; i++ {
		h := e.h[i*n : (i+1)*n]
		// Components after the first see the state already corrected by
		// their predecessors.
		dz := e.e[i] - (floats.Dot(h, e.x) - floats.Dot(h, e.xp))
		if err := ud.Bierman(dz, e.dr[i], h, e.x, e.up, e.dp, e.sb, n); err != nil {
			e.status.NotPositiveDefinite = true
			e.log.Debug("measurement update rejected",
				zap.Int("component", i), zap.Float64("innovation", dz), zap.Error(err))
		}
	}
}

func (e *Estimator) finish(cond float64) Status {
	e.status.IllConditioned = cond < e.limit
	if !floats.Finite(e.x, e.up, e.dp) {
		e.status.Divergence = true
		e.log.Warn("estimator diverged", zap.Float64s("x", e.x), zap.Float64s("d", e.dp))
	}
	return e.status
}
