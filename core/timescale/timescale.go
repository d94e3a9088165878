// Package timescale estimates the skew and drift of a local free-running
// counter against a periodic reference beacon.
//
// Each beacon contributes one raw counter timestamp and the number of beacon
// periods elapsed since the previous one. The counter wraps; timestamps are
// unwrapped internally and all times exposed by this package are in seconds
// since the first beacon, on the local (Seconds, Inverse) or the reference
// (Forward) timescale.
package timescale

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"example.com/clkcal/base/floats"
	"example.com/clkcal/base/timemath"
	"example.com/clkcal/base/zaplog"
	"example.com/clkcal/core/srkf"
)

const (
	DefaultDynamics         = 3
	DefaultCounterBits      = 40
	DefaultCounterFrequency = 499.2e6 * 128
	DefaultSkewLimit        = 1e-3
	DefaultHalfPeriodLimit  = 0.5
	DefaultObservationNoise = 1e-20
)

var (
	DefaultInitialVariance = []float64{1e-18, 1e-12, 1e-16}
	DefaultProcessNoise    = []float64{1e-22, 1e-20, 1e-24}
)

var (
	ErrInvalidConfig = errors.New("invalid timescale configuration")
	ErrInvalidState  = errors.New("invalid initial state")
)

type Config struct {
	// Dynamics is the number of states: 2 for {time, skew}, 3 to add drift.
	Dynamics int
	// SkewObservation adds the mean skew over each cycle as a second
	// observation.
	SkewObservation bool
	// CounterBits is the width of the local timestamp counter.
	CounterBits uint
	// CounterFrequency is the nominal tick rate of the local counter in Hz.
	CounterFrequency float64
	// Period is the nominal beacon period in seconds.
	Period float64
	// P0 holds the initial state variances.
	P0 []float64
	// Q holds the spectral densities of the white noise driving each state.
	Q []float64
	// R holds the observation variances. The skew observation variance
	// defaults to twice the time variance over Period squared.
	R                   []float64
	SkewLimit           float64
	HalfPeriodLimit     float64
	IllConditionedLimit float64
	Log                 *zap.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.Dynamics == 0 {
		cfg.Dynamics = DefaultDynamics
	}
	if cfg.CounterBits == 0 {
		cfg.CounterBits = DefaultCounterBits
	}
	if cfg.CounterFrequency == 0 {
		cfg.CounterFrequency = DefaultCounterFrequency
	}
	if cfg.SkewLimit == 0 {
		cfg.SkewLimit = DefaultSkewLimit
	}
	if cfg.HalfPeriodLimit == 0 {
		cfg.HalfPeriodLimit = DefaultHalfPeriodLimit
	}
	if cfg.P0 == nil && cfg.Dynamics > 0 && cfg.Dynamics <= len(DefaultInitialVariance) {
		cfg.P0 = DefaultInitialVariance[:cfg.Dynamics]
	}
	if cfg.Q == nil && cfg.Dynamics > 0 && cfg.Dynamics <= len(DefaultProcessNoise) {
		cfg.Q = DefaultProcessNoise[:cfg.Dynamics]
	}
	if cfg.R == nil {
		cfg.R = []float64{DefaultObservationNoise}
	}
	if cfg.SkewObservation && len(cfg.R) == 1 && cfg.Period > 0 {
		cfg.R = []float64{cfg.R[0], 2 * cfg.R[0] / (cfg.Period * cfg.Period)}
	}
	cfg.Log = zaplog.Or(cfg.Log)
}

func (cfg *Config) validate() error {
	m := 1
	if cfg.SkewObservation {
		m = 2
	}
	switch {
	case cfg.Dynamics != 2 && cfg.Dynamics != 3:
		return fmt.Errorf("%w: dynamics %d", ErrInvalidConfig, cfg.Dynamics)
	case cfg.CounterBits < 8 || cfg.CounterBits > 63:
		return fmt.Errorf("%w: counter bits %d", ErrInvalidConfig, cfg.CounterBits)
	case !(cfg.CounterFrequency > 0) || math.IsInf(cfg.CounterFrequency, 0):
		return fmt.Errorf("%w: counter frequency %v", ErrInvalidConfig, cfg.CounterFrequency)
	case !(cfg.Period > 0) || math.IsInf(cfg.Period, 0):
		return fmt.Errorf("%w: period %v", ErrInvalidConfig, cfg.Period)
	case len(cfg.P0) != cfg.Dynamics || !floats.Positive(cfg.P0):
		return fmt.Errorf("%w: initial variances %v", ErrInvalidConfig, cfg.P0)
	case len(cfg.Q) != cfg.Dynamics || !floats.Positive(cfg.Q):
		return fmt.Errorf("%w: process noise %v", ErrInvalidConfig, cfg.Q)
	case len(cfg.R) != m || !floats.Positive(cfg.R):
		return fmt.Errorf("%w: observation noise %v", ErrInvalidConfig, cfg.R)
	case !(cfg.SkewLimit > 0 && cfg.SkewLimit < 1):
		return fmt.Errorf("%w: skew limit %v", ErrInvalidConfig, cfg.SkewLimit)
	case !(cfg.HalfPeriodLimit > 0 && cfg.HalfPeriodLimit <= 0.5):
		return fmt.Errorf("%w: half period limit %v", ErrInvalidConfig, cfg.HalfPeriodLimit)
	}
	return nil
}

// Status is the estimator core status extended with the timescale flags.
type Status struct {
	srkf.Status
	// Valid is set when the last beacon completed a measurement cycle
	// without a numerical fault.
	Valid bool
	// Rollover is set when the counter wrapped since the previous beacon.
	Rollover bool
	// HalfPeriod is set when the elapsed beacon count did not match the
	// measured interval; the measurement was not incorporated.
	HalfPeriod bool
}

func (s Status) IsValid() bool { return s.Valid }

func (s Status) IsRollover() bool { return s.Rollover }

func (s Status) IsHalfPeriod() bool { return s.HalfPeriod }

func (s Status) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if err := s.Status.MarshalLogObject(enc); err != nil {
		return err
	}
	enc.AddBool("valid", s.Valid)
	enc.AddBool("rollover", s.Rollover)
	enc.AddBool("halfperiod", s.HalfPeriod)
	return nil
}

// Timescale tracks a local counter against the beacon timescale. It is not
// safe for concurrent use.
type Timescale struct {
	cfg   Config
	model *Model
	eke   *srkf.Estimator
	log   *zap.Logger

	x0, p0 []float64
	q      []float64
	qm     []float64 // process noise covariance
	x      []float64 // state snapshot
	z      []float64
	d      []float64 // translation
	e      []float64 // innovation snapshot

	mask  uint64
	ticks float64 // counter range in ticks

	beacons int
	pending uint   // periods propagated since the last beacon
	carry   uint   // periods not yet propagated after a rejected time update
	wraps   uint64 // counter wraps since the last beacon already reported
	first   uint64 // raw timestamp of the first beacon
	last    uint64 // raw timestamp of the last beacon
	elapsed uint64 // ticks from the first to the last beacon
	origin  uint64 // ticks from the first beacon to the state reference
	// Reference seconds since the first beacon at the state reference and
	// at the epoch the state has been propagated to.
	refOrigin, refEpoch float64

	status Status
}

// New returns a timescale with initial state x0 = {time, skew[, drift]}. The
// time component is ignored; skew and drift seed the estimate until the
// first pair of beacons has been received.
func New(x0 []float64, cfg Config) (*Timescale, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	n := cfg.Dynamics
	if len(x0) != n || !floats.Finite(x0) || !(x0[1] > 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, x0)
	}
	m := len(cfg.R)
	wrap := float64(uint64(1)<<cfg.CounterBits) / cfg.CounterFrequency
	model := newModel(n, m, wrap, cfg.SkewLimit)
	x := append([]float64(nil), x0...)
	x[0] = 0
	eke, err := srkf.New(model, x, cfg.P0, m, srkf.Config{
		Diagonal:            true,
		IllConditionedLimit: cfg.IllConditionedLimit,
		Log:                 cfg.Log,
	})
	if err != nil {
		return nil, err
	}
	if err := eke.SetMeasurementNoise(cfg.R); err != nil {
		return nil, err
	}
	t := &Timescale{
		cfg:   cfg,
		model: model,
		eke:   eke,
		log:   cfg.Log,
		x0:    x,
		p0:    append([]float64(nil), cfg.P0...),
		q:     append([]float64(nil), cfg.Q...),
		qm:    make([]float64, n*n),
		x:     make([]float64, n),
		z:     make([]float64, m),
		d:     make([]float64, n),
		e:     make([]float64, m),
		mask:  timemath.CounterMask(cfg.CounterBits),
		ticks: float64(uint64(1) << cfg.CounterBits),
	}
	t.reset()
	return t, nil
}

func (t *Timescale) reset() {
	t.beacons, t.pending, t.carry, t.wraps = 0, 0, 0, 0
	t.first, t.last, t.elapsed, t.origin = 0, 0, 0, 0
	t.refOrigin, t.refEpoch = 0, 0
	t.model.floor = 0
	t.x = t.eke.State(t.x)
	t.status = Status{Status: t.eke.Status()}
}

// Reset discards all beacons and the estimate. Noise settings are kept.
func (t *Timescale) Reset() error {
	if err := t.eke.Reset(t.x0, t.p0); err != nil {
		return err
	}
	t.reset()
	return nil
}

// Release drops the estimator. Further updates are ignored.
func (t *Timescale) Release() {
	t.eke.Release()
	t.status = Status{}
}

// SetNoise replaces the process noise spectral densities q and the
// observation variances r. Either may be nil to keep the current setting.
func (t *Timescale) SetNoise(q, r []float64) error {
	if q != nil {
		if len(q) != len(t.q) || !floats.Positive(q) {
			return fmt.Errorf("%w: process noise %v", ErrInvalidConfig, q)
		}
	}
	if r != nil {
		if err := t.eke.SetMeasurementNoise(r); err != nil {
			return fmt.Errorf("observation noise %v: %w", r, err)
		}
	}
	if q != nil {
		copy(t.q, q)
	}
	return nil
}

func (t *Timescale) Status() Status { return t.status }

// Update processes a beacon received at local counter value raw, nT nominal
// periods after the previous beacon.
func (t *Timescale) Update(raw uint64, nT uint) Status {
	if !t.status.Initialized {
		return t.status
	}
	raw &= t.mask
	t.status.Valid, t.status.Rollover, t.status.HalfPeriod = false, false, false
	if t.beacons == 0 {
		t.first, t.last = raw, raw
		t.beacons = 1
		return t.status
	}
	if nT == 0 {
		t.status.HalfPeriod = true
		t.log.Debug("beacon ignored, no elapsed period", zap.Uint64("timestamp", raw))
		return t.status
	}

	// Periods of inhibited cycles are already propagated but their
	// timestamps were dropped, so the interval spans them too.
	count := t.pending + nT
	dt := t.cfg.Period * float64(t.carry+nT)
	skew := t.x[1]
	delta, _ := timemath.CounterDelta(raw, t.last, t.cfg.CounterBits)
	// Intervals longer than the counter range show up as short deltas; the
	// elapsed beacon count tells how many full ranges went missing.
	expected := skew * t.cfg.Period * float64(count) * t.cfg.CounterFrequency
	if k := math.Round((expected - float64(delta)) / t.ticks); k > 0 {
		delta += uint64(k) << t.cfg.CounterBits
	}
	// Wraps seen from a dropped beacon are reported once, at that beacon.
	wraps := delta>>t.cfg.CounterBits + (t.last+delta&t.mask)>>t.cfg.CounterBits
	if wraps > t.wraps {
		t.status.Rollover = true
		t.log.Debug("counter rollover", zap.Uint64("timestamp", raw), zap.Uint64("delta", delta))
	}
	c := float64(delta) / t.cfg.CounterFrequency / (skew * t.cfg.Period)
	halfPeriod := math.Abs(c-float64(count)) > t.cfg.HalfPeriodLimit

	if t.beacons == 1 {
		t.accept(raw, delta)
		if halfPeriod {
			// The pair cannot seed the estimate: start over from this beacon.
			t.status.HalfPeriod = true
			t.log.Info("beacon pair inconsistent with elapsed count, restarting",
				zap.Uint("nT", nT), zap.Float64("count", c))
			t.origin = t.elapsed
			t.refOrigin += dt
			t.refEpoch = t.refOrigin
			return t.status
		}
		t.seed(delta, dt)
		return t.status
	}

	t.status.HalfPeriod = halfPeriod
	if halfPeriod {
		t.pending = count
		t.wraps = max(t.wraps, wraps)
		t.log.Info("beacon inconsistent with elapsed count, measurement inhibited",
			zap.Uint("nT", count), zap.Float64("count", c))
	} else {
		t.pending = 0
		t.accept(raw, delta)
	}
	processNoise(t.qm, t.q, dt, t.cfg.Dynamics)
	if err := t.eke.SetProcessNoise(t.qm); err != nil {
		t.log.Warn("process noise rejected", zap.Float64("T", dt), zap.Error(err))
	}
	local := float64(t.elapsed-t.origin) / t.cfg.CounterFrequency
	t.z[0] = local
	if len(t.z) == 2 {
		t.z[1] = local / (t.refEpoch + dt - t.refOrigin)
	}
	st := t.eke.Update(t.z, nil, dt, halfPeriod)
	t.status.Status = st
	t.beacons++
	t.x = t.eke.State(t.x)
	if st.Divergence || !t.eke.Propagated() {
		// The state stays at the previous epoch; the next cycle
		// propagates across this period too.
		t.carry += nT
		t.log.Warn("estimator fault", zap.Object("status", t.status))
		return t.status
	}
	t.carry = 0
	t.refEpoch += dt
	if !halfPeriod {
		t.rereference()
		t.status.Valid = !st.NotPositiveDefinite
	}
	if st.NotPositiveDefinite {
		t.log.Warn("estimator fault", zap.Object("status", t.status))
	}
	t.log.Debug("cycle", zap.Object("status", t.status),
		zap.Float64("skew", t.x[1]), zap.Float64("T", dt))
	return t.status
}

// accept makes raw the last beacon, delta ticks after the previous one.
func (t *Timescale) accept(raw, delta uint64) {
	t.last = raw
	t.elapsed += delta
	t.wraps = 0
}

// seed initializes the estimate from the first pair of beacons and makes the
// second one the state reference.
func (t *Timescale) seed(delta uint64, dt float64) {
	local := float64(delta) / t.cfg.CounterFrequency
	copy(t.x, t.x0)
	t.x[0] = 0
	t.x[1] = min(max(local/dt, 1-t.cfg.SkewLimit), 1+t.cfg.SkewLimit)
	if err := t.eke.Reset(t.x, t.p0); err != nil {
		t.log.Warn("seeding failed", zap.Error(err))
		return
	}
	t.origin = t.elapsed
	t.refOrigin += dt
	t.refEpoch = t.refOrigin
	t.model.floor = 0
	t.beacons = 2
	t.status.Status = t.eke.Status()
	t.log.Debug("estimate seeded", zap.Float64("skew", t.x[1]))
}

// rereference moves the state reference to the last beacon.
func (t *Timescale) rereference() {
	clear(t.d)
	t.d[0] = -float64(t.elapsed-t.origin) / t.cfg.CounterFrequency
	t.eke.Translate(t.d)
	t.origin = t.elapsed
	t.refOrigin = t.refEpoch
	t.x = t.eke.State(t.x)
	t.model.floor = t.x[0]
}

// Seeded reports whether the first pair of beacons has been received.
func (t *Timescale) Seeded() bool { return t.beacons >= 2 }

// Skew returns the ratio of local to reference clock rate.
func (t *Timescale) Skew() float64 { return t.x[1] }

// Drift returns the rate of change of skew in 1/s, zero for two-state
// dynamics.
func (t *Timescale) Drift() float64 {
	if t.cfg.Dynamics < 3 {
		return 0
	}
	return t.x[2]
}

// State appends the state to dst[:0] with time in local seconds since the
// first beacon.
func (t *Timescale) State(dst []float64) []float64 {
	dst = append(dst[:0], t.x...)
	dst[0] += t.originSeconds()
	return dst
}

// Variance returns the variance of state i.
func (t *Timescale) Variance(i int) float64 { return t.eke.Variance(i) }

// Residual returns the time innovation of the last measurement cycle in
// seconds.
func (t *Timescale) Residual() float64 {
	t.e = t.eke.Innovation(t.e)
	if len(t.e) == 0 {
		return 0
	}
	return t.e[0]
}

// Epoch returns the reference time in seconds since the first beacon that
// the state estimate corresponds to.
func (t *Timescale) Epoch() float64 { return t.refEpoch }

func (t *Timescale) originSeconds() float64 {
	return float64(t.origin) / t.cfg.CounterFrequency
}

// Forward maps local seconds since the first beacon to the reference
// timescale.
func (t *Timescale) Forward(local float64) float64 {
	c := local - t.originSeconds() - t.x[0]
	skew, drift := t.x[1], t.Drift()
	// Solve skew·τ + drift·τ²/2 = c on the root continuous at zero drift.
	if r := skew*skew + 2*drift*c; drift != 0 && r >= 0 {
		if den := skew + math.Sqrt(r); den != 0 {
			return t.refEpoch + 2*c/den
		}
	}
	return t.refEpoch + c/skew
}

// Inverse maps reference seconds since the first beacon to local seconds
// since the first beacon.
func (t *Timescale) Inverse(reference float64) float64 {
	tau := reference - t.refEpoch
	return t.originSeconds() + t.x[0] + t.x[1]*tau + 0.5*t.Drift()*tau*tau
}

// Seconds converts a raw counter value close to the last beacon to local
// seconds since the first beacon.
func (t *Timescale) Seconds(raw uint64) float64 {
	d := timemath.CounterDiff(raw, t.last, t.cfg.CounterBits)
	return (float64(t.elapsed) + float64(d)) / t.cfg.CounterFrequency
}

// Ticks converts local seconds since the first beacon to a raw counter value.
func (t *Timescale) Ticks(seconds float64) uint64 {
	d := int64(math.Round(seconds * t.cfg.CounterFrequency))
	return (t.first + uint64(d)) & t.mask
}
