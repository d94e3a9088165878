// Package clkcal calibrates a local counter against periodic clock
// calibration beacons. It derives the elapsed beacon count from sequence
// numbers, serializes beacons into a timescale estimator, restarts the
// estimate when it can no longer be trusted and reports every processed
// beacon as a Record.
package clkcal

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"example.com/clkcal/base/timemath"
	"example.com/clkcal/base/zaplog"
	"example.com/clkcal/core/timescale"
)

// DefaultMaxHalfPeriods is the number of consecutive beacons inconsistent
// with their sequence numbers after which the estimate is restarted.
const DefaultMaxHalfPeriods = 16

var errNoPeriod = errors.New("beacon period not specified")

type Config struct {
	// Period is the nominal beacon period.
	Period time.Duration
	// Timescale configures the estimator; its Period is taken from Period.
	Timescale timescale.Config
	// X0 is the initial state, {0, 1, 0} by default.
	X0             []float64
	MaxHalfPeriods int
	// PostProcess, if set, is called with the record of every beacon that
	// completed a valid measurement cycle. It is called without holding the
	// calibrator lock.
	PostProcess func(Record)
	Log         *zap.Logger
	Now         func() time.Time
}

// Calibrator consumes beacons. It is safe for concurrent use.
type Calibrator struct {
	mu          sync.Mutex
	ts          *timescale.Timescale
	log         *zap.Logger
	now         func() time.Time
	post        func(Record)
	mask        uint64
	maxHalf     int
	prev        Beacon
	hasPrev     bool
	halfPeriods int
}

func New(cfg Config) (*Calibrator, error) {
	if cfg.Period <= 0 {
		return nil, errNoPeriod
	}
	cfg.Log = zaplog.Or(cfg.Log)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxHalfPeriods <= 0 {
		cfg.MaxHalfPeriods = DefaultMaxHalfPeriods
	}
	tcfg := cfg.Timescale
	tcfg.Period = timemath.Seconds(cfg.Period)
	if tcfg.Log == nil {
		tcfg.Log = cfg.Log
	}
	x0 := cfg.X0
	if x0 == nil {
		x0 = []float64{0, 1, 0}
		if tcfg.Dynamics == 2 {
			x0 = x0[:2]
		}
	}
	ts, err := timescale.New(x0, tcfg)
	if err != nil {
		return nil, err
	}
	bits := tcfg.CounterBits
	if bits == 0 {
		bits = timescale.DefaultCounterBits
	}
	return &Calibrator{
		ts:      ts,
		log:     cfg.Log,
		now:     cfg.Now,
		post:    cfg.PostProcess,
		mask:    timemath.CounterMask(bits),
		maxHalf: cfg.MaxHalfPeriods,
	}, nil
}

// Receive processes beacon b and returns its record.
func (c *Calibrator) Receive(b Beacon) Record {
	r := c.receive(b)
	if c.post != nil && r.Status.Valid {
		c.post(r)
	}
	return r
}

func (c *Calibrator) receive(b Beacon) Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	mtrcs := calMetrics.Load()
	mtrcs.beaconsReceived.Inc()

	nT := uint(1)
	var interval uint64
	if c.hasPrev {
		nT = timemath.SeqDelta(b.Seq, c.prev.Seq)
		interval = (b.Timestamp - c.prev.Timestamp) & c.mask
		if nT == 0 {
			mtrcs.beaconsDuplicate.Inc()
			c.log.Debug("duplicate beacon", zap.Uint8("seq", b.Seq), zap.Uint64("timestamp", b.Timestamp))
		}
	}

	st := c.ts.Update(b.Timestamp, nT)
	if nT != 0 {
		c.prev, c.hasPrev = b, true
	}
	r := Record{
		UTime:     c.now(),
		Timestamp: b.Timestamp,
		Interval:  interval,
		Skew:      c.ts.Skew(),
		NT:        nT,
		Residual:  c.ts.Residual(),
		Status:    st,
	}

	if st.Valid {
		mtrcs.cyclesValid.Inc()
		mtrcs.skew.Set(r.SkewPPM())
	}
	if st.Rollover {
		mtrcs.rollovers.Inc()
	}
	if st.IllConditioned {
		mtrcs.illConditioned.Inc()
	}
	if st.NotPositiveDefinite {
		mtrcs.notPositiveDefinite.Inc()
	}
	if st.HalfPeriod && nT != 0 {
		mtrcs.halfPeriods.Inc()
		c.halfPeriods++
	} else if nT != 0 {
		c.halfPeriods = 0
	}

	switch {
	case st.Divergence:
		mtrcs.divergences.Inc()
		c.restart(b, "estimator diverged")
	case c.halfPeriods >= c.maxHalf:
		c.restart(b, "beacons inconsistent with sequence numbers")
	}
	c.log.Debug("beacon processed", zap.Object("record", r))
	return r
}

// restart discards the estimate and makes b the first beacon of a new one.
func (c *Calibrator) restart(b Beacon, reason string) {
	calMetrics.Load().restarts.Inc()
	c.log.Warn("restarting estimate", zap.String("reason", reason), zap.Uint8("seq", b.Seq))
	if err := c.ts.Reset(); err != nil {
		c.log.Error("failed to reset estimate", zap.Error(err))
		return
	}
	c.halfPeriods = 0
	c.ts.Update(b.Timestamp, 1)
}

// Skew returns the current ratio of local to reference clock rate.
func (c *Calibrator) Skew() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts.Skew()
}

func (c *Calibrator) Status() timescale.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts.Status()
}

// Forward maps local seconds since the first beacon to the reference
// timescale.
func (c *Calibrator) Forward(local float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts.Forward(local)
}

// Inverse maps reference seconds since the first beacon to local seconds.
func (c *Calibrator) Inverse(reference float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts.Inverse(reference)
}

// Seconds converts a raw counter value close to the last beacon to local
// seconds since the first beacon.
func (c *Calibrator) Seconds(raw uint64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts.Seconds(raw)
}

// Close releases the estimator. Beacons received afterwards are ignored.
func (c *Calibrator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ts.Release()
}
