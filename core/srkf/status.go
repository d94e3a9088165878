package srkf

import (
	"go.uber.org/zap/zapcore"
)

// Status reports the health of an Estimator. Flags are independent.
type Status struct {
	// Initialized is set while the estimator holds valid buffers.
	Initialized bool
	// Divergence is set when NaN or Inf appeared in the state or its
	// covariance factors. It persists until Reset.
	Divergence bool
	// Inhibit is set when the last cycle skipped measurement incorporation
	// on request of the caller.
	Inhibit bool
	// IllConditioned is set when the last cycle encountered a pivot that
	// was positive but small relative to its scale.
	IllConditioned bool
	// NotPositiveDefinite is set when a factorization in the last cycle, or
	// a noise update since the previous cycle, hit a non-positive pivot.
	NotPositiveDefinite bool
}

func (s Status) IsDivergent() bool { return s.Divergence }

func (s Status) IsInhibited() bool { return s.Inhibit }

func (s Status) IsIllConditioned() bool { return s.IllConditioned }

func (s Status) IsNotPositiveDefinite() bool { return s.NotPositiveDefinite }

// Healthy reports whether the estimator is initialized and the last cycle
// completed without a numerical fault.
func (s Status) Healthy() bool {
	return s.Initialized && !s.Divergence && !s.NotPositiveDefinite
}

func (s Status) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddBool("initialized", s.Initialized)
	enc.AddBool("divergence", s.Divergence)
	enc.AddBool("inhibit", s.Inhibit)
	enc.AddBool("illconditioned", s.IllConditioned)
	enc.AddBool("notpositivedefinite", s.NotPositiveDefinite)
	return nil
}
