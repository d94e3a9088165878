package clkcal

import (
	"example.com/clkcal/base/floats"
)

// If the window is too large, slope estimation gets quadratically slower.
const maxTheilSenSamples = 64

// TheilSen is a robust skew estimate over the most recent beacon intervals.
type TheilSen struct {
	ticksPerPeriod float64
	ref            float64
	local          float64
	samples        []point
}

type point struct {
	x float64
	y float64
}

// NewTheilSen returns an estimator for a counter advancing ticksPerPeriod
// ticks per nominal beacon period.
func NewTheilSen(ticksPerPeriod float64) *TheilSen {
	return &TheilSen{ticksPerPeriod: ticksPerPeriod}
}

func slope(pts []point) float64 {
	if len(pts) == 1 {
		return 1.0
	}

	var slopes []float64
	for i, a := range pts {
		for _, b := range pts[i+1:] {
			// Like in the original paper by Sen (1968), ignore pairs with the same x coordinate
			if a.x != b.x {
				slopes = append(slopes, (a.y-b.y)/(a.x-b.x))
			}
		}
	}

	if len(slopes) == 0 {
		return 1.0
	}
	return floats.Median(slopes)
}

func intercept(slope float64, pts []point) float64 {
	var intercepts []float64
	for _, pt := range pts {
		intercepts = append(intercepts, pt.y-slope*pt.x)
	}
	return floats.Median(intercepts)
}

// Add records a received interval of nT periods spanning interval ticks.
func (ts *TheilSen) Add(nT uint, interval uint64) {
	if nT == 0 || ts.ticksPerPeriod <= 0 {
		return
	}
	ts.ref += float64(nT)
	ts.local += float64(interval) / ts.ticksPerPeriod
	if len(ts.samples) == maxTheilSenSamples {
		ts.samples = ts.samples[1:]
	}
	ts.samples = append(ts.samples, point{x: ts.ref, y: ts.local})
}

// Skew returns the estimated local periods per reference period and whether
// at least two intervals have been recorded.
func (ts *TheilSen) Skew() (float64, bool) {
	if len(ts.samples) < 2 {
		return 1.0, false
	}
	return slope(ts.samples), true
}

// Residual returns the deviation in periods of the latest sample from the
// fitted line.
func (ts *TheilSen) Residual() float64 {
	if len(ts.samples) == 0 {
		return 0
	}
	s := slope(ts.samples)
	c := intercept(s, ts.samples)
	last := ts.samples[len(ts.samples)-1]
	return last.y - (s*last.x + c)
}
