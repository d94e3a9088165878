package clkcal

import (
	"math"
	"math/rand"
	"time"

	"example.com/clkcal/base/timemath"
	"example.com/clkcal/core/timescale"
)

// Simulation describes a synthetic beacon stream as received by a local
// counter whose rate deviates from the reference.
type Simulation struct {
	Period time.Duration
	// SkewPPM is the initial deviation of the local rate in parts per
	// million.
	SkewPPM float64
	// Drift is the relative change of the local rate per second.
	Drift float64
	// JitterPS is the standard deviation of the reception timestamp noise in
	// picoseconds.
	JitterPS float64
	// DropRate is the probability of a beacon being lost.
	DropRate         float64
	CounterBits      uint
	CounterFrequency float64
	// Offset is the counter value at the first beacon.
	Offset uint64
	Seed   int64
}

// Beacons returns the first n beacons received.
func (s Simulation) Beacons(n int) []Beacon {
	if s.DropRate < 0 || s.DropRate >= 1 {
		panic("unexpected drop rate")
	}
	bits := s.CounterBits
	if bits == 0 {
		bits = timescale.DefaultCounterBits
	}
	freq := s.CounterFrequency
	if freq == 0 {
		freq = timescale.DefaultCounterFrequency
	}
	mask := timemath.CounterMask(bits)
	skew := 1 + s.SkewPPM*1e-6
	period := timemath.Seconds(s.Period)
	rng := rand.New(rand.NewSource(s.Seed))

	bs := make([]Beacon, 0, n)
	for k := 0; len(bs) < n; k++ {
		if k > 0 && rng.Float64() < s.DropRate {
			continue
		}
		t := float64(k) * period
		local := skew*t + 0.5*skew*s.Drift*t*t
		if s.JitterPS > 0 {
			local += rng.NormFloat64() * s.JitterPS * 1e-12
		}
		ticks := int64(math.Round(local * freq))
		bs = append(bs, Beacon{
			Seq:       uint8(k),
			Timestamp: (s.Offset + uint64(ticks)) & mask,
		})
	}
	return bs
}
