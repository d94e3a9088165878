package timemath

import (
	"time"
)

func Duration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func Seconds(d time.Duration) float64 {
	return d.Seconds()
}

// CounterMask returns the mask of a bits wide free-running counter.
func CounterMask(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return 1<<bits - 1
}

// CounterDelta returns the number of ticks a bits wide counter advanced from
// prev to cur, assuming less than one full wrap, and whether it wrapped.
func CounterDelta(cur, prev uint64, bits uint) (delta uint64, wrapped bool) {
	m := CounterMask(bits)
	cur, prev = cur&m, prev&m
	return (cur - prev) & m, cur < prev
}

// CounterDiff returns the signed difference cur - prev of a bits wide
// counter, taking the representative closest to zero.
func CounterDiff(cur, prev uint64, bits uint) int64 {
	d, _ := CounterDelta(cur, prev, bits)
	if bits < 64 && d >= 1<<(bits-1) {
		return int64(d) - int64(1)<<bits
	}
	return int64(d)
}

// SeqDelta returns the number of sequence numbers elapsed from prev to cur on
// an 8-bit wrapping sequence counter.
func SeqDelta(cur, prev uint8) uint {
	return uint(cur - prev)
}
