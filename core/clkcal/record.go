package clkcal

import (
	"math"
	"time"

	"go.uber.org/zap/zapcore"

	"example.com/clkcal/core/timescale"
)

// Beacon is a received clock calibration packet: its 8-bit sequence number
// and the local counter value at reception.
type Beacon struct {
	Seq       uint8
	Timestamp uint64
}

// Record describes one processed beacon.
type Record struct {
	// UTime is the wall clock time the beacon was processed at.
	UTime     time.Time
	Timestamp uint64
	// Interval is the counter advance since the previous beacon, reduced to
	// the counter width.
	Interval uint64
	Skew     float64
	NT       uint
	// Residual is the time innovation of the last measurement in seconds.
	Residual float64
	Status   timescale.Status
}

// SkewPPM returns the deviation of the skew from 1 in parts per million.
func (r Record) SkewPPM() float64 {
	return (r.Skew - 1) * 1e6
}

type interval struct {
	timestamp, interval uint64
}

func (i interval) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	enc.AppendUint64(i.timestamp)
	enc.AppendUint64(i.interval)
	return nil
}

// MarshalLogObject writes the skew as its IEEE 754 bit pattern so that logged
// records reproduce it exactly.
func (r Record) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddTime("utime", r.UTime)
	if err := enc.AddArray("ccp", interval{r.Timestamp, r.Interval}); err != nil {
		return err
	}
	enc.AddUint64("skew", math.Float64bits(r.Skew))
	enc.AddFloat64("skew_ppm", r.SkewPPM())
	enc.AddUint("nT", r.NT)
	enc.AddFloat64("residual", r.Residual)
	return enc.AddObject("status", r.Status)
}
