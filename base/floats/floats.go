package floats

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
)

func midpoint(x, y float64) float64 {
	return x + (y-x)/2.0
}

// Median sorts fs in place and returns its median.
func Median(fs []float64) float64 {
	n := len(fs)
	if n == 0 {
		panic("unexpected number of values")
	}
	slices.Sort(fs)
	i := n / 2
	if n%2 != 0 {
		return fs[i]
	}
	return midpoint(fs[i-1], fs[i])
}

// Finite reports whether no value in any of vs is NaN or ±Inf.
func Finite(vs ...[]float64) bool {
	for _, v := range vs {
		if floats.HasNaN(v) {
			return false
		}
		for _, x := range v {
			if math.IsInf(x, 0) {
				return false
			}
		}
	}
	return true
}

// Positive reports whether every value in v is finite and strictly positive.
func Positive(v []float64) bool {
	for _, x := range v {
		if !(x > 0) || math.IsInf(x, 1) {
			return false
		}
	}
	return true
}

// NonNegative reports whether every value in v is finite and not negative.
func NonNegative(v []float64) bool {
	for _, x := range v {
		if !(x >= 0) || math.IsInf(x, 1) {
			return false
		}
	}
	return true
}

// Dot returns the dot product of equal-length a and b.
func Dot(a, b []float64) float64 {
	return floats.Dot(a, b)
}

