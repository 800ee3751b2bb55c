// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// Clamp limits x to the range [low, high]
func Clamp(x, low, high float64) float64 {
	return math.Max(low, math.Min(x, high))
}

// ClampInt limits i to the range [low, high].  If high < low, high wins.
func ClampInt(i, low, high int) int {
	if i < low {
		i = low
	}
	if i > high {
		i = high
	}
	return i
}

// ClampU16 rounds x to the nearest integer and clamps it to the uint16 range
func ClampU16(x float64) uint16 {
	if x != x || x <= 0 { // NaN or negative
		return 0
	}
	if x >= math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(math.Round(x))
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
// since time.Duration is an int64, this will round to the nearest ns
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}
