// Package mathx provides rounding helpers used to build stable cache keys from floats
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
// Halves round away from zero.
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// Quantize returns x in integer multiples of unit.  Two floats which differ by
// less than half a unit usually quantize to the same value, which makes the
// result suitable as part of a map key.
func Quantize(x, unit float64) int64 {
	return int64(math.Round(x / unit))
}
