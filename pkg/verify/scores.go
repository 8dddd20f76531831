package verify

import "math"

// round4 rounds to four decimal places so scores are stable across
// re-computation.
func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
