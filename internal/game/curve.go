package game

import "math"

// GROWTH_RATE sets how fast the multiplier climbs: m(t) = e^(rate*t),
// starting at 1.00x and reaching 2.00x after roughly seven seconds.
const GROWTH_RATE = 0.1

// Multiplier returns the raw curve value after elapsed seconds of flight.
func Multiplier(elapsed float64) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Exp(GROWTH_RATE * elapsed)
}

// DisplayMultiplier truncates the curve to the two decimals players see.
// The crash check uses this value, so a round never crashes at a
// multiplier that was never displayed.
func DisplayMultiplier(elapsed float64) float64 {
	return math.Floor(Multiplier(elapsed)*100) / 100
}
