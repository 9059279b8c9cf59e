// Package review implements the prioritized human review queue: scoring,
// listing, claiming, and the approve/reject/cancel verdicts.
package review

import "math"

// ageSaturation is the queue age, in minutes, at which the age term of the
// priority score saturates.
const ageSaturation = 60.0

// Priority scores a pending interaction for queue ordering. All three
// inputs are normalized to [0,1]; age saturates after an hour so old items
// cannot starve high-risk ones indefinitely.
func Priority(ageMinutes, userValue, riskScore float64) float64 {
	age := math.Min(math.Max(ageMinutes, 0)/ageSaturation, 1)
	return 0.4*age + 0.3*clamp01(userValue) + 0.3*clamp01(riskScore)
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
