package shared

import (
	"math/rand/v2"
	"time"
)

// RandomDelay returns a duration uniformly drawn from [min, max). max <= min
// yields min.
func RandomDelay(min, max time.Duration) time.Duration {
	if min < 0 {
		min = 0
	}
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
}

// Millis converts a millisecond config value to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
