package mux

import (
	"math/rand"
	"time"
)

// Promotion timing. The bind jitter keeps every follower from colliding on
// the freed port at the same instant; the retry backoff spaces out reconnect
// attempts against a freshly promoted leader.
const (
	bindJitterMin = 50 * time.Millisecond
	bindJitterMax = 200 * time.Millisecond

	retryBackoffMin = 500 * time.Millisecond
	retryBackoffMax = 1000 * time.Millisecond

	promotionAttempts = 5
)

// jitterBetween returns a uniformly random duration in [min, max]. The rng is
// injectable so tests can pin the range.
func jitterBetween(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := max - min
	var f float64
	if rng != nil {
		f = rng.Float64()
	} else {
		f = rand.Float64()
	}
	return min + time.Duration(f*float64(span))
}
