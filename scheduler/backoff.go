package scheduler

import "time"

// Backoff returns the capture interval after failures consecutive failures. It stays at
// period up to threshold, then doubles per extra failure until it reaches max.
func Backoff(period, max time.Duration, failures, threshold int) time.Duration {
	if failures <= threshold {
		return period
	}
	d := period
	for i := 0; i < failures-threshold; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
