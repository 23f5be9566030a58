package util

import "time"

// Backoff returns the exponential backoff delay for the given attempt:
// base * 2^attempt, capped at max. Negative attempts get the base delay.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		return base
	}
	// 2^30 already exceeds any sane cap.
	if attempt > 30 {
		return max
	}
	d := base * time.Duration(1<<attempt)
	if d > max {
		return max
	}
	return d
}
