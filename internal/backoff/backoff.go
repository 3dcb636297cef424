// Package backoff computes reconnection delays and retry budgets.
//
// The functions are pure: they hold no state and never block. Callers keep
// their own attempt counter and feed it back on every failure.
package backoff

import "time"

// NextDelay returns min(initial * 2^attempt, max). attempt is zero-based;
// negative values are treated as zero.
//
// The result is never negative. Doubling stops as soon as the value reaches
// max, so arbitrarily large attempt numbers cannot overflow.
func NextDelay(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 || max <= 0 {
		return 0
	}
	if initial >= max {
		return max
	}
	d := initial
	for i := 0; i < attempt; i++ {
		if d > max/2 {
			return max
		}
		d *= 2
	}
	return min(d, max)
}

// ShouldRetry reports whether another attempt is allowed after attempt
// failures. A non-positive maxAttempts disables retry entirely.
func ShouldRetry(attempt, maxAttempts int) bool {
	if maxAttempts <= 0 {
		return false
	}
	return attempt < maxAttempts
}

// Policy bundles the knobs of an exponential backoff.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps every delay.
	Max time.Duration

	// MaxAttempts is the retry budget. Zero disables retry.
	MaxAttempts int
}

// Delay is [NextDelay] with the policy's bounds.
func (p Policy) Delay(attempt int) time.Duration {
	return NextDelay(attempt, p.Initial, p.Max)
}

// Retry is [ShouldRetry] with the policy's budget.
func (p Policy) Retry(attempt int) bool {
	return ShouldRetry(attempt, p.MaxAttempts)
}
