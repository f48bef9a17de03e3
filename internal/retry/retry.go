// Package retry decides whether a failed block fetch gets another attempt.
package retry

// Unlimited disables the retry ceiling.
const Unlimited = -1

// ShouldRetry reports whether a fetch that has failed attemptsSoFar times
// may try again. The caller increments its counter before asking.
// A negative maxRetries means retries are unlimited.
func ShouldRetry(attemptsSoFar, maxRetries int) bool {
	if maxRetries < 0 {
		return true
	}

	return attemptsSoFar <= maxRetries
}
