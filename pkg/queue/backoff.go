package queue

import "time"

// maxBackoffShift caps the exponent so the computed delay cannot overflow a
// time.Duration (2^62 ns fits; 2^33 s does not).
const maxBackoffShift = 30

// Backoff returns the redelivery delay for the given retry attempt,
// 0-indexed: 1s, 2s, 4s, 8s and so on. It is a pure function, independent of
// any job state.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}
