// Package backoff implements the exponential-backoff delay generator used
// by the DoT TCP accept loop to dampen tight error loops (DoH's accept
// loop is net/http.Server's own). QUIC accept
// errors fall out of the endpoint's future directly and do not use this
// package (SPEC_FULL.md §4.10).
package backoff

import "sync/atomic"

// maxAttempt is the attempt ceiling; the counter wraps back to 0 once it
// is read at maxAttempt, giving the "reset at the 11th attempt" behavior
// from SPEC_FULL.md §8.
const maxAttempt = 10

// Counter is a lock-free, concurrency-safe exponential-backoff delay
// generator. The zero value is ready to use.
type Counter struct {
	attempt atomic.Uint64
}

// NextDelay returns min(baseMs * 2^attempt, maxMs) in milliseconds and
// advances the internal attempt counter. attempt is clamped to
// [0, maxAttempt]; once it is read at maxAttempt it resets to 0 for the
// next call.
func (c *Counter) NextDelay(baseMs, maxMs int64) int64 {
	n := c.advance()

	delay := baseMs
	for i := uint64(0); i < n; i++ {
		delay *= 2
		if delay <= 0 || delay > maxMs {
			delay = maxMs
			break
		}
	}
	if delay > maxMs {
		delay = maxMs
	}
	return delay
}

// advance returns the attempt value to use for this call (0..maxAttempt)
// and moves the counter to the next value, wrapping to 0 after
// maxAttempt.
func (c *Counter) advance() uint64 {
	for {
		old := c.attempt.Load()
		next := old + 1
		if next > maxAttempt {
			next = 0
		}
		if c.attempt.CompareAndSwap(old, next) {
			return old
		}
	}
}
