package queue

import (
	"math/rand"
	"time"
)

const (
	// backoffBase is the first retry delay.
	backoffBase = time.Minute

	// backoffMax caps any retry delay.
	backoffMax = time.Hour
)

// Backoff returns the delay before retry number attempts (1-based):
// base·2^(k-1) plus a proportional jitter, capped at backoffMax. The jitter
// keeps a burst of same-tick failures from thundering back together.
//
//	attempt 1 → [60s, 120s)
//	attempt 2 → [120s, 240s)
//	attempt 3 → [240s, 480s)
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := backoffBase << (attempts - 1)
	if d > backoffMax || d <= 0 {
		d = backoffMax
	}

	jitter := time.Duration(rand.Int63n(int64(d)))
	total := d + jitter
	if total > backoffMax {
		total = backoffMax
	}
	return total
}
