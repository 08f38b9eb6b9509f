// ABOUTME: Exponential reconnect backoff with bounded random jitter.
// ABOUTME: Delays grow strictly until they reach the configured cap.

package link

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64        // fraction in [0, 1)
	Rand   func() float64 // nil uses math/rand/v2
}

// Delay returns the wait before retry number attempt (0-based):
// min(Max, Base·2^attempt·(1+u·Jitter)) with u in [0, 1).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 62 {
		attempt = 62
	}

	d := float64(b.Base) * math.Pow(2, float64(attempt))
	if b.Jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		d *= 1 + b.Jitter*r()
	}
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
