package ws

import (
	"math"
	"math/rand"
	"time"
)

// backoff computes reconnect delays: exponential growth with jitter,
// capped at max. A connection that stayed up for a while resets the
// attempt counter.
type backoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newBackoff(base, max time.Duration, maxAttempts int) *backoff {
	return &backoff{base: base, max: max, maxAttempts: maxAttempts}
}

func (b *backoff) shouldRetry() bool {
	return b.maxAttempts == 0 || b.attempt < b.maxAttempts
}

func (b *backoff) markConnected() {
	b.connectedAt = time.Now()
}

func (b *backoff) next() time.Duration {
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > 60*time.Second {
		b.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(b.base) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.base)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.max),
	))
	b.attempt++
	return delay
}
