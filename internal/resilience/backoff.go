package resilience

import (
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with additive jitter:
// delay = min(base * 2^attempt, max) plus a uniform jitter in
// [0, delay/4).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns the standard retry curve
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 2 * time.Minute}
}

// Delay returns the sleep duration before retry number attempt,
// counting from 0
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max <= 0 {
		b.Max = 2 * time.Minute
	}

	delay := b.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= b.Max {
			delay = b.Max
			break
		}
	}
	if delay > b.Max {
		delay = b.Max
	}

	jitter := time.Duration(rand.Int64N(int64(delay)/4 + 1))
	return delay + jitter
}
