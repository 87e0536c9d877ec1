package verification

import (
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	// Jitter maps the computed delay to the delay actually waited.
	// Nil means equal jitter: a uniform value in [d/2, d].
	Jitter func(d time.Duration) time.Duration
}

// DefaultBackoff is 500ms doubling per attempt, capped at 4s.
func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Factor: 2, Max: 4 * time.Second}
}

// Delay returns the wait before retry number retry (0 for the first retry).
func (b Backoff) Delay(retry int) time.Duration {
	d := b.ceiling(retry)
	if b.Jitter != nil {
		return b.Jitter(d)
	}
	return equalJitter(d)
}

// ceiling is the un-jittered delay for a retry.
func (b Backoff) ceiling(retry int) time.Duration {
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Base)
	for i := 0; i < retry; i++ {
		d *= factor
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

func equalJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

// NoJitter waits exactly the computed delay.
func NoJitter(d time.Duration) time.Duration { return d }
