package webhook

import (
	"math"
	"time"
)

// Backoff is a capped exponential retry schedule with an attempt ceiling.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff waits 30s, 1m, 2m ... up to 1h, for at most 10 attempts.
func DefaultBackoff() Backoff {
	return Backoff{Base: 30 * time.Second, Factor: 2, Cap: time.Hour, MaxAttempts: 10}
}

// Delay returns the wait after failed attempt number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(b.Cap) {
		return b.Cap
	}
	return time.Duration(d)
}

// Exhausted reports whether attempts has reached the ceiling.
func (b Backoff) Exhausted(attempts int) bool {
	return attempts >= b.MaxAttempts
}

func (b Backoff) normalized() Backoff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Factor < 1 {
		b.Factor = def.Factor
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = def.MaxAttempts
	}
	return b
}
