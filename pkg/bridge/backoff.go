package bridge

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes the wait before each reconnect attempt:
// Initial * Multiplier^(attempt-1), capped at Max when Max > 0.
type BackoffPolicy struct {
	Initial    time.Duration
	Multiplier float64
	// Max caps a single delay. Zero leaves the delay uncapped.
	Max time.Duration
	// MaxAttempts stops the loop after that many failures. Zero retries forever.
	MaxAttempts int
	// Jitter spreads each delay by ±15%.
	Jitter bool
}

// DefaultBackoffPolicy waits 2^attempt seconds, forever.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial:    2 * time.Second,
		Multiplier: 2,
	}
}

// Delay returns the wait before the given attempt, counting from 1.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	if p.Jitter {
		delay = delay + rand.Float64()*0.3*delay - 0.15*delay
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// exhausted reports whether attempt is past MaxAttempts.
func (p BackoffPolicy) exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
