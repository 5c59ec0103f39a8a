package config

import (
	"math/rand"
	"time"
)

// Backoff decides how long a conflicting transaction waits before its next attempt.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff doubles the window per attempt, capped at Max, and picks a
// random delay inside it.
type ExponentialBackoff struct {
	Min time.Duration
	Max time.Duration
}

func NewBackoff(cfg *Config) *ExponentialBackoff {
	return &ExponentialBackoff{Min: cfg.BackoffMin.Duration, Max: cfg.BackoffMax.Duration}
}

func (b *ExponentialBackoff) Delay(attempt int) time.Duration {
	if b.Max <= 0 || attempt < 1 {
		return 0
	}
	window := b.Min
	if window <= 0 {
		window = 1
	}
	for i := 1; i < attempt && window < b.Max; i++ {
		window *= 2
	}
	if window > b.Max {
		window = b.Max
	}
	if window <= b.Min {
		return window
	}
	return b.Min + time.Duration(rand.Int63n(int64(window-b.Min)))
}
