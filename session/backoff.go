package session

import "time"

// BackoffConfig shapes the reconnect retry schedule: the delay doubles
// each attempt from Base up to Max, for at most MaxAttempts tries.
type BackoffConfig struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff is the reconnect schedule used unless overridden:
// 1s, 2s, 4s, ... capped at 30s, ten attempts.
var DefaultBackoff = BackoffConfig{
	Base:        time.Second,
	Max:         30 * time.Second,
	MaxAttempts: 10,
}

// Delay returns the wait before the given 1-based attempt.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.Max {
			return c.Max
		}
	}
	if d > c.Max {
		return c.Max
	}
	return d
}
