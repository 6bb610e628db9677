// Package backoff provides exponential backoff calculation for connection
// retry policies.
package backoff

import (
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 1s
	Max     time.Duration // default: 30s
}

// Delay returns the wait before the given attempt. Attempt 1 waits Initial,
// attempt 2 twice that, and so on, capped at Max.
func Delay(attempt int, cfg *Config) time.Duration {
	initial := time.Second
	maxDelay := 30 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxDelay = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return time.Duration(d)
}
