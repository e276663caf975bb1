package orchestrator

import (
	"math/rand"
	"time"
)

// BackoffConfig shapes the retry delay curve for transient tool
// failures. The delay doubles per attempt up to Max, with up to
// Jitter fraction of random spread so a burst of failures does not
// re-issue in lockstep.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier int
	Jitter     float64
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	d := c.Initial
	for i := 1; i < attempt; i++ {
		d *= time.Duration(c.Multiplier)
		if d >= c.Max {
			d = c.Max
			break
		}
	}
	if c.Jitter > 0 {
		spread := float64(d) * c.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if d < 0 {
		return 0
	}
	return d
}
