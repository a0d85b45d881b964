package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// delayCurve yields same-endpoint retry delays: exponential with jitter,
// capped at max and never shorter than the previous delay. Reset starts
// the curve over.
type delayCurve struct {
	exp  *backoff.ExponentialBackOff
	max  time.Duration
	last time.Duration
}

func newDelayCurve(cfg HandlerConfig) *delayCurve {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialBackoff,
		RandomizationFactor: cfg.Jitter,
		Multiplier:          cfg.BackoffMultiplier,
		MaxInterval:         cfg.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	return &delayCurve{exp: exp, max: cfg.MaxBackoff}
}

// Next returns the next delay.
func (c *delayCurve) Next() time.Duration {
	d := c.exp.NextBackOff()
	if d == backoff.Stop || d > c.max {
		d = c.max
	}
	if d < c.last {
		d = c.last
	}
	c.last = d
	return d
}

// Reset restarts the curve at the initial interval.
func (c *delayCurve) Reset() {
	c.exp.Reset()
	c.last = 0
}
