package connection

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff configures reconnect pacing. The delay for attempt n (1-based) is
// min(MaxDelay, BaseDelay*Multiplier^(n-1)) scaled by a random factor within
// [1-Jitter, 1+Jitter] and clamped to MaxDelay.
type Backoff struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:   1000 * time.Millisecond,
		Multiplier:  1.5,
		MaxDelay:    30000 * time.Millisecond,
		MaxAttempts: 10,
		Jitter:      0.1,
	}
}

// NominalDelay is the un-jittered delay for the given 1-based attempt.
func (b Backoff) NominalDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.BaseDelay) * math.Pow(b.Multiplier, float64(attempt-1))
	if d > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(d)
}

type backoffPolicy struct {
	cfg Backoff
	eb  *backoff.ExponentialBackOff
}

func newBackoffPolicy(cfg Backoff) *backoffPolicy {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.BaseDelay
	eb.Multiplier = cfg.Multiplier
	eb.MaxInterval = cfg.MaxDelay
	eb.RandomizationFactor = cfg.Jitter
	eb.MaxElapsedTime = 0 // attempts are bounded by MaxAttempts instead
	eb.Reset()
	return &backoffPolicy{cfg: cfg, eb: eb}
}

func (p *backoffPolicy) next() time.Duration {
	d := p.eb.NextBackOff()
	if d == backoff.Stop || d > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return d
}

func (p *backoffPolicy) reset() {
	p.eb.Reset()
}
