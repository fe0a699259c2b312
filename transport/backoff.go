package transport

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffConfig bounds reconnect delays.
type BackoffConfig struct {
	Min        time.Duration
	Max        time.Duration
	Multiplier float64

	// Jitter randomizes each delay by up to this fraction. Zero keeps the
	// sequence exact.
	Jitter float64
}

// DefaultBackoffConfig returns 1s doubling up to 30s, without jitter.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Min:        time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
	}
}

// Exponential returns a fresh exponential policy for cfg.
func (c BackoffConfig) Exponential() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.Min,
		RandomizationFactor: c.Jitter,
		Multiplier:          c.Multiplier,
		MaxInterval:         c.Max,
	}
	b.Reset()
	return b
}

// Backoff counts reconnect attempts over an exponential policy:
// Min, Min*m, Min*m², ... capped at Max. Not safe for concurrent use.
type Backoff struct {
	policy  *backoff.ExponentialBackOff
	attempt int
}

// NewBackoff creates a Backoff at its minimum.
func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{policy: cfg.Exponential()}
}

// Next returns the delay for the next retry and advances.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return b.policy.NextBackOff()
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset returns to the minimum delay.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.policy.Reset()
}
