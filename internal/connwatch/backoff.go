// Package connwatch holds mailbridge's reconnection policy and the health
// watchers for its remote dependencies.
//
// Account workers and health watchers share one schedule type,
// [BackoffConfig]. Workers drive a [Backoff] by hand around IMAP
// handshakes; a [Watcher] drives its own around a probe function. The
// default schedule is a fixed 60 seconds between attempts.
//
// httpkit's transport retry is a separate, sub-second mechanism for
// connect errors inside a single request.
package connwatch

import "time"

// BackoffConfig controls retry timing.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 60s).
	InitialDelay time.Duration

	// MaxDelay caps the grown delay (default: 10m).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failure. 1 keeps the delay
	// fixed at InitialDelay (default: 1).
	Multiplier float64

	// PollInterval is how often a Watcher re-probes a healthy service
	// (default: 60s). Account workers ignore it.
	PollInterval time.Duration

	// ProbeTimeout bounds each Watcher probe (default: 10s). Account
	// workers ignore it.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the fixed one-minute schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 60 * time.Second,
		MaxDelay:     10 * time.Minute,
		Multiplier:   1,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// WithDefaults returns a copy with zero-value fields replaced by the
// defaults. A Multiplier below 1 is raised to 1 so delays never shrink,
// and MaxDelay is never below InitialDelay.
func (c BackoffConfig) WithDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	c.MaxDelay = max(c.MaxDelay, c.InitialDelay)
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// Delay returns the wait before retry number attempt (1-based):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	d := c.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * c.Multiplier)
		if c.MaxDelay > 0 && d >= c.MaxDelay {
			break
		}
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// Backoff counts consecutive failures against a BackoffConfig. It is not
// safe for concurrent use; each account worker and each Watcher owns one.
type Backoff struct {
	cfg     BackoffConfig
	attempt int
}

// NewBackoff creates a Backoff with defaults applied to cfg.
func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{cfg: cfg.WithDefaults()}
}

// Next records a failure and returns how long to wait before retrying.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return b.cfg.Delay(b.attempt)
}

// Attempt returns the number of failures since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset clears the failure count after a success.
func (b *Backoff) Reset() { b.attempt = 0 }
