// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package retry

import "time"

// Policy holds the backoff and retention limits.
type Policy struct {
	// BaseDelay is the delay after the first failure.
	BaseDelay time.Duration

	// MaxDelay caps the exponential delay before jitter.
	MaxDelay time.Duration

	// Jitter is the upper bound of the random extra delay, as a
	// fraction of the computed delay.
	Jitter float64

	// MaxAttempts is the number of failures after which an entry
	// is dropped.
	MaxAttempts int

	// MaxAge drops entries that have been failing this long.
	MaxAge time.Duration

	// MaxEntries bounds the queue.
	MaxEntries int

	// TickInterval is the period of the resubmission scan.
	TickInterval time.Duration
}

// DefaultPolicy returns the default limits.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:    3 * time.Second,
		MaxDelay:     30 * time.Minute,
		Jitter:       0.2,
		MaxAttempts:  10,
		MaxAge:       24 * time.Hour,
		MaxEntries:   100,
		TickInterval: 3 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.MaxAge <= 0 {
		p.MaxAge = defaults.MaxAge
	}
	if p.MaxEntries <= 0 {
		p.MaxEntries = defaults.MaxEntries
	}
	if p.TickInterval <= 0 {
		p.TickInterval = defaults.TickInterval
	}
	return p
}

// Delay returns the backoff before retrying an entry that has failed
// attempt times, excluding jitter: BaseDelay·2^(attempt-1), capped at
// MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(delay, p.MaxDelay)
}
