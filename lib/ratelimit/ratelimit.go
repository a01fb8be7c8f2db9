// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit caps the rate of captured events with a token
// bucket.
//
// The bucket refills continuously at EventsPerSecond up to BurstLimit
// tokens and starts full. Each admitted event consumes one token.
// Refill is computed from the injected clock, so virtual-clock tests
// control it exactly.
package ratelimit

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/capture/lib/clock"
)

const (
	// DefaultEventsPerSecond is the default refill rate.
	DefaultEventsPerSecond = 10

	// DefaultBurstMultiplier sets the default capacity relative to
	// the refill rate.
	DefaultBurstMultiplier = 10

	// WarningEvent is the event the pipeline emits the first time
	// limiting kicks in.
	WarningEvent = "$$client_ingestion_warning"
)

// Config configures a Limiter.
type Config struct {
	// EventsPerSecond is the refill rate. Zero or negative selects
	// DefaultEventsPerSecond.
	EventsPerSecond float64

	// BurstLimit is the bucket capacity. Zero or negative selects
	// DefaultBurstMultiplier times EventsPerSecond. Rounded to the
	// nearest whole token, minimum one.
	BurstLimit float64

	// OnFirstLimit is called once, without the limiter's lock held,
	// the first time an event is denied.
	OnFirstLimit func()

	Clock  clock.Clock
	Logger *slog.Logger
}

// Limiter is a token bucket admission check. Safe for concurrent use.
type Limiter struct {
	clock        clock.Clock
	logger       *slog.Logger
	onFirstLimit func()

	mu      sync.Mutex
	limiter *rate.Limiter
	warned  bool

	dropped atomic.Uint64
}

// New creates a full bucket.
func New(config Config) *Limiter {
	if config.EventsPerSecond <= 0 {
		config.EventsPerSecond = DefaultEventsPerSecond
	}
	if config.BurstLimit <= 0 {
		config.BurstLimit = config.EventsPerSecond * DefaultBurstMultiplier
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	burst := max(1, int(math.Round(config.BurstLimit)))
	return &Limiter{
		clock:        config.Clock,
		logger:       config.Logger,
		onFirstLimit: config.OnFirstLimit,
		limiter:      rate.NewLimiter(rate.Limit(config.EventsPerSecond), burst),
	}
}

// IsRateLimited consumes a token if one is available and reports
// whether the event must be dropped.
func (l *Limiter) IsRateLimited() bool {
	now := l.clock.Now()

	l.mu.Lock()
	allowed := l.limiter.AllowN(now, 1)
	firstLimit := !allowed && !l.warned
	if firstLimit {
		l.warned = true
	}
	l.mu.Unlock()

	if allowed {
		return false
	}
	l.dropped.Add(1)
	if firstLimit {
		l.logger.Warn("client-side rate limit reached, dropping events",
			"events_per_second", float64(l.limiter.Limit()),
			"burst_limit", l.limiter.Burst(),
		)
		if l.onFirstLimit != nil {
			l.onFirstLimit()
		}
	}
	return true
}

// Tokens returns the tokens available now.
func (l *Limiter) Tokens() float64 {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiter.TokensAt(now)
}

// Dropped returns how many events have been denied.
func (l *Limiter) Dropped() uint64 { return l.dropped.Load() }
