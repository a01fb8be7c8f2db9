// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"sync"

	"github.com/bureau-foundation/capture/lib/retry"
)

// DiscardReason classifies events that were never delivered. The
// values follow the client-report outcome names used by crash and
// telemetry SDKs.
type DiscardReason string

const (
	DiscardConsentDenied  DiscardReason = "consent_denied"
	DiscardRateLimit      DiscardReason = "ratelimit"
	DiscardBeforeSend     DiscardReason = "before_send"
	DiscardInvalidEvent   DiscardReason = "invalid_event"
	DiscardRetryExhausted DiscardReason = "retry_exhausted"
	DiscardRetryExpired   DiscardReason = "retry_expired"
	DiscardBufferOverflow DiscardReason = "buffer_overflow"

	// DiscardSendError counts events in batches that could not be
	// encoded for sending.
	DiscardSendError DiscardReason = "send_error"
)

func discardReasonForDrop(reason retry.DropReason) DiscardReason {
	switch reason {
	case retry.DropExpired:
		return DiscardRetryExpired
	case retry.DropOverflow:
		return DiscardBufferOverflow
	default:
		return DiscardRetryExhausted
	}
}

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	// Captured counts events that reached the request queue.
	Captured uint64

	// Delivered counts events the collector accepted.
	Delivered uint64

	// Discarded counts events dropped per reason.
	Discarded map[DiscardReason]uint64

	// Pending is the number of events waiting in the request queue.
	Pending int

	// Retrying is the number of batches in the retry queue.
	Retrying int
}

type counters struct {
	mu        sync.Mutex
	captured  uint64
	delivered uint64
	discarded map[DiscardReason]uint64
}

func (c *counters) capture() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captured++
}

func (c *counters) deliver(events int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered += uint64(events)
}

func (c *counters) discard(reason DiscardReason, events int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discarded == nil {
		c.discarded = make(map[DiscardReason]uint64)
	}
	c.discarded[reason] += uint64(events)
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := Stats{
		Captured:  c.captured,
		Delivered: c.delivered,
		Discarded: make(map[DiscardReason]uint64, len(c.discarded)),
	}
	for reason, count := range c.discarded {
		stats.Discarded[reason] = count
	}
	return stats
}
