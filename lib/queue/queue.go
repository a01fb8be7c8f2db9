// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue micro-batches assembled events per batch key.
//
// Each batch key owns a pending list and at most one flush timer.
// Enqueue appends to the list and arms the timer if none is armed; an
// instant request or a list that reaches the size threshold flushes
// immediately. A flush takes the whole list, clears it, and hands it
// to the delivery function as one batch. Failed batches go to the
// failure handler (the retry queue) unchanged.
//
// Deliveries run on a background goroutine, one at a time in the
// order batches were taken, so batches of one key reach the network in
// enqueue order and Enqueue never waits on the network. FlushAll and
// Wait block until the deliveries they cover have finished; Unload
// sends on the caller's goroutine.
package queue

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/capture/lib/clock"
	"github.com/bureau-foundation/capture/lib/event"
	"github.com/bureau-foundation/capture/lib/transport"
)

const (
	// DefaultFlushInterval is how long an event waits for company.
	DefaultFlushInterval = 3000 * time.Millisecond

	// MinFlushInterval and MaxFlushInterval bound the configurable
	// flush interval.
	MinFlushInterval = 250 * time.Millisecond
	MaxFlushInterval = 5000 * time.Millisecond

	// DefaultThreshold is the pending list size that flushes
	// without waiting for the timer.
	DefaultThreshold = 50
)

// ClampFlushInterval applies the flush interval bounds. Zero or
// negative selects the default.
func ClampFlushInterval(interval time.Duration) time.Duration {
	switch {
	case interval <= 0:
		return DefaultFlushInterval
	case interval < MinFlushInterval:
		return MinFlushInterval
	case interval > MaxFlushInterval:
		return MaxFlushInterval
	default:
		return interval
	}
}

// Batch is a flushed pending list.
type Batch struct {
	BatchKey   string         `cbor:"batch_key"`
	URL        string         `cbor:"url"`
	Events     []event.Record `cbor:"events"`
	EnqueuedAt time.Time      `cbor:"enqueued_at"`
}

// Request is one Enqueue call.
type Request struct {
	// BatchKey groups events. Empty uses URL as the key.
	BatchKey string

	// URL is the collector endpoint. A batch is sent to the URL of
	// its first event.
	URL string

	Event *event.Record

	// Instant flushes the key immediately.
	Instant bool
}

// DeliverFunc sends one batch. A nil error means the collector
// accepted it. DeliverFunc runs on the dispatcher goroutine and must
// not call FlushAll or Wait.
type DeliverFunc func(batch Batch, strategy transport.Strategy) error

// FailureFunc receives a batch whose delivery failed.
type FailureFunc func(batch Batch, err error)

// Config configures a Queue.
type Config struct {
	Deliver   DeliverFunc
	OnFailure FailureFunc

	// FlushInterval is clamped with ClampFlushInterval.
	FlushInterval time.Duration

	// Threshold defaults to DefaultThreshold.
	Threshold int

	// DisableBatching makes every Enqueue instant.
	DisableBatching bool

	Clock  clock.Clock
	Logger *slog.Logger
}

type pendingList struct {
	url        string
	events     []event.Record
	enqueuedAt time.Time
	timer      *clock.Timer
}

// outgoing is a taken batch waiting for the dispatcher.
type outgoing struct {
	batch      Batch
	sequence   uint64
	generation uint64
}

// Queue is the request queue. Safe for concurrent use.
type Queue struct {
	deliver         DeliverFunc
	onFailure       FailureFunc
	flushInterval   time.Duration
	threshold       int
	disableBatching bool
	clock           clock.Clock
	logger          *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingList

	// outbox holds taken batches in dispatch order. draining is set
	// while a dispatcher goroutine owns it.
	outbox   []outgoing
	draining bool

	// taken numbers batches as they are taken. completed is the
	// highest number up to which every batch has finished. inFlight
	// is the number the dispatcher is delivering, zero when idle.
	// settled is the highest number finished outside the dispatcher
	// by Unload or Reset. done is signalled when completed advances.
	taken     uint64
	completed uint64
	inFlight  uint64
	settled   uint64
	done      *sync.Cond

	generation uint64
}

// New creates a Queue.
func New(config Config) *Queue {
	if config.Threshold <= 0 {
		config.Threshold = DefaultThreshold
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	q := &Queue{
		deliver:         config.Deliver,
		onFailure:       config.OnFailure,
		flushInterval:   ClampFlushInterval(config.FlushInterval),
		threshold:       config.Threshold,
		disableBatching: config.DisableBatching,
		clock:           config.Clock,
		logger:          config.Logger,
		pending:         make(map[string]*pendingList),
	}
	q.done = sync.NewCond(&q.mu)
	return q
}

// FlushInterval returns the effective (clamped) flush interval.
func (q *Queue) FlushInterval() time.Duration { return q.flushInterval }

// Enqueue appends request.Event to its batch key's pending list. The
// record is copied; the caller may reuse it.
func (q *Queue) Enqueue(request Request) {
	if request.Event == nil {
		return
	}
	key := request.BatchKey
	if key == "" {
		key = request.URL
	}

	q.mu.Lock()
	list, ok := q.pending[key]
	if !ok {
		list = &pendingList{url: request.URL, enqueuedAt: q.clock.Now()}
		q.pending[key] = list
	}
	list.events = append(list.events, *request.Event)
	flushNow := request.Instant || q.disableBatching || len(list.events) >= q.threshold
	if !flushNow && list.timer == nil {
		list.timer = q.clock.AfterFunc(q.flushInterval, func() {
			q.Flush(key)
		})
	}
	q.mu.Unlock()

	if flushNow {
		q.Flush(key)
	}
}

// Flush hands the pending list of key to the dispatcher, if it has
// one. It does not wait for the delivery.
func (q *Queue) Flush(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if batch, ok := q.take(key); ok {
		q.sendLocked(batch)
	}
}

// FlushAll hands every pending list to the dispatcher, in order of
// first enqueue, and waits until those and all earlier batches have
// been delivered or passed to the failure handler.
func (q *Queue) FlushAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, batch := range q.takeAll() {
		q.sendLocked(batch)
	}
	q.waitLocked(q.taken)
}

// Wait blocks until every batch taken before the call has been
// delivered or passed to the failure handler. Batches dropped by
// Reset count as finished.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waitLocked(q.taken)
}

// Unload sends every batch still waiting for the dispatcher and every
// pending list with the Beacon strategy on the caller's goroutine, and
// cancels all timers. It does not wait for a delivery already in
// progress.
func (q *Queue) Unload() {
	q.mu.Lock()
	queued := q.outbox
	q.outbox = nil
	batches := q.takeAll()
	generation := q.generation
	last := q.taken
	q.mu.Unlock()

	for _, job := range queued {
		q.dispatch(job.batch, transport.Beacon, job.generation)
	}
	for _, batch := range batches {
		q.dispatch(batch, transport.Beacon, generation)
	}

	q.mu.Lock()
	q.settleLocked(last)
	q.mu.Unlock()
}

// Reset cancels every timer and drops every pending list and every
// batch not yet handed to the network. Deliveries in progress
// complete, but their failures are no longer handed to the failure
// handler.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, list := range q.pending {
		list.timer.Stop()
	}
	q.pending = make(map[string]*pendingList)
	if n := len(q.outbox); n > 0 {
		q.settleLocked(q.outbox[n-1].sequence)
		q.outbox = nil
	}
	q.generation++
}

// Pending returns the number of events not yet handed to the
// network: pending lists plus batches waiting for the dispatcher.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, list := range q.pending {
		count += len(list.events)
	}
	for _, job := range q.outbox {
		count += len(job.batch.Events)
	}
	return count
}

// Timers returns the number of armed flush timers.
func (q *Queue) Timers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, list := range q.pending {
		if list.timer != nil {
			count++
		}
	}
	return count
}

// take removes the pending list of key. Caller holds q.mu.
func (q *Queue) take(key string) (Batch, bool) {
	list, ok := q.pending[key]
	if !ok {
		return Batch{}, false
	}
	delete(q.pending, key)
	list.timer.Stop()
	if len(list.events) == 0 {
		return Batch{}, false
	}
	return Batch{
		BatchKey:   key,
		URL:        list.url,
		Events:     list.events,
		EnqueuedAt: list.enqueuedAt,
	}, true
}

// takeAll removes every pending list, oldest first. Caller holds q.mu.
func (q *Queue) takeAll() []Batch {
	keys := make([]string, 0, len(q.pending))
	for key := range q.pending {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		left, right := q.pending[keys[i]], q.pending[keys[j]]
		if !left.enqueuedAt.Equal(right.enqueuedAt) {
			return left.enqueuedAt.Before(right.enqueuedAt)
		}
		return keys[i] < keys[j]
	})
	batches := make([]Batch, 0, len(keys))
	for _, key := range keys {
		if batch, ok := q.take(key); ok {
			batches = append(batches, batch)
		}
	}
	return batches
}

// sendLocked appends batch to the outbox and starts a dispatcher if
// none is running. Caller holds q.mu.
func (q *Queue) sendLocked(batch Batch) {
	q.taken++
	q.outbox = append(q.outbox, outgoing{batch: batch, sequence: q.taken, generation: q.generation})
	if !q.draining {
		q.draining = true
		go q.drain()
	}
}

// drain delivers the outbox in order and exits when it is empty.
func (q *Queue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.outbox) > 0 {
		job := q.outbox[0]
		q.outbox = q.outbox[1:]
		q.inFlight = job.sequence
		q.mu.Unlock()
		q.dispatch(job.batch, transport.Buffered, job.generation)
		q.mu.Lock()
		q.inFlight = 0
		q.completeLocked(max(job.sequence, q.settled))
	}
	q.draining = false
}

// completeLocked marks every batch up to sequence finished. Caller
// holds q.mu.
func (q *Queue) completeLocked(sequence uint64) {
	if sequence > q.completed {
		q.completed = sequence
		q.done.Broadcast()
	}
}

// settleLocked records that every batch up to sequence not held by
// the dispatcher has finished. Caller holds q.mu.
func (q *Queue) settleLocked(sequence uint64) {
	q.settled = max(q.settled, sequence)
	if q.inFlight != 0 {
		q.completeLocked(q.inFlight - 1)
		return
	}
	q.completeLocked(q.settled)
}

// waitLocked blocks until completed reaches target. Caller holds q.mu.
func (q *Queue) waitLocked(target uint64) {
	for q.completed < target {
		q.done.Wait()
	}
}

func (q *Queue) dispatch(batch Batch, strategy transport.Strategy, generation uint64) {
	if q.deliver == nil {
		return
	}
	err := q.deliver(batch, strategy)
	if err == nil {
		q.logger.Debug("batch delivered",
			"batch_key", batch.BatchKey,
			"events", len(batch.Events),
			"strategy", strategy.String(),
		)
		return
	}

	q.mu.Lock()
	stale := generation != q.generation
	q.mu.Unlock()
	if stale {
		q.logger.Debug("ignoring failed delivery from before reset",
			"batch_key", batch.BatchKey,
			"events", len(batch.Events),
		)
		return
	}
	q.logger.Warn("batch delivery failed",
		"batch_key", batch.BatchKey,
		"events", len(batch.Events),
		"strategy", strategy.String(),
		"error", err,
	)
	if q.onFailure != nil {
		q.onFailure(batch, err)
	}
}
