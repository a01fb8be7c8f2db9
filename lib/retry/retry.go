// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/capture/lib/clock"
	"github.com/bureau-foundation/capture/lib/codec"
	"github.com/bureau-foundation/capture/lib/queue"
	"github.com/bureau-foundation/capture/lib/storage"
	"github.com/bureau-foundation/capture/lib/transport"
)

// snapshotVersion is the codec snapshot version of the persisted
// queue.
const snapshotVersion = 1

// Attempt is one queued batch.
type Attempt struct {
	// ID is the hex BLAKE3 fingerprint of the batch's event UUIDs.
	ID string `cbor:"id"`

	Batch queue.Batch `cbor:"batch"`

	// Attempt counts failed deliveries, starting at 1.
	Attempt int `cbor:"attempt"`

	FirstFailedAt time.Time `cbor:"first_failed_at"`
	NextRetryAt   time.Time `cbor:"next_retry_at"`

	inFlight bool
}

// DropReason says why an entry left the queue without delivery.
type DropReason string

const (
	// DropExhausted means the entry failed more than MaxAttempts
	// times.
	DropExhausted DropReason = "retry_exhausted"

	// DropExpired means the entry was older than MaxAge.
	DropExpired DropReason = "retry_expired"

	// DropOverflow means the entry was evicted to bound the queue.
	DropOverflow DropReason = "buffer_overflow"
)

// Config configures a Queue.
type Config struct {
	Policy Policy

	// Deliver resubmits a batch. Required.
	Deliver queue.DeliverFunc

	// OnDrop is told about every entry dropped without delivery.
	OnDrop func(attempt Attempt, reason DropReason)

	// Store persists the queue. Nil keeps it in memory.
	Store storage.Store

	// Key is the storage key of the snapshot.
	Key string

	// Random returns a value in [0, 1) for jitter. Defaults to
	// math/rand/v2.Float64.
	Random func() float64

	Clock  clock.Clock
	Logger *slog.Logger
}

// Queue is the retry queue. Safe for concurrent use. Deliver and
// OnDrop run without the queue's lock held.
type Queue struct {
	policy  Policy
	deliver queue.DeliverFunc
	onDrop  func(Attempt, DropReason)
	store   storage.Store
	key     string
	random  func() float64
	clock   clock.Clock
	logger  *slog.Logger

	mu         sync.Mutex
	entries    []*Attempt
	running    bool
	online     bool
	timer      *clock.Timer
	generation uint64
}

// New creates a Queue and rehydrates it from config.Store.
func New(config Config) *Queue {
	if config.Random == nil {
		config.Random = rand.Float64
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	q := &Queue{
		policy:  config.Policy.withDefaults(),
		deliver: config.Deliver,
		onDrop:  config.OnDrop,
		store:   config.Store,
		key:     config.Key,
		random:  config.Random,
		clock:   config.Clock,
		logger:  config.Logger,
		online:  true,
	}
	q.rehydrate()
	return q
}

// Fingerprint returns the hex BLAKE3 hash of the batch's event UUIDs,
// truncated to 128 bits.
func Fingerprint(batch queue.Batch) string {
	hasher := blake3.New()
	for _, record := range batch.Events {
		hasher.Write([]byte(record.UUID))
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil)[:16])
}

// Schedule records a failed delivery of batch.
func (q *Queue) Schedule(batch queue.Batch) {
	id := Fingerprint(batch)
	now := q.clock.Now()

	q.mu.Lock()
	var dropped []droppedAttempt
	if existing := q.findLocked(id); existing != nil {
		if q.failLocked(existing, now) {
			dropped = append(dropped, droppedAttempt{*existing, DropExhausted})
			q.removeLocked(existing.ID)
		}
	} else {
		dropped = q.makeRoomLocked()
		entry := &Attempt{
			ID:            id,
			Batch:         batch,
			Attempt:       1,
			FirstFailedAt: now,
			NextRetryAt:   now.Add(q.backoff(1)),
		}
		q.entries = append(q.entries, entry)
		q.logger.Info("batch scheduled for retry",
			"batch_key", batch.BatchKey,
			"events", len(batch.Events),
			"retry_at", entry.NextRetryAt,
		)
	}
	q.persistLocked()
	q.mu.Unlock()

	q.reportDropped(dropped)
}

// makeRoomLocked evicts entries until one more fits. Caller holds
// q.mu.
func (q *Queue) makeRoomLocked() []droppedAttempt {
	var dropped []droppedAttempt
	for len(q.entries) >= q.policy.MaxEntries {
		victim := q.evictionVictimLocked()
		q.removeLocked(victim.ID)
		dropped = append(dropped, droppedAttempt{*victim, DropOverflow})
	}
	return dropped
}

// Tick resubmits every entry due at now. Entries past MaxAge are
// dropped first. Ticks while offline do nothing.
func (q *Queue) Tick(now time.Time) {
	q.mu.Lock()
	if !q.online {
		q.mu.Unlock()
		return
	}
	generation := q.generation
	var dropped []droppedAttempt
	var due []Attempt
	for _, entry := range append([]*Attempt(nil), q.entries...) {
		if entry.inFlight {
			continue
		}
		if now.Sub(entry.FirstFailedAt) > q.policy.MaxAge {
			q.removeLocked(entry.ID)
			dropped = append(dropped, droppedAttempt{*entry, DropExpired})
			continue
		}
		if entry.NextRetryAt.After(now) {
			continue
		}
		entry.inFlight = true
		due = append(due, *entry)
	}
	if len(dropped) > 0 {
		q.persistLocked()
	}
	q.mu.Unlock()

	q.reportDropped(dropped)
	for _, entry := range due {
		q.resubmit(entry, generation)
	}
}

func (q *Queue) resubmit(entry Attempt, generation uint64) {
	var err error
	if q.deliver != nil {
		err = q.deliver(entry.Batch, transport.Buffered)
	} else {
		err = fmt.Errorf("retry: no delivery function")
	}
	now := q.clock.Now()

	q.mu.Lock()
	if generation != q.generation {
		q.mu.Unlock()
		return
	}
	current := q.findLocked(entry.ID)
	if current == nil {
		q.mu.Unlock()
		return
	}
	current.inFlight = false
	var dropped []droppedAttempt
	if err == nil {
		q.removeLocked(entry.ID)
		q.logger.Info("retried batch delivered",
			"batch_key", entry.Batch.BatchKey,
			"attempt", entry.Attempt,
		)
	} else if q.failLocked(current, now) {
		q.removeLocked(entry.ID)
		dropped = append(dropped, droppedAttempt{*current, DropExhausted})
	} else {
		q.logger.Warn("batch retry failed",
			"batch_key", current.Batch.BatchKey,
			"attempt", current.Attempt,
			"next_retry_at", current.NextRetryAt,
			"error", err,
		)
	}
	q.persistLocked()
	q.mu.Unlock()

	q.reportDropped(dropped)
}

// failLocked records one more failure of entry at now and reports
// whether the entry is exhausted. Caller holds q.mu.
func (q *Queue) failLocked(entry *Attempt, now time.Time) bool {
	entry.Attempt++
	if entry.Attempt > q.policy.MaxAttempts {
		return true
	}
	next := now.Add(q.backoff(entry.Attempt))
	if !next.After(entry.NextRetryAt) {
		next = entry.NextRetryAt.Add(time.Millisecond)
	}
	entry.NextRetryAt = next
	return false
}

// backoff returns the policy delay for attempt plus uniform jitter.
func (q *Queue) backoff(attempt int) time.Duration {
	delay := q.policy.Delay(attempt)
	return delay + time.Duration(q.random()*q.policy.Jitter*float64(delay))
}

// evictionVictimLocked picks the entry to drop on overflow: most
// attempts first, then earliest first failure. Caller holds q.mu.
func (q *Queue) evictionVictimLocked() *Attempt {
	victim := q.entries[0]
	for _, entry := range q.entries[1:] {
		if entry.Attempt > victim.Attempt ||
			(entry.Attempt == victim.Attempt && entry.FirstFailedAt.Before(victim.FirstFailedAt)) {
			victim = entry
		}
	}
	return victim
}

func (q *Queue) findLocked(id string) *Attempt {
	for _, entry := range q.entries {
		if entry.ID == id {
			return entry
		}
	}
	return nil
}

func (q *Queue) removeLocked(id string) {
	for i, entry := range q.entries {
		if entry.ID == id {
			q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
			return
		}
	}
}

type droppedAttempt struct {
	attempt Attempt
	reason  DropReason
}

func (q *Queue) reportDropped(dropped []droppedAttempt) {
	for _, drop := range dropped {
		q.logger.Error("dropping undeliverable batch",
			"batch_key", drop.attempt.Batch.BatchKey,
			"events", len(drop.attempt.Batch.Events),
			"attempt", drop.attempt.Attempt,
			"first_failed_at", drop.attempt.FirstFailedAt,
			"reason", string(drop.reason),
		)
		if q.onDrop != nil {
			q.onDrop(drop.attempt, drop.reason)
		}
	}
}

// Start begins the periodic tick and runs one tick immediately, so
// rehydrated entries that are already due go out at once.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.armLocked()
	q.mu.Unlock()

	q.Tick(q.clock.Now())
}

// Stop cancels the periodic tick.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = false
	q.timer.Stop()
	q.timer = nil
}

func (q *Queue) armLocked() {
	q.timer = q.clock.AfterFunc(q.policy.TickInterval, q.onTimer)
}

func (q *Queue) onTimer() {
	q.Tick(q.clock.Now())
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		q.armLocked()
	}
}

// SetOnline pauses ticks while the host reports no connectivity. Going
// back online ticks immediately.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	resumed := online && !q.online
	q.online = online
	q.mu.Unlock()
	if resumed {
		q.logger.Info("connectivity restored, resubmitting queued batches")
		q.Tick(q.clock.Now())
	}
}

// Unload sends every entry once with the Beacon strategy. Delivered
// entries are removed; entries whose beacon fails are kept with their
// attempt count and persisted for the next start.
func (q *Queue) Unload() {
	q.mu.Lock()
	entries := q.entries
	q.entries = nil
	q.generation++
	q.mu.Unlock()

	var failed []*Attempt
	for _, entry := range entries {
		if q.deliver == nil {
			failed = append(failed, entry)
			continue
		}
		if err := q.deliver(entry.Batch, transport.Beacon); err != nil {
			q.logger.Warn("unload send of queued batch failed, keeping it for the next start",
				"batch_key", entry.Batch.BatchKey,
				"attempt", entry.Attempt,
				"error", err,
			)
			failed = append(failed, entry)
		}
	}

	q.mu.Lock()
	var dropped []droppedAttempt
	for _, entry := range failed {
		if q.findLocked(entry.ID) != nil {
			continue
		}
		dropped = append(dropped, q.makeRoomLocked()...)
		entry.inFlight = false
		q.entries = append(q.entries, entry)
	}
	q.persistLocked()
	q.mu.Unlock()

	q.reportDropped(dropped)
}

// Reset drops every entry without sending it.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	q.generation++
	q.persistLocked()
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns copies of the queued entries ordered by NextRetryAt.
func (q *Queue) Entries() []Attempt {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := make([]Attempt, len(q.entries))
	for i, entry := range q.entries {
		entries[i] = *entry
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].NextRetryAt.Before(entries[j].NextRetryAt)
	})
	return entries
}

func (q *Queue) persistLocked() {
	if q.store == nil {
		return
	}
	entries := make([]Attempt, len(q.entries))
	for i, entry := range q.entries {
		entries[i] = *entry
	}
	data, err := codec.MarshalSnapshot(snapshotVersion, entries)
	if err != nil {
		q.logger.Error("encoding retry queue snapshot", "error", err)
		return
	}
	if err := q.store.Set(q.key, data); err != nil {
		q.logger.Warn("persisting retry queue", "key", q.key, "error", err)
	}
}

func (q *Queue) rehydrate() {
	if q.store == nil {
		return
	}
	data, found, err := q.store.Get(q.key)
	if err != nil {
		q.logger.Warn("reading persisted retry queue", "key", q.key, "error", err)
		return
	}
	if !found {
		return
	}
	var entries []Attempt
	if err := codec.UnmarshalSnapshot(data, snapshotVersion, &entries); err != nil {
		q.logger.Warn("discarding unreadable retry queue", "key", q.key, "error", err)
		return
	}
	for i := range entries {
		if entries[i].ID == "" || q.findLocked(entries[i].ID) != nil {
			continue
		}
		q.entries = append(q.entries, &entries[i])
	}
	if len(q.entries) > 0 {
		q.logger.Info("rehydrated retry queue", "entries", len(q.entries))
	}
}
