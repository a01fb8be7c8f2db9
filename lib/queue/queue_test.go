// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/capture/lib/clock"
	"github.com/bureau-foundation/capture/lib/event"
	"github.com/bureau-foundation/capture/lib/testutil"
	"github.com/bureau-foundation/capture/lib/transport"
)

// delivery is one recorded DeliverFunc call.
type delivery struct {
	batch    Batch
	strategy transport.Strategy
	at       time.Time
}

// fakeCollector records deliveries and fails the ones listed in
// failures (by call index).
type fakeCollector struct {
	clock *clock.FakeClock

	mu         sync.Mutex
	deliveries []delivery
	failures   map[int]error
	failed     []Batch
}

func (f *fakeCollector) deliver(batch Batch, strategy transport.Strategy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	index := len(f.deliveries)
	f.deliveries = append(f.deliveries, delivery{batch: batch, strategy: strategy, at: f.clock.Now()})
	return f.failures[index]
}

func (f *fakeCollector) onFailure(batch Batch, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, batch)
}

func (f *fakeCollector) recorded() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.deliveries...)
}

func newTestQueue(t *testing.T, modify func(*Config)) (*Queue, *fakeCollector, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(testutil.Epoch)
	collector := &fakeCollector{clock: fake, failures: make(map[int]error)}
	config := Config{
		Deliver:   collector.deliver,
		OnFailure: collector.onFailure,
		Clock:     fake,
		Logger:    testutil.Logger(t),
	}
	if modify != nil {
		modify(&config)
	}
	return New(config), collector, fake
}

func record(name string) *event.Record {
	return &event.Record{UUID: name, Event: name, Properties: map[string]any{}}
}

func eventNames(batch Batch) []string {
	names := make([]string, len(batch.Events))
	for i, record := range batch.Events {
		names[i] = record.Event
	}
	return names
}

func TestBatchingTwoEventsOneSecondApart(t *testing.T) {
	queue, collector, fake := newTestQueue(t, func(config *Config) {
		config.FlushInterval = 3000 * time.Millisecond
	})

	queue.Enqueue(Request{BatchKey: "events", URL: "https://collector/e/", Event: record("first")})
	fake.Advance(1000 * time.Millisecond)
	queue.Enqueue(Request{BatchKey: "events", URL: "https://collector/e/", Event: record("second")})

	fake.Advance(1999 * time.Millisecond)
	if got := len(collector.recorded()); got != 0 {
		t.Fatalf("%d deliveries before the flush interval elapsed", got)
	}

	fake.Advance(time.Millisecond)
	queue.Wait()
	deliveries := collector.recorded()
	if len(deliveries) != 1 {
		t.Fatalf("got %d deliveries, want exactly 1", len(deliveries))
	}
	got := deliveries[0]
	if names := eventNames(got.batch); len(names) != 2 || names[0] != "first" || names[1] != "second" {
		t.Fatalf("batch events = %v, want [first second]", names)
	}
	if want := testutil.Epoch.Add(3000 * time.Millisecond); !got.at.Equal(want) {
		t.Fatalf("delivered at %v, want %v", got.at, want)
	}
	if got.batch.URL != "https://collector/e/" || got.batch.BatchKey != "events" {
		t.Fatalf("batch addressed to %q/%q", got.batch.BatchKey, got.batch.URL)
	}
	if !got.batch.EnqueuedAt.Equal(testutil.Epoch) {
		t.Fatalf("EnqueuedAt = %v, want %v", got.batch.EnqueuedAt, testutil.Epoch)
	}
	if got.strategy != transport.Buffered {
		t.Fatalf("strategy = %v, want buffered", got.strategy)
	}
	if queue.Pending() != 0 || queue.Timers() != 0 {
		t.Fatalf("after flush: %d pending, %d timers", queue.Pending(), queue.Timers())
	}
}

func TestAtMostOneTimerPerKey(t *testing.T) {
	queue, collector, fake := newTestQueue(t, nil)
	for i := 0; i < 10; i++ {
		queue.Enqueue(Request{BatchKey: "a", Event: record(fmt.Sprintf("a%d", i))})
		queue.Enqueue(Request{BatchKey: "b", Event: record(fmt.Sprintf("b%d", i))})
		if timers := queue.Timers(); timers != 2 {
			t.Fatalf("after %d enqueues: %d timers, want 2", i+1, timers)
		}
		if pending := fake.PendingTimers(); pending != 2 {
			t.Fatalf("clock has %d pending timers, want 2", pending)
		}
	}
	fake.Advance(DefaultFlushInterval)
	queue.Wait()
	if got := len(collector.recorded()); got != 2 {
		t.Fatalf("got %d deliveries, want one per key", got)
	}
}

func TestThresholdFlushesImmediately(t *testing.T) {
	queue, collector, fake := newTestQueue(t, func(config *Config) { config.Threshold = 3 })
	for i := 0; i < 3; i++ {
		queue.Enqueue(Request{BatchKey: "events", Event: record(fmt.Sprintf("e%d", i))})
	}
	queue.Wait()
	deliveries := collector.recorded()
	if len(deliveries) != 1 || len(deliveries[0].batch.Events) != 3 {
		t.Fatalf("deliveries = %+v, want one batch of 3", deliveries)
	}
	if fake.PendingTimers() != 0 {
		t.Fatal("threshold flush left the timer armed")
	}
}

func TestInstantFlushesPendingInOrder(t *testing.T) {
	queue, collector, _ := newTestQueue(t, nil)
	queue.Enqueue(Request{BatchKey: "events", Event: record("queued")})
	queue.Enqueue(Request{BatchKey: "events", Event: record("instant"), Instant: true})

	queue.Wait()
	deliveries := collector.recorded()
	if len(deliveries) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(deliveries))
	}
	if names := eventNames(deliveries[0].batch); names[0] != "queued" || names[1] != "instant" {
		t.Fatalf("batch events = %v, want [queued instant]", names)
	}
}

func TestDisableBatching(t *testing.T) {
	queue, collector, _ := newTestQueue(t, func(config *Config) { config.DisableBatching = true })
	queue.Enqueue(Request{BatchKey: "events", Event: record("one")})
	queue.Enqueue(Request{BatchKey: "events", Event: record("two")})
	queue.Wait()
	if got := len(collector.recorded()); got != 2 {
		t.Fatalf("got %d deliveries with batching disabled, want 2", got)
	}
}

func TestKeysFlushIndependently(t *testing.T) {
	queue, collector, fake := newTestQueue(t, nil)
	queue.Enqueue(Request{BatchKey: "a", Event: record("a1")})
	fake.Advance(2 * time.Second)
	queue.Enqueue(Request{BatchKey: "b", Event: record("b1")})

	fake.Advance(time.Second)
	queue.Wait()
	deliveries := collector.recorded()
	if len(deliveries) != 1 || deliveries[0].batch.BatchKey != "a" {
		t.Fatalf("deliveries after 3s = %+v, want only key a", deliveries)
	}
	fake.Advance(2 * time.Second)
	queue.Wait()
	if deliveries = collector.recorded(); len(deliveries) != 2 || deliveries[1].batch.BatchKey != "b" {
		t.Fatalf("deliveries after 5s = %+v, want key b second", deliveries)
	}
}

func TestEmptyBatchKeyUsesURL(t *testing.T) {
	queue, collector, _ := newTestQueue(t, nil)
	queue.Enqueue(Request{URL: "https://a/e/", Event: record("x")})
	queue.Enqueue(Request{URL: "https://b/e/", Event: record("y")})
	queue.FlushAll()
	deliveries := collector.recorded()
	if len(deliveries) != 2 {
		t.Fatalf("got %d deliveries, want one per URL", len(deliveries))
	}
	if deliveries[0].batch.URL != "https://a/e/" || deliveries[1].batch.URL != "https://b/e/" {
		t.Fatalf("delivered to %s then %s", deliveries[0].batch.URL, deliveries[1].batch.URL)
	}
}

func TestFailureGoesToHandlerUnchanged(t *testing.T) {
	queue, collector, _ := newTestQueue(t, nil)
	collector.failures[0] = errors.New("status 503")

	queue.Enqueue(Request{BatchKey: "events", Event: record("one")})
	queue.Enqueue(Request{BatchKey: "events", Event: record("two")})
	queue.Flush("events")
	queue.Wait()

	if len(collector.failed) != 1 {
		t.Fatalf("failure handler called %d times, want 1", len(collector.failed))
	}
	if names := eventNames(collector.failed[0]); len(names) != 2 || names[0] != "one" || names[1] != "two" {
		t.Fatalf("failed batch events = %v", names)
	}
}

func TestFlushOfEmptyKeyIsNoop(t *testing.T) {
	queue, collector, _ := newTestQueue(t, nil)
	queue.Flush("nothing")
	queue.FlushAll()
	if got := len(collector.recorded()); got != 0 {
		t.Fatalf("got %d deliveries from an empty queue", got)
	}
}

func TestReentrantEnqueueDuringFlushLandsInFreshList(t *testing.T) {
	var queue *Queue
	fake := clock.Fake(testutil.Epoch)
	var batches [][]string
	queue = New(Config{
		Clock: fake,
		Deliver: func(batch Batch, strategy transport.Strategy) error {
			batches = append(batches, eventNames(batch))
			return nil
		},
	})
	queue.Enqueue(Request{BatchKey: "events", Event: record("early")})
	// Registered after the queue's timer, so it runs right after the
	// flush at the same instant.
	fake.AfterFunc(DefaultFlushInterval, func() {
		queue.Enqueue(Request{BatchKey: "events", Event: record("late")})
	})

	fake.Advance(DefaultFlushInterval)
	queue.Wait()
	if len(batches) != 1 || batches[0][0] != "early" {
		t.Fatalf("batches after first interval = %v", batches)
	}
	if queue.Pending() != 1 {
		t.Fatalf("Pending() = %d, want the late event waiting", queue.Pending())
	}
	fake.Advance(DefaultFlushInterval)
	queue.Wait()
	if len(batches) != 2 || batches[1][0] != "late" {
		t.Fatalf("batches after second interval = %v", batches)
	}
}

// stalledCollector blocks the delivery of the event named slow until
// release is closed.
type stalledCollector struct {
	started chan struct{}
	release chan struct{}

	mu        sync.Mutex
	delivered []string
}

func newStalledCollector() *stalledCollector {
	return &stalledCollector{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (s *stalledCollector) deliver(batch Batch, strategy transport.Strategy) error {
	name := batch.Events[0].Event
	if name == "slow" && strategy == transport.Buffered {
		s.started <- struct{}{}
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, name+"/"+strategy.String())
	return nil
}

func (s *stalledCollector) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...)
}

func TestEnqueueDoesNotWaitForDelivery(t *testing.T) {
	collector := newStalledCollector()
	queue := New(Config{Clock: clock.Fake(testutil.Epoch), Deliver: collector.deliver})

	returned := make(chan struct{}, 1)
	go func() {
		queue.Enqueue(Request{BatchKey: "events", Event: record("slow"), Instant: true})
		queue.Enqueue(Request{BatchKey: "events", Event: record("behind"), Instant: true})
		returned <- struct{}{}
	}()
	testutil.RequireReceive(t, returned, 5*time.Second, "Enqueue waited on a stalled delivery")
	testutil.RequireReceive(t, collector.started, 5*time.Second, "waiting for the slow delivery to start")

	if pending := queue.Pending(); pending != 1 {
		t.Fatalf("Pending() = %d while the first batch is in flight, want the second waiting", pending)
	}
	close(collector.release)
	queue.Wait()

	got := collector.recorded()
	if len(got) != 2 || got[0] != "slow/buffered" || got[1] != "behind/buffered" {
		t.Fatalf("deliveries = %v, want slow then behind", got)
	}
	if queue.Pending() != 0 {
		t.Fatalf("Pending() = %d after Wait", queue.Pending())
	}
}

func TestUnloadSendsBatchesWaitingForDispatcher(t *testing.T) {
	collector := newStalledCollector()
	queue := New(Config{Clock: clock.Fake(testutil.Epoch), Deliver: collector.deliver})

	queue.Enqueue(Request{BatchKey: "events", Event: record("slow"), Instant: true})
	testutil.RequireReceive(t, collector.started, 5*time.Second, "waiting for the slow delivery to start")
	queue.Enqueue(Request{BatchKey: "events", Event: record("queued"), Instant: true})

	queue.Unload()
	if got := collector.recorded(); len(got) != 1 || got[0] != "queued/beacon" {
		t.Fatalf("deliveries after unload = %v, want the queued batch as a beacon", got)
	}

	close(collector.release)
	queue.Wait()
	if got := collector.recorded(); len(got) != 2 || got[1] != "slow/buffered" {
		t.Fatalf("deliveries = %v, want the in-flight batch to finish after unload", got)
	}
}

func TestUnloadUsesBeaconAndCancelsTimers(t *testing.T) {
	queue, collector, fake := newTestQueue(t, nil)
	queue.Enqueue(Request{BatchKey: "b", Event: record("b1")})
	fake.Advance(time.Millisecond)
	queue.Enqueue(Request{BatchKey: "a", Event: record("a1")})

	queue.Unload()

	deliveries := collector.recorded()
	if len(deliveries) != 2 {
		t.Fatalf("got %d deliveries on unload, want 2", len(deliveries))
	}
	for _, delivered := range deliveries {
		if delivered.strategy != transport.Beacon {
			t.Fatalf("unload used %v, want beacon", delivered.strategy)
		}
	}
	if deliveries[0].batch.BatchKey != "b" {
		t.Fatalf("unload sent %s first, want the oldest key b", deliveries[0].batch.BatchKey)
	}
	if fake.PendingTimers() != 0 {
		t.Fatalf("%d timers left after unload", fake.PendingTimers())
	}
	fake.Advance(time.Minute)
	if got := len(collector.recorded()); got != 2 {
		t.Fatalf("a cancelled timer delivered again: %d deliveries", got)
	}
}

func TestResetDropsPendingAndCancelsTimers(t *testing.T) {
	queue, collector, fake := newTestQueue(t, nil)
	queue.Enqueue(Request{BatchKey: "events", Event: record("dropped")})
	queue.Reset()

	if queue.Pending() != 0 || fake.PendingTimers() != 0 {
		t.Fatalf("after reset: %d pending, %d timers", queue.Pending(), fake.PendingTimers())
	}
	fake.Advance(time.Minute)
	if got := len(collector.recorded()); got != 0 {
		t.Fatalf("reset queue delivered %d batches", got)
	}
}

func TestFailureAfterResetIgnored(t *testing.T) {
	var queue *Queue
	failures := 0
	queue = New(Config{
		Clock: clock.Fake(testutil.Epoch),
		Deliver: func(Batch, transport.Strategy) error {
			// The pipeline was reset while this request was in flight.
			queue.Reset()
			return errors.New("connection reset")
		},
		OnFailure: func(Batch, error) { failures++ },
	})
	queue.Enqueue(Request{BatchKey: "events", Event: record("in flight"), Instant: true})
	queue.Wait()
	if failures != 0 {
		t.Fatalf("failure handler ran %d times for a delivery that raced a reset", failures)
	}
}

func TestEnqueueCopiesRecord(t *testing.T) {
	queue, collector, _ := newTestQueue(t, nil)
	shared := record("original")
	queue.Enqueue(Request{BatchKey: "events", Event: shared})
	shared.Event = "mutated"
	queue.FlushAll()
	if got := collector.recorded()[0].batch.Events[0].Event; got != "original" {
		t.Fatalf("queued record changed to %q after enqueue", got)
	}
}

func TestClampFlushInterval(t *testing.T) {
	tests := []struct {
		input time.Duration
		want  time.Duration
	}{
		{0, DefaultFlushInterval},
		{100 * time.Millisecond, MinFlushInterval},
		{time.Second, time.Second},
		{time.Minute, MaxFlushInterval},
	}
	for _, test := range tests {
		if got := ClampFlushInterval(test.input); got != test.want {
			t.Errorf("ClampFlushInterval(%v) = %v, want %v", test.input, got, test.want)
		}
	}
}
