// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the timer abstraction behind every time-dependent
// part of the capture pipeline: flush timers, retry ticks, session idle
// detection, and token-bucket refill.
//
// Components hold a Clock instead of calling the time package. In
// production they get Real(); tests get Fake(), a virtual clock that
// only moves when Advance is called:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	requestQueue := queue.New(queue.Config{Clock: fake, ...})
//	requestQueue.Enqueue(request)
//	fake.Advance(3 * time.Second) // flush timer fires here
//
// # Timers
//
// AfterFunc is the "schedule(delay, fn) -> cancel handle" primitive.
// The returned Timer is cancellable with Stop. Real timers run the
// callback on their own goroutine; fake timers run it synchronously
// inside Advance, in deadline order, with Now() reporting the timer's
// own deadline. A callback may arm further timers; those fire within
// the same Advance when their deadline falls inside the advanced
// window.
package clock
