// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package capture is the event pipeline: it owns one instance of
// every component and exposes the public capture API.
//
// A Capture call passes the consent gate, the rate limiter, and the
// session tracker, is assembled into a [event.Record], and is enqueued
// on the request queue. Flushed batches are encoded, compressed, and
// posted to the collector. Batches that fail with a transient error
// move to the durable retry queue; batches the collector rejects
// outright are dropped and counted.
//
// Every Pipeline is independent: two pipelines with different tokens
// or names share no state, and keys in shared stores are namespaced.
// Nothing in the public API panics. Failures surface as sentinel
// errors from Capture and Identify, as log lines, and as discard
// counters in [Pipeline.Stats].
package capture
