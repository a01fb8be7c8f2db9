// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry holds batches whose delivery failed and resubmits
// them with exponential backoff.
//
// A batch enters the queue as an [Attempt] with Attempt 1, due one
// base delay later. Each further failure doubles the delay (capped at
// Policy.MaxDelay) and adds uniform jitter of up to Policy.Jitter times
// the delay. An entry is dropped once it has failed more than
// Policy.MaxAttempts times or has been failing for longer than
// Policy.MaxAge. The queue holds at most Policy.MaxEntries entries;
// overflow evicts the most-retried entry, oldest first among equals.
//
// The queue is written to storage after every mutation as a CBOR
// snapshot and read back on construction, so pending retries survive
// a restart. Each entry is identified by the BLAKE3 fingerprint of its
// batch: scheduling a batch that is already queued counts as another
// failure of the same entry rather than a duplicate.
package retry
