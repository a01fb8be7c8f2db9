// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the capture pipeline's encoding for durable
// client state.
//
// Two serialization formats are used with a clear boundary:
//
//   - JSON for the collector wire protocol (event batches posted to
//     /e/), configuration files, and CLI output.
//   - CBOR for state the pipeline persists for itself: the retry queue
//     snapshot, the session window, super properties, and the person
//     property cache.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2) so the
// same logical state always produces identical bytes, and encodes
// time.Time as RFC 3339 with nanoseconds so persisted deadlines survive
// a restart without losing precision.
//
// Persisted state is wrapped in a versioned [Snapshot] envelope:
//
//	data, err := codec.MarshalSnapshot(retrySnapshotVersion, entries)
//	err = codec.UnmarshalSnapshot(data, retrySnapshotVersion, &entries)
//
// A version mismatch returns [ErrSnapshotVersion]; callers discard the
// stale state instead of misreading it.
//
// Struct tags: types that only live on disk use `cbor` tags. Types
// that also cross the wire (event.Record) use `json` tags, which
// fxamacker/cbor reads as a fallback. Never put both on one field.
package codec
