// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage persists the small amount of client state the
// capture pipeline needs across restarts: the consent marker, the
// session window, super properties, the person property cache, and the
// retry queue snapshot.
//
// Every consumer sees a [Store], a synchronous byte-valued key-value
// interface. State lives in one of two media, mirroring what a
// browser offers: [Cookie] (small values shared with the collector's
// domain, used for consent when configured that way) and
// [LocalStorage] (everything else). A [Memory] store backs tests and
// hosts that opt out of persistence.
//
// # SQLite
//
// [OpenSQLite] opens a zombiezen.com/go/sqlite connection pool with
// WAL journaling, NORMAL synchronous, and a busy timeout, and creates
// a single kv table keyed by (medium, key). [SQLite.Medium] returns the
// Store view for one medium.
//
// # Degradation
//
// Storage can become unavailable at any time (read-only filesystem,
// disk full, database locked past the busy timeout). Wrap the durable
// store in [NewResilient]: the first failure logs one warning and the
// pipeline continues on an in-memory copy for the rest of the process
// lifetime. Consent and sessions keep working; they just stop
// surviving restarts.
package storage
