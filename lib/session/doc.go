// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session computes the (session id, window id) pair attached
// to every captured event.
//
// A session is a bounded period of activity. It ends when the gap
// since the last activity exceeds the idle timeout (default 30
// minutes) or when it has run for 24 hours, whichever comes first. A
// window identifies one execution context (a browser tab, a process)
// inside a session: a second context that joins a live session keeps
// the session id and gets its own window id.
//
// Session and window ids are UUIDv7 values whose embedded timestamp is
// the moment the session (or window) started, taken from the tracker's
// clock so virtual-clock tests produce ordered ids.
//
// The window is persisted through a [storage.Store] after every
// activity update so a restarted process continues an unexpired
// session. The window id is never persisted: a restarted process is a
// new execution context.
package session
