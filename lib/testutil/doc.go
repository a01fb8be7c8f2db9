// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for the capture
// packages.
//
// [Logger] returns a *slog.Logger that writes through t.Log, so
// pipeline log lines appear next to the failing assertion instead of
// on stderr. [CapturingLogger] keeps the lines instead, for tests that
// assert a warning was logged.
//
// [Epoch] is the fixed start time every virtual-clock test uses.
//
// [RequireReceive] is the one place real wall-clock timeouts appear:
// tests that exercise real transport goroutines wait on a channel with
// a time.After fallback. Everything else runs on clock.Fake.
package testutil
