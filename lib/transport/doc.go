// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport delivers encoded request bodies to the collector.
//
// Every send goes through one [Sender] and picks a [Strategy]:
//
//   - Beacon: best effort with a short deadline, for shutdown paths
//     where the process may exit as soon as the call returns. The
//     response body is discarded.
//   - Buffered: request/response with a configurable timeout. The
//     default.
//   - Promised: the request runs on its own goroutine and the caller
//     waits on a future channel, or abandons it when its context ends.
//
// Every strategy normalizes its outcome to a [Response]. A StatusCode
// of zero means the request never produced an HTTP response.
//
// [TracingRoundTripper] decorates the host application's own outbound
// requests with the current session and window ids.
package transport
