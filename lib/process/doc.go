// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for the capture binaries.
// It holds the one raw stderr write that happens outside the
// structured logger: reporting the error that ended run() before or
// after the logger exists.
package process
