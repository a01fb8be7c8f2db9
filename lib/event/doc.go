// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package event builds the records the pipeline sends to the
// collector.
//
// [Assembler.Assemble] merges, in order: runtime context properties,
// persisted super-properties, session properties, and the caller's
// properties. Reduced-property events (session replay snapshots, raw
// performance entries) skip the merge and keep only a small allow-list
// of identifying fields. After the merge the assembler removes
// denylisted keys, runs the BeforeSend chain, deep-copies and
// truncates string values, and stamps the record with a UUIDv7.
//
// The returned [Record] is owned by the caller; nothing in the
// assembler retains a reference to it or to the maps it contains.
package event
