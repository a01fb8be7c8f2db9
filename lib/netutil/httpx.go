// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides bounded HTTP body reads and connection
// error classification shared by the transport and the mock
// collector.
//
// Collector responses are tiny JSON documents and request bodies are
// event batches, so both reads are capped: a misbehaving peer cannot
// make either side allocate without bound.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds collector response reads: 1 MiB.
const MaxResponseSize int64 = 1 << 20

// MaxRequestSize bounds request body reads on the collector side:
// 20 MiB, the largest batch a collector accepts.
const MaxRequestSize int64 = 20 << 20

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a response body (up to MaxResponseSize bytes)
// and JSON-decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrTooLarge is returned by ReadRequest when the body exceeds
// MaxRequestSize.
var ErrTooLarge = fmt.Errorf("request body exceeds %d bytes", MaxRequestSize)

// ReadRequest reads a request body, failing with ErrTooLarge past
// MaxRequestSize instead of silently truncating.
func ReadRequest(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, MaxRequestSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > MaxRequestSize {
		return nil, ErrTooLarge
	}
	return data, nil
}

// ErrorBody reads an error response body as a string for diagnostic
// messages. Read errors are ignored.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
