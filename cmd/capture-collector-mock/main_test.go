// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bureau-foundation/capture/lib/capture"
	"github.com/bureau-foundation/capture/lib/clock"
	"github.com/bureau-foundation/capture/lib/compress"
	"github.com/bureau-foundation/capture/lib/netutil"
	"github.com/bureau-foundation/capture/lib/testutil"
)

func getJSON(t *testing.T, url string, value any) {
	t.Helper()
	response, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, response.StatusCode)
	}
	if err := netutil.DecodeResponse(response.Body, value); err != nil {
		t.Fatalf("decoding %s: %v", url, err)
	}
}

func newPipeline(t *testing.T, apiHost string) *capture.Pipeline {
	t.Helper()
	pipeline, err := capture.New(capture.Config{
		Token:   "phc_mock",
		APIHost: apiHost,
		Clock:   clock.Fake(testutil.Epoch),
		Logger:  testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("capture.New: %v", err)
	}
	t.Cleanup(func() { pipeline.Close() })
	return pipeline
}

func TestCollectorMockReceivesPipelineBatches(t *testing.T) {
	mock := newCollectorMock(testutil.Logger(t))
	server := httptest.NewServer(mock.handler(capture.DefaultEndpoint))
	defer server.Close()

	pipeline := newPipeline(t, server.URL)
	pipeline.SetRemoteConfig(capture.RemoteConfig{
		SupportedCompression: []compress.Encoding{compress.Gzip},
	})
	for _, name := range []string{"signup", "upgrade"} {
		if _, err := pipeline.Capture(name, map[string]any{"plan": "pro"}, capture.CaptureOptions{}); err != nil {
			t.Fatalf("Capture(%s): %v", name, err)
		}
	}
	pipeline.Flush()

	var events []receivedEvent
	getJSON(t, server.URL+"/events", &events)
	if len(events) != 2 {
		t.Fatalf("received %d events, want 2", len(events))
	}
	for i, want := range []string{"signup", "upgrade"} {
		received := events[i]
		if received.Record.Event != want {
			t.Errorf("event %d = %q, want %q", i, received.Record.Event, want)
		}
		if received.APIKey != "phc_mock" {
			t.Errorf("api_key = %q, want phc_mock", received.APIKey)
		}
		if !received.Batched || received.Encoding != compress.Gzip {
			t.Errorf("batched=%v encoding=%q, want a gzip batch", received.Batched, received.Encoding)
		}
		if received.Record.Properties["plan"] != "pro" {
			t.Errorf("plan = %v, want pro", received.Record.Properties["plan"])
		}
		if received.Record.Properties["distinct_id"] != pipeline.DistinctID() {
			t.Errorf("distinct_id = %v, want %s", received.Record.Properties["distinct_id"], pipeline.DistinctID())
		}
	}

	var filtered []receivedEvent
	getJSON(t, server.URL+"/events?event=upgrade", &filtered)
	if len(filtered) != 1 || filtered[0].Record.Event != "upgrade" {
		t.Fatalf("filtered events = %+v, want only upgrade", filtered)
	}

	var status collectorStatus
	getJSON(t, server.URL+"/status", &status)
	if status.Requests != 1 || status.Events != 2 || status.Rejected != 0 {
		t.Fatalf("status = %+v, want 1 request with 2 events", status)
	}
}

func TestCollectorMockSingleEventShape(t *testing.T) {
	mock := newCollectorMock(testutil.Logger(t))
	server := httptest.NewServer(mock.handler(capture.DefaultEndpoint))
	defer server.Close()

	pipeline := newPipeline(t, server.URL)
	pipeline.SetRemoteConfig(capture.RemoteConfig{
		SupportedCompression: []compress.Encoding{compress.Base64, compress.Zstd},
	})
	if _, err := pipeline.Capture("checkout", nil, capture.CaptureOptions{Instant: true}); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	pipeline.Flush()

	var events []receivedEvent
	getJSON(t, server.URL+"/events", &events)
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	if events[0].Batched || events[0].Encoding != compress.Base64 {
		t.Fatalf("batched=%v encoding=%q, want a single base64 event", events[0].Batched, events[0].Encoding)
	}
}

func TestCollectorMockFailureStatusRetains(t *testing.T) {
	mock := newCollectorMock(testutil.Logger(t))
	mock.setStatus(http.StatusServiceUnavailable)
	server := httptest.NewServer(mock.handler(capture.DefaultEndpoint))
	defer server.Close()

	pipeline := newPipeline(t, server.URL)
	if _, err := pipeline.Capture("pageview", nil, capture.CaptureOptions{Instant: true}); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	pipeline.Flush()

	var status collectorStatus
	getJSON(t, server.URL+"/status", &status)
	if status.Requests != 1 || status.Events != 0 {
		t.Fatalf("status = %+v, want one unstored request", status)
	}
	if retrying := pipeline.Stats().Retrying; retrying != 1 {
		t.Fatalf("Stats().Retrying = %d, want 1", retrying)
	}
}

func TestCollectorMockRejectsGarbage(t *testing.T) {
	mock := newCollectorMock(testutil.Logger(t))
	server := httptest.NewServer(mock.handler(capture.DefaultEndpoint))
	defer server.Close()

	tests := []struct {
		name  string
		query string
		body  string
	}{
		{name: "unknown compression", query: "?compression=brotli", body: "{}"},
		{name: "not json", body: "not json"},
		{name: "missing data", body: `{"api_key":"phc_mock","properties":{}}`},
		{name: "unnamed event", body: `{"api_key":"phc_mock","data":{"uuid":"u","properties":{}}}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			response, err := http.Post(server.URL+capture.DefaultEndpoint+test.query, "application/json", strings.NewReader(test.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			response.Body.Close()
			if response.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", response.StatusCode)
			}
		})
	}

	var status collectorStatus
	getJSON(t, server.URL+"/status", &status)
	if status.Rejected != uint64(len(tests)) {
		t.Fatalf("rejected = %d, want %d", status.Rejected, len(tests))
	}
}

func TestCollectorMockReset(t *testing.T) {
	mock := newCollectorMock(testutil.Logger(t))
	server := httptest.NewServer(mock.handler(capture.DefaultEndpoint))
	defer server.Close()

	pipeline := newPipeline(t, server.URL)
	if _, err := pipeline.Capture("pageview", nil, capture.CaptureOptions{Instant: true}); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	pipeline.Flush()

	response, err := http.Post(server.URL+"/reset", "", nil)
	if err != nil {
		t.Fatalf("POST /reset: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("reset status = %d, want 204", response.StatusCode)
	}

	var status collectorStatus
	getJSON(t, server.URL+"/status", &status)
	if status != (collectorStatus{}) {
		t.Fatalf("status after reset = %+v, want zero", status)
	}
}
