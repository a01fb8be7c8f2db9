// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Capture-collector-mock is an in-memory stand-in for the event
// collector, for local development and integration tests. It accepts
// the capture pipeline's wire format exactly (both body shapes, every
// compression encoding) and exposes what it received:
//
//   - POST <endpoint>: ingest events, responding with --status
//   - GET /events: every received event as a JSON array, optionally
//     filtered by ?event= and ?distinct_id=
//   - GET /status: request and event counts
//   - POST /reset: forget everything received
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/capture/lib/capture"
	"github.com/bureau-foundation/capture/lib/compress"
	"github.com/bureau-foundation/capture/lib/event"
	"github.com/bureau-foundation/capture/lib/netutil"
	"github.com/bureau-foundation/capture/lib/process"
	"github.com/bureau-foundation/capture/lib/version"
)

func main() {
	process.Exit(run())
}

func run() error {
	var (
		listenAddress string
		endpoint      string
		status        int
		logFormat     string
		showVersion   bool
	)
	flagSet := pflag.NewFlagSet("capture-collector-mock", pflag.ContinueOnError)
	flagSet.StringVar(&listenAddress, "listen", "127.0.0.1:8010", "address to listen on")
	flagSet.StringVar(&endpoint, "endpoint", capture.DefaultEndpoint, "path events are posted to")
	flagSet.IntVar(&status, "status", http.StatusOK, "HTTP status returned for ingested requests")
	flagSet.StringVar(&logFormat, "log-format", "text", "log output format: text or json")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		version.Print("capture-collector-mock")
		return nil
	}

	var logger *slog.Logger
	switch logFormat {
	case "text":
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	case "json":
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	default:
		return fmt.Errorf("--log-format must be text or json, got %q", logFormat)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listenAddress, err)
	}

	mock := newCollectorMock(logger)
	mock.setStatus(status)
	server := &http.Server{
		Handler:           mock.handler(endpoint),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(listener)
	}()

	logger.Info("collector mock running",
		"address", listener.Addr().String(),
		"endpoint", endpoint,
		"status", status,
	)

	select {
	case <-ctx.Done():
	case err := <-serveDone:
		return fmt.Errorf("serving: %w", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	if err := <-serveDone; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// receivedEvent is one stored event with the request it arrived in.
type receivedEvent struct {
	APIKey   string            `json:"api_key"`
	SentAt   time.Time         `json:"sent_at"`
	Encoding compress.Encoding `json:"encoding"`
	Batched  bool              `json:"batched"`
	Record   event.Record      `json:"record"`
}

// collectorStatus is the body of GET /status.
type collectorStatus struct {
	Requests uint64 `json:"requests"`
	Rejected uint64 `json:"rejected"`
	Events   int    `json:"events"`
}

// collectorMock stores received events in memory.
type collectorMock struct {
	logger *slog.Logger

	mu       sync.Mutex
	status   int
	events   []receivedEvent
	requests uint64
	rejected uint64
}

func newCollectorMock(logger *slog.Logger) *collectorMock {
	return &collectorMock{logger: logger, status: http.StatusOK}
}

func (m *collectorMock) setStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

func (m *collectorMock) handler(endpoint string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+endpoint, m.handleIngest)
	mux.HandleFunc("GET /events", m.handleEvents)
	mux.HandleFunc("GET /status", m.handleStatus)
	mux.HandleFunc("POST /reset", m.handleReset)
	return mux
}

func (m *collectorMock) handleIngest(writer http.ResponseWriter, request *http.Request) {
	body, err := netutil.ReadRequest(request.Body)
	if err != nil {
		m.reject(writer, http.StatusBadRequest, "reading body", err)
		return
	}
	encoding := compress.None
	if tag := request.URL.Query().Get("compression"); tag != "" {
		encoding, err = compress.ParseEncoding(tag)
		if err != nil {
			m.reject(writer, http.StatusBadRequest, "unsupported compression", err)
			return
		}
	}
	payload, err := capture.DecodeBody(body, encoding)
	if err != nil {
		m.reject(writer, http.StatusBadRequest, "decoding body", err)
		return
	}

	m.mu.Lock()
	m.requests++
	status := m.status
	if status >= 200 && status < 300 {
		for _, record := range payload.Events {
			m.events = append(m.events, receivedEvent{
				APIKey:   payload.APIKey,
				SentAt:   payload.SentAt,
				Encoding: encoding,
				Batched:  payload.Batched,
				Record:   record,
			})
		}
	}
	m.mu.Unlock()

	for _, record := range payload.Events {
		m.logger.Info("event received",
			"event", record.Event,
			"uuid", record.UUID,
			"distinct_id", record.Properties["distinct_id"],
			"api_key", payload.APIKey,
			"encoding", string(encoding),
			"status", status,
		)
	}

	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(map[string]int{"status": boolToInt(status < 300)})
}

func (m *collectorMock) reject(writer http.ResponseWriter, status int, message string, err error) {
	m.mu.Lock()
	m.requests++
	m.rejected++
	m.mu.Unlock()
	m.logger.Warn("request rejected", "reason", message, "error", err)
	http.Error(writer, fmt.Sprintf("%s: %v", message, err), status)
}

func (m *collectorMock) handleEvents(writer http.ResponseWriter, request *http.Request) {
	name := request.URL.Query().Get("event")
	distinctID := request.URL.Query().Get("distinct_id")

	m.mu.Lock()
	matched := make([]receivedEvent, 0, len(m.events))
	for _, received := range m.events {
		if name != "" && received.Record.Event != name {
			continue
		}
		if distinctID != "" && received.Record.Properties["distinct_id"] != distinctID {
			continue
		}
		matched = append(matched, received)
	}
	m.mu.Unlock()

	writeJSON(writer, matched)
}

func (m *collectorMock) handleStatus(writer http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	status := collectorStatus{
		Requests: m.requests,
		Rejected: m.rejected,
		Events:   len(m.events),
	}
	m.mu.Unlock()
	writeJSON(writer, status)
}

func (m *collectorMock) handleReset(writer http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	m.events = nil
	m.requests = 0
	m.rejected = 0
	m.mu.Unlock()
	writer.WriteHeader(http.StatusNoContent)
}

func writeJSON(writer http.ResponseWriter, value any) {
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(value); err != nil {
		http.Error(writer, err.Error(), http.StatusInternalServerError)
	}
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
