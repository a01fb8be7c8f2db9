// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bureau-foundation/capture/lib/clock"
	"github.com/bureau-foundation/capture/lib/compress"
	"github.com/bureau-foundation/capture/lib/event"
	"github.com/bureau-foundation/capture/lib/retry"
	"github.com/bureau-foundation/capture/lib/storage"
	"github.com/bureau-foundation/capture/lib/transport"
)

// DefaultEndpoint is the collector path events are posted to.
const DefaultEndpoint = "/e/"

// DefaultBatchKey is the batch key of events captured without one.
const DefaultBatchKey = "events"

// Config configures a Pipeline. Token and APIHost are required.
type Config struct {
	// Token is the project token. It is sent as api_key and keys
	// every persisted value.
	Token string

	// APIHost is the collector base URL, for example
	// "https://collector.example.com".
	APIHost string

	// Name distinguishes pipelines sharing a token and a store.
	Name string

	// Cookies and LocalStorage back the two persistence media. Nil
	// keeps that medium in memory. Both are wrapped in
	// storage.Resilient.
	Cookies      storage.Store
	LocalStorage storage.Store

	// Persistence is the medium for the session window and the
	// persisted properties. Defaults to storage.LocalStorage.
	Persistence storage.Medium

	// ConsentPersistence is the medium for the consent marker.
	// Defaults to storage.LocalStorage.
	ConsentPersistence storage.Medium

	// ConsentPrefix replaces consent.DefaultPrefix in the marker key.
	ConsentPrefix string

	RespectDNT                 bool
	DoNotTrack                 func() bool
	OptOutCapturingByDefault   bool
	OptOutPersistenceByDefault bool

	// SessionIdleTimeout is clamped by session.ClampIdleTimeout.
	SessionIdleTimeout time.Duration

	// BootstrapSessionID continues a session started elsewhere.
	BootstrapSessionID string

	// EventsPerSecond and BurstLimit configure the rate limiter.
	// Zero selects the ratelimit defaults.
	EventsPerSecond float64
	BurstLimit      float64

	// FlushInterval is clamped by queue.ClampFlushInterval.
	FlushInterval   time.Duration
	BatchThreshold  int
	DisableBatching bool

	DisableCompression bool

	Retry retry.Policy

	// Strategy is used for every non-unload send. Beacon is not
	// accepted; it is reserved for Unload.
	Strategy transport.Strategy

	// Sender delivers requests. Nil builds a transport.Client over
	// HTTPClient.
	Sender     transport.Sender
	HTTPClient *http.Client

	// Timeout bounds non-unload requests sent by the default Sender.
	Timeout time.Duration

	// WithCredentials attaches the transport's cookie jar.
	WithCredentials bool

	// Context supplies base properties. Defaults to
	// event.RuntimeContext.
	Context event.ContextProvider

	// PersonProperties additionally receives the $set and
	// $set_once payloads of identify-class events.
	PersonProperties event.PersonPropertySink

	Denylist   []string
	BeforeSend []event.BeforeSendFunc

	// StringMaxLength bounds string property values. Zero selects
	// event.DefaultStringMaxLength; negative disables truncation.
	StringMaxLength int

	Clock  clock.Clock
	Logger *slog.Logger
}

// RemoteConfig is the subset of the collector's remote configuration
// the pipeline consumes.
type RemoteConfig struct {
	// SupportedCompression lists the encodings the collector
	// accepts. Empty means plain JSON only.
	SupportedCompression []compress.Encoding

	// AnalyticsEndpoint replaces DefaultEndpoint. A path is resolved
	// against APIHost; an absolute URL is used as is.
	AnalyticsEndpoint string

	ElementsChainAsString bool
}

// CaptureOptions modify one Capture call.
type CaptureOptions struct {
	// Timestamp overrides the event time. Zero means now.
	Timestamp time.Time

	Set     map[string]any
	SetOnce map[string]any

	// BatchKey selects the batch. Empty selects DefaultBatchKey.
	BatchKey string

	// Instant flushes the batch key immediately.
	Instant bool

	// SkipRateLimit bypasses the rate limiter.
	SkipRateLimit bool

	// NoTruncation keeps string properties at full length.
	NoTruncation bool
}

func (c *Config) validate() error {
	var errs []error
	if c.Token == "" {
		errs = append(errs, errors.New("Token is required"))
	}
	if c.APIHost == "" {
		errs = append(errs, errors.New("APIHost is required"))
	} else if parsed, err := url.Parse(c.APIHost); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		errs = append(errs, fmt.Errorf("APIHost %q is not an absolute URL", c.APIHost))
	}
	if c.Strategy == transport.Beacon {
		errs = append(errs, errors.New("Strategy beacon is reserved for unload"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("capture: invalid config: %w", err)
	}
	return nil
}

// resolveEndpoint joins endpoint with host unless it is already an
// absolute URL.
func resolveEndpoint(host, endpoint string) string {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return strings.TrimRight(host, "/") + endpoint
}
