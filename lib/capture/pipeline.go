// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/bureau-foundation/capture/lib/clock"
	"github.com/bureau-foundation/capture/lib/compress"
	"github.com/bureau-foundation/capture/lib/consent"
	"github.com/bureau-foundation/capture/lib/event"
	"github.com/bureau-foundation/capture/lib/queue"
	"github.com/bureau-foundation/capture/lib/ratelimit"
	"github.com/bureau-foundation/capture/lib/retry"
	"github.com/bureau-foundation/capture/lib/session"
	"github.com/bureau-foundation/capture/lib/storage"
	"github.com/bureau-foundation/capture/lib/transport"
)

var (
	// ErrConsentDenied is returned by Capture while consent is
	// withheld.
	ErrConsentDenied = errors.New("capture: consent denied")

	// ErrRateLimited is returned by Capture when the rate limiter
	// drops the event.
	ErrRateLimited = errors.New("capture: rate limited")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("capture: pipeline closed")

	// ErrInvalidDistinctID is returned by Identify for an empty id.
	ErrInvalidDistinctID = errors.New("capture: invalid distinct id")
)

// Pipeline owns every component of one capture instance. Safe for
// concurrent use, including calls made from hooks and listeners while
// a Capture is in progress.
type Pipeline struct {
	token           string
	apiHost         string
	strategy        transport.Strategy
	withCredentials bool
	clock           clock.Clock
	logger          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stores     map[storage.Medium]*storage.Resilient
	consent    *consent.Gate
	sessions   *session.Tracker
	limiter    *ratelimit.Limiter
	properties *propertyState
	assembler  *event.Assembler
	compressor *compress.Compressor
	sender     transport.Sender
	requests   *queue.Queue
	retries    *retry.Queue

	stats counters

	mu     sync.Mutex
	remote RemoteConfig
	closed bool
}

// New creates a Pipeline, restores its persisted state, and starts
// the retry queue.
func New(config Config) (*Pipeline, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Persistence == "" {
		config.Persistence = storage.LocalStorage
	}
	if config.ConsentPersistence == "" {
		config.ConsentPersistence = storage.LocalStorage
	}
	if config.Retry == (retry.Policy{}) {
		config.Retry = retry.DefaultPolicy()
	}
	switch {
	case config.StringMaxLength == 0:
		config.StringMaxLength = event.DefaultStringMaxLength
	case config.StringMaxLength < 0:
		config.StringMaxLength = 0
	}

	logger := config.Logger.With("token", config.Token)
	if config.Name != "" {
		logger = logger.With("pipeline", config.Name)
	}
	keyPrefix := "capture_" + config.Token
	if config.Name != "" {
		keyPrefix += "_" + config.Name
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		token:           config.Token,
		apiHost:         config.APIHost,
		strategy:        config.Strategy,
		withCredentials: config.WithCredentials,
		clock:           config.Clock,
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
		stores: map[storage.Medium]*storage.Resilient{
			storage.Cookie:       storage.NewResilient(string(storage.Cookie), config.Cookies, logger),
			storage.LocalStorage: storage.NewResilient(string(storage.LocalStorage), config.LocalStorage, logger),
			storage.InMemory:     storage.NewResilient(string(storage.InMemory), nil, logger),
		},
	}

	p.consent = consent.New(consent.Config{
		Token:                      config.Token,
		Prefix:                     config.ConsentPrefix,
		Store:                      p.stores[config.ConsentPersistence],
		Medium:                     config.ConsentPersistence,
		RespectDNT:                 config.RespectDNT,
		DoNotTrack:                 config.DoNotTrack,
		OptOutByDefault:            config.OptOutCapturingByDefault,
		OptOutPersistenceByDefault: config.OptOutPersistenceByDefault,
		Logger:                     logger,
	})
	persisted := gatedStore{Store: p.stores[config.Persistence], gate: p.consent}

	p.sessions = session.NewTracker(session.Config{
		Store:              persisted,
		Key:                keyPrefix + "_session",
		IdleTimeout:        config.SessionIdleTimeout,
		BootstrapSessionID: config.BootstrapSessionID,
		Clock:              config.Clock,
		Logger:             logger,
	})
	p.properties = newPropertyState(persisted, keyPrefix+"_properties", config.PersonProperties, logger)
	if p.properties.distinctID() == "" {
		p.properties.setDistinctID(session.NewID(p.clock.Now()))
	}

	p.limiter = ratelimit.New(ratelimit.Config{
		EventsPerSecond: config.EventsPerSecond,
		BurstLimit:      config.BurstLimit,
		OnFirstLimit:    p.captureRateLimitWarning,
		Clock:           config.Clock,
		Logger:          logger,
	})
	p.assembler = event.NewAssembler(event.Config{
		Token:            config.Token,
		DistinctID:       p.properties.distinctID,
		Context:          config.Context,
		SuperProperties:  p.properties.superProperties,
		PersonProperties: p.properties,
		Denylist:         config.Denylist,
		BeforeSend:       config.BeforeSend,
		StringMaxLength:  config.StringMaxLength,
		Clock:            config.Clock,
		Logger:           logger,
	})
	p.compressor = compress.New(compress.Config{Disabled: config.DisableCompression, Logger: logger})

	p.sender = config.Sender
	if p.sender == nil {
		jar := http.CookieJar(nil)
		if config.HTTPClient != nil {
			jar = config.HTTPClient.Jar
		}
		p.sender = transport.New(transport.Config{
			HTTPClient: config.HTTPClient,
			Jar:        jar,
			Timeout:    config.Timeout,
			Clock:      config.Clock,
			Logger:     logger,
		})
	}

	p.retries = retry.New(retry.Config{
		Policy:  config.Retry,
		Deliver: p.deliver,
		OnDrop:  p.retryDropped,
		Store:   persisted,
		Key:     keyPrefix + "_retry_queue",
		Clock:   config.Clock,
		Logger:  logger,
	})
	p.requests = queue.New(queue.Config{
		Deliver:         p.deliver,
		OnFailure:       p.requestFailed,
		FlushInterval:   config.FlushInterval,
		Threshold:       config.BatchThreshold,
		DisableBatching: config.DisableBatching,
		Clock:           config.Clock,
		Logger:          logger,
	})

	p.consent.SetEmitter(func(name string, properties map[string]any) {
		if _, err := p.Capture(name, properties, CaptureOptions{}); err != nil {
			p.logger.Warn("capturing consent event", "event", name, "error", err)
		}
	})
	p.retries.Start()
	return p, nil
}

// Capture assembles one event and enqueues it. The returned record is
// a copy of what was enqueued. Capture never panics; a dropped event
// is reported through the error and counted in Stats.
func (p *Pipeline) Capture(name string, properties map[string]any, options CaptureOptions) (*event.Record, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	if !p.consent.Allowed() {
		p.stats.discard(DiscardConsentDenied, 1)
		p.logger.Debug("event dropped without consent", "event", name)
		return nil, ErrConsentDenied
	}
	if name == "" {
		p.stats.discard(DiscardInvalidEvent, 1)
		p.logger.Error("capture called without an event name")
		return nil, event.ErrInvalidEventName
	}
	if !options.SkipRateLimit && p.limiter.IsRateLimited() {
		return nil, ErrRateLimited
	}

	window := p.sessions.CheckAndGetSessionAndWindowID(false, options.Timestamp)
	record, err := p.assembler.Assemble(name, properties, event.Options{
		Timestamp: options.Timestamp,
		SessionProperties: map[string]any{
			"$session_id": window.SessionID,
			"$window_id":  window.WindowID,
		},
		Set:          options.Set,
		SetOnce:      options.SetOnce,
		NoTruncation: options.NoTruncation,
	})
	switch {
	case errors.Is(err, event.ErrDroppedByHook):
		p.stats.discard(DiscardBeforeSend, 1)
		return nil, err
	case err != nil:
		p.stats.discard(DiscardInvalidEvent, 1)
		return nil, err
	}

	batchKey := options.BatchKey
	if batchKey == "" {
		batchKey = DefaultBatchKey
	}
	p.stats.capture()
	p.requests.Enqueue(queue.Request{
		BatchKey: batchKey,
		URL:      p.endpoint(),
		Event:    record,
		Instant:  options.Instant,
	})
	return record.Clone(), nil
}

// Identify switches the distinct id. Changing it captures $identify
// with the previous id as $anon_distinct_id; identifying again with
// the same id only captures $set when there are properties to set.
func (p *Pipeline) Identify(distinctID string, set, setOnce map[string]any) error {
	if distinctID == "" {
		p.logger.Error("identify called without a distinct id")
		return ErrInvalidDistinctID
	}
	previous := p.properties.setDistinctID(distinctID)
	if previous == distinctID {
		if len(set) == 0 && len(setOnce) == 0 {
			return nil
		}
		_, err := p.Capture(event.SetEvent, nil, CaptureOptions{Set: set, SetOnce: setOnce})
		return err
	}
	_, err := p.Capture(event.Identify, map[string]any{
		"distinct_id":       distinctID,
		"$anon_distinct_id": previous,
	}, CaptureOptions{Set: set, SetOnce: setOnce})
	return err
}

// DistinctID returns the current distinct id.
func (p *Pipeline) DistinctID() string { return p.properties.distinctID() }

// Register adds super properties sent with every later event.
func (p *Pipeline) Register(properties map[string]any) {
	p.properties.register(properties, false)
}

// RegisterOnce adds super properties that are not already set.
func (p *Pipeline) RegisterOnce(properties map[string]any) {
	p.properties.register(properties, true)
}

// Unregister removes one super property.
func (p *Pipeline) Unregister(key string) { p.properties.unregister(key) }

// SuperProperties returns a copy of the registered super properties.
func (p *Pipeline) SuperProperties() map[string]any { return p.properties.superProperties() }

// PersonProperties returns a copy of the cached person properties.
func (p *Pipeline) PersonProperties() map[string]any { return p.properties.personProperties() }

// OptIn records consent. Unless suppressed it captures the opt-in
// event.
func (p *Pipeline) OptIn(options consent.OptInOptions) { p.consent.OptIn(options) }

// OptOut withdraws consent. Later captures are dropped and persisted
// state is no longer written.
func (p *Pipeline) OptOut() { p.consent.OptOut() }

// ClearConsent forgets the recorded decision.
func (p *Pipeline) ClearConsent() { p.consent.Clear() }

// ConsentStatus returns the recorded decision.
func (p *Pipeline) ConsentStatus() consent.Status { return p.consent.Status() }

// CaptureAllowed reports whether Capture currently passes the consent
// gate.
func (p *Pipeline) CaptureAllowed() bool { return p.consent.Allowed() }

// SetRemoteConfig applies the collector's advertised configuration.
func (p *Pipeline) SetRemoteConfig(remote RemoteConfig) {
	remote.SupportedCompression = slices.Clone(remote.SupportedCompression)
	p.mu.Lock()
	p.remote = remote
	p.mu.Unlock()
	p.assembler.SetElementsChainAsString(remote.ElementsChainAsString)
	p.logger.Info("remote config applied",
		"supported_compression", fmt.Sprint(remote.SupportedCompression),
		"analytics_endpoint", remote.AnalyticsEndpoint,
	)
}

// RemoteConfig returns the applied remote configuration.
func (p *Pipeline) RemoteConfig() RemoteConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	remote := p.remote
	remote.SupportedCompression = slices.Clone(remote.SupportedCompression)
	return remote
}

func (p *Pipeline) endpoint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return resolveEndpoint(p.apiHost, p.remote.AnalyticsEndpoint)
}

// OnCapture registers a hook called with the name of every assembled
// event. Returns a function that removes it.
func (p *Pipeline) OnCapture(hook func(name string)) func() {
	return p.assembler.OnCapture(hook)
}

// OnSessionID registers a listener for session and window id
// changes. Returns a function that removes it.
func (p *Pipeline) OnSessionID(listener func(sessionID, windowID string)) func() {
	return p.sessions.OnSessionID(listener)
}

// NewBrowsingContext tells the pipeline the host opened a new
// execution context: the session continues under a fresh window id.
func (p *Pipeline) NewBrowsingContext() { p.sessions.NewBrowsingContext() }

// Session returns the current session without extending it.
func (p *Pipeline) Session() session.Result {
	return p.sessions.CheckAndGetSessionAndWindowID(true, p.clock.Now())
}

// TracingRoundTripper decorates base with the session tracing headers
// for requests to hosts.
func (p *Pipeline) TracingRoundTripper(base http.RoundTripper, hosts []string) http.RoundTripper {
	return &transport.TracingRoundTripper{
		Base:     base,
		Hosts:    slices.Clone(hosts),
		Sessions: p.sessions,
	}
}

// SetOnline tells the pipeline whether the host has connectivity.
// Retries pause while offline.
func (p *Pipeline) SetOnline(online bool) { p.retries.SetOnline(online) }

// Flush sends every pending batch now and waits for the sends.
func (p *Pipeline) Flush() { p.requests.FlushAll() }

// Unload is the teardown hook: the retry tick stops, and queued
// retries and pending batches go out once with the Beacon strategy.
// Batches whose beacon fails are kept in the retry queue's persisted
// snapshot for the next start.
func (p *Pipeline) Unload() {
	p.logger.Info("unloading capture pipeline",
		"pending", p.requests.Pending(),
		"retrying", p.retries.Len(),
	)
	p.retries.Stop()
	p.retries.Unload()
	p.requests.Unload()
}

// Reset forgets the user: pending and retrying batches are dropped,
// the session ends, super and person properties are cleared, and a
// new anonymous distinct id is generated. Consent is kept.
func (p *Pipeline) Reset() {
	p.requests.Reset()
	p.retries.Reset()
	p.sessions.Reset()
	p.properties.reset(session.NewID(p.clock.Now()))
	p.logger.Info("capture pipeline reset")
}

// Close flushes pending batches, stops the retry timer, and cancels
// in-flight requests. Failed batches stay in the persisted retry
// queue. Capture returns ErrClosed afterwards.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.requests.FlushAll()
	p.retries.Stop()
	p.cancel()
	return nil
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() Stats {
	stats := p.stats.snapshot()
	if dropped := p.limiter.Dropped(); dropped > 0 {
		stats.Discarded[DiscardRateLimit] = dropped
	}
	stats.Pending = p.requests.Pending()
	stats.Retrying = p.retries.Len()
	return stats
}

// StorageDegraded reports whether any persistence medium has fallen
// back to memory.
func (p *Pipeline) StorageDegraded() bool {
	for _, store := range p.stores {
		if store.Degraded() {
			return true
		}
	}
	return false
}

func (p *Pipeline) requestFailed(batch queue.Batch, err error) {
	p.retries.Schedule(batch)
}

func (p *Pipeline) retryDropped(attempt retry.Attempt, reason retry.DropReason) {
	p.stats.discard(discardReasonForDrop(reason), len(attempt.Batch.Events))
}

// captureRateLimitWarning emits the one-time ingestion warning. It
// bypasses the limiter that triggered it.
func (p *Pipeline) captureRateLimitWarning() {
	_, err := p.Capture(ratelimit.WarningEvent, map[string]any{
		"$$client_ingestion_warning_message": "capture rate limit reached, events are being dropped client-side",
	}, CaptureOptions{SkipRateLimit: true})
	if err != nil {
		p.logger.Warn("capturing rate limit warning", "error", err)
	}
}
