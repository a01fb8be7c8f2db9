// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/capture/lib/clock"
	"github.com/bureau-foundation/capture/lib/codec"
	"github.com/bureau-foundation/capture/lib/storage"
)

const (
	// DefaultIdleTimeout is the gap after which a session ends.
	DefaultIdleTimeout = 30 * time.Minute

	// MinIdleTimeout and MaxIdleTimeout bound the configurable idle
	// timeout.
	MinIdleTimeout = time.Minute
	MaxIdleTimeout = 10 * time.Hour

	// MaxSessionLength is the longest a session may run regardless of
	// activity.
	MaxSessionLength = 24 * time.Hour
)

// windowSnapshotVersion is the codec snapshot version of a persisted
// Window. Bump it when the Window fields change incompatibly.
const windowSnapshotVersion = 1

// Window is the current session state.
type Window struct {
	SessionID        string    `cbor:"session_id"`
	WindowID         string    `cbor:"-"`
	SessionStartedAt time.Time `cbor:"session_started_at"`
	LastActivityAt   time.Time `cbor:"last_activity_at"`
}

// Result is returned by [Tracker.CheckAndGetSessionAndWindowID].
type Result struct {
	SessionID        string
	WindowID         string
	SessionStartedAt time.Time

	// Changed is true when this call started a new session or
	// assigned a new window id.
	Changed bool
}

// Config configures a Tracker.
type Config struct {
	// Store persists the window between process restarts. Nil keeps
	// the window in memory only.
	Store storage.Store

	// Key is the storage key for the persisted window. Required when
	// Store is set.
	Key string

	// IdleTimeout is clamped to [MinIdleTimeout, MaxIdleTimeout].
	// Zero selects DefaultIdleTimeout.
	IdleTimeout time.Duration

	// BootstrapSessionID, when set, is used as the id of the first
	// session this tracker starts, provided it passes
	// ValidateBootstrapID against the first activity.
	BootstrapSessionID string

	Clock  clock.Clock
	Logger *slog.Logger
}

// ClampIdleTimeout applies the idle timeout bounds. Zero or negative
// selects the default.
func ClampIdleTimeout(timeout time.Duration) time.Duration {
	switch {
	case timeout <= 0:
		return DefaultIdleTimeout
	case timeout < MinIdleTimeout:
		return MinIdleTimeout
	case timeout > MaxIdleTimeout:
		return MaxIdleTimeout
	default:
		return timeout
	}
}

// Tracker computes session and window ids from activity timestamps.
// Safe for concurrent use. Listeners run after the tracker's lock is
// released, so a listener may call back into the tracker.
type Tracker struct {
	clock       clock.Clock
	logger      *slog.Logger
	store       storage.Store
	key         string
	idleTimeout time.Duration

	mu        sync.Mutex
	window    *Window
	windowID  string
	bootstrap string
	listeners map[int]func(sessionID, windowID string)
	nextID    int
}

// NewTracker creates a tracker, restoring a persisted window from
// config.Store if one is present and decodable. The restored window
// has no window id: the first check assigns one.
func NewTracker(config Config) *Tracker {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	tracker := &Tracker{
		clock:       config.Clock,
		logger:      config.Logger,
		store:       config.Store,
		key:         config.Key,
		idleTimeout: ClampIdleTimeout(config.IdleTimeout),
		bootstrap:   config.BootstrapSessionID,
		listeners:   make(map[int]func(sessionID, windowID string)),
	}
	tracker.restore()
	return tracker
}

// IdleTimeout returns the effective (clamped) idle timeout.
func (t *Tracker) IdleTimeout() time.Duration { return t.idleTimeout }

// CheckAndGetSessionAndWindowID returns the ids for activity at
// timestamp, starting a new session or window as needed. A zero
// timestamp means the clock's current time.
//
// With readOnly set the call only reports: it never starts a session,
// never assigns a window id, and never extends the session's last
// activity. With no session it returns an empty Result.
func (t *Tracker) CheckAndGetSessionAndWindowID(readOnly bool, timestamp time.Time) Result {
	if timestamp.IsZero() {
		timestamp = t.clock.Now()
	}

	t.mu.Lock()
	if readOnly {
		defer t.mu.Unlock()
		if t.window == nil {
			return Result{}
		}
		return Result{
			SessionID:        t.window.SessionID,
			WindowID:         t.windowID,
			SessionStartedAt: t.window.SessionStartedAt,
		}
	}

	changed := false
	switch {
	case t.window == nil || t.expired(timestamp):
		previous := ""
		if t.window != nil {
			previous = t.window.SessionID
		}
		t.window = t.startSession(timestamp)
		t.windowID = NewID(timestamp)
		changed = true
		t.logger.Debug("session started",
			"session_id", t.window.SessionID,
			"previous_session_id", previous,
		)
	case t.windowID == "":
		t.windowID = NewID(timestamp)
		changed = true
	}
	if timestamp.After(t.window.LastActivityAt) {
		t.window.LastActivityAt = timestamp
	}
	result := Result{
		SessionID:        t.window.SessionID,
		WindowID:         t.windowID,
		SessionStartedAt: t.window.SessionStartedAt,
		Changed:          changed,
	}
	snapshot := *t.window
	listeners := t.snapshotListeners(changed)
	t.mu.Unlock()

	t.persist(&snapshot)
	for _, listener := range listeners {
		listener(result.SessionID, result.WindowID)
	}
	return result
}

// expired reports whether the current window has ended at timestamp.
// Caller holds t.mu.
func (t *Tracker) expired(timestamp time.Time) bool {
	if timestamp.Sub(t.window.LastActivityAt) > t.idleTimeout {
		return true
	}
	return timestamp.Sub(t.window.SessionStartedAt) > MaxSessionLength
}

// startSession builds a new window at timestamp, consuming the
// bootstrap id if one is pending. Caller holds t.mu.
func (t *Tracker) startSession(timestamp time.Time) *Window {
	if bootstrap := t.bootstrap; bootstrap != "" {
		t.bootstrap = ""
		started, err := ValidateBootstrapID(bootstrap, timestamp, timestamp)
		if err == nil {
			return &Window{
				SessionID:        bootstrap,
				SessionStartedAt: started,
				LastActivityAt:   timestamp,
			}
		}
		t.logger.Warn("rejecting bootstrap session id",
			"session_id", bootstrap,
			"error", err,
		)
	}
	return &Window{
		SessionID:        NewID(timestamp),
		SessionStartedAt: timestamp,
		LastActivityAt:   timestamp,
	}
}

// NewBrowsingContext signals that the caller is a new execution
// context joining the current session. The next non-read-only check
// keeps the session id and assigns a fresh window id.
func (t *Tracker) NewBrowsingContext() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windowID = ""
}

// Current returns a copy of the current window, or false when there
// is no session.
func (t *Tracker) Current() (Window, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.window == nil {
		return Window{}, false
	}
	window := *t.window
	window.WindowID = t.windowID
	return window, true
}

// Reset forgets the current session. The next non-read-only check
// starts a new one.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.window = nil
	t.windowID = ""
	t.mu.Unlock()

	if t.store == nil {
		return
	}
	if err := t.store.Delete(t.key); err != nil {
		t.logger.Warn("clearing persisted session", "key", t.key, "error", err)
	}
}

// OnSessionID registers listener to be called with the new ids every
// time a check starts a session or assigns a window id. Returns a
// function that removes the listener.
func (t *Tracker) OnSessionID(listener func(sessionID, windowID string)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = listener
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

// snapshotListeners returns the listeners to notify, in registration
// order. Caller holds t.mu.
func (t *Tracker) snapshotListeners(changed bool) []func(sessionID, windowID string) {
	if !changed || len(t.listeners) == 0 {
		return nil
	}
	listeners := make([]func(sessionID, windowID string), 0, len(t.listeners))
	for id := 0; id < t.nextID; id++ {
		if listener, ok := t.listeners[id]; ok {
			listeners = append(listeners, listener)
		}
	}
	return listeners
}

func (t *Tracker) persist(window *Window) {
	if t.store == nil {
		return
	}
	data, err := codec.MarshalSnapshot(windowSnapshotVersion, window)
	if err != nil {
		t.logger.Error("encoding session window", "error", err)
		return
	}
	if err := t.store.Set(t.key, data); err != nil {
		t.logger.Warn("persisting session window", "key", t.key, "error", err)
	}
}

func (t *Tracker) restore() {
	if t.store == nil {
		return
	}
	data, found, err := t.store.Get(t.key)
	if err != nil {
		t.logger.Warn("reading persisted session window", "key", t.key, "error", err)
		return
	}
	if !found {
		return
	}
	var window Window
	if err := codec.UnmarshalSnapshot(data, windowSnapshotVersion, &window); err != nil {
		t.logger.Warn("discarding unreadable session window", "key", t.key, "error", err)
		return
	}
	if window.SessionID == "" {
		return
	}
	t.window = &window
}
