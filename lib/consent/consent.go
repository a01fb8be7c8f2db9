// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package consent records whether capture is permitted.
//
// The decision is a single persisted marker: "1" for opted in, "0" for
// opted out, absent for no decision yet. The marker lives under
// <prefix><token> in whichever storage medium the host selected.
package consent

import (
	"log/slog"
	"maps"
	"sync"

	"github.com/bureau-foundation/capture/lib/storage"
)

// Status is the recorded consent decision.
type Status int

const (
	// Pending means no decision has been recorded.
	Pending Status = iota

	// Granted means the user opted in.
	Granted

	// Denied means the user opted out.
	Denied
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

const (
	// DefaultPrefix is prepended to the project token to form the
	// marker key.
	DefaultPrefix = "__capture_opt_in_out_"

	// DefaultEventName is the event emitted by OptIn.
	DefaultEventName = "$opt_in"

	markerGranted = "1"
	markerDenied  = "0"
)

// Emitter sends an event through the capture path. The Gate calls it
// without holding its lock, so the emitter may call back into the Gate.
type Emitter func(name string, properties map[string]any)

// Config configures a Gate.
type Config struct {
	Token string

	// Prefix replaces DefaultPrefix when set.
	Prefix string

	// Store holds the marker. Nil keeps the decision in memory.
	Store storage.Store

	// Medium is reported by Marker; it names which medium Store is.
	Medium storage.Medium

	// RespectDNT makes a pending decision deny when DoNotTrack
	// reports true.
	RespectDNT bool
	DoNotTrack func() bool

	// OptOutByDefault makes a pending decision deny.
	OptOutByDefault bool

	// OptOutPersistenceByDefault disables persistence writes until
	// the user opts in.
	OptOutPersistenceByDefault bool

	Logger *slog.Logger
}

// OptInOptions configures the event emitted by OptIn.
type OptInOptions struct {
	// CaptureEventName overrides DefaultEventName.
	CaptureEventName string

	// SuppressEvent skips the opt-in event entirely.
	SuppressEvent bool

	// Properties are merged into the opt-in event.
	Properties map[string]any
}

// Gate is the consent state machine. Safe for concurrent use.
type Gate struct {
	config Config
	key    string
	logger *slog.Logger

	mu      sync.Mutex
	status  Status
	emitter Emitter
}

// New creates a Gate, reading the current marker from config.Store.
func New(config Config) *Gate {
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.Medium == "" {
		config.Medium = storage.LocalStorage
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	gate := &Gate{
		config: config,
		key:    config.Prefix + config.Token,
		logger: logger,
	}
	gate.status = gate.load()
	return gate
}

// Key returns the storage key of the marker.
func (g *Gate) Key() string { return g.key }

// SetEmitter installs the function OptIn uses to emit its event.
func (g *Gate) SetEmitter(emitter Emitter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.emitter = emitter
}

// OptIn records consent and, unless suppressed, emits the opt-in
// event. The event is emitted after the marker is written, so it
// passes the gate.
func (g *Gate) OptIn(options OptInOptions) {
	g.mu.Lock()
	g.status = Granted
	emitter := g.emitter
	g.mu.Unlock()
	g.write(markerGranted)
	g.logger.Info("capture opted in", "key", g.key)

	if options.SuppressEvent || emitter == nil {
		return
	}
	name := options.CaptureEventName
	if name == "" {
		name = DefaultEventName
	}
	emitter(name, maps.Clone(options.Properties))
}

// OptOut records refusal. Subsequent captures and persistence writes
// are dropped until OptIn.
func (g *Gate) OptOut() {
	g.mu.Lock()
	g.status = Denied
	g.mu.Unlock()
	g.write(markerDenied)
	g.logger.Info("capture opted out", "key", g.key)
}

// Clear removes the marker, reverting to Pending.
func (g *Gate) Clear() {
	g.mu.Lock()
	g.status = Pending
	g.mu.Unlock()
	if g.config.Store == nil {
		return
	}
	if err := g.config.Store.Delete(g.key); err != nil {
		g.logger.Warn("clearing consent marker", "key", g.key, "error", err)
	}
}

// Status returns the recorded decision.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Marker returns the raw marker value and the medium it lives in. The
// value is empty when no decision is recorded.
func (g *Gate) Marker() (string, storage.Medium) {
	switch g.Status() {
	case Granted:
		return markerGranted, g.config.Medium
	case Denied:
		return markerDenied, g.config.Medium
	default:
		return "", g.config.Medium
	}
}

// Allowed reports whether capture may proceed. A pending decision
// allows capture unless the host opted out by default or reports
// do-not-track while RespectDNT is set.
func (g *Gate) Allowed() bool {
	switch g.Status() {
	case Granted:
		return true
	case Denied:
		return false
	}
	if g.config.OptOutByDefault {
		return false
	}
	if g.config.RespectDNT && g.config.DoNotTrack != nil && g.config.DoNotTrack() {
		return false
	}
	return true
}

// PersistenceEnabled reports whether components may write persisted
// properties.
func (g *Gate) PersistenceEnabled() bool {
	switch g.Status() {
	case Granted:
		return true
	case Denied:
		return false
	}
	return !g.config.OptOutPersistenceByDefault && g.Allowed()
}

func (g *Gate) write(marker string) {
	if g.config.Store == nil {
		return
	}
	if err := g.config.Store.Set(g.key, []byte(marker)); err != nil {
		g.logger.Warn("persisting consent marker", "key", g.key, "error", err)
	}
}

func (g *Gate) load() Status {
	if g.config.Store == nil {
		return Pending
	}
	value, found, err := g.config.Store.Get(g.key)
	if err != nil {
		g.logger.Warn("reading consent marker", "key", g.key, "error", err)
		return Pending
	}
	if !found {
		return Pending
	}
	switch string(value) {
	case markerGranted:
		return Granted
	case markerDenied:
		return Denied
	default:
		g.logger.Warn("ignoring unrecognized consent marker", "key", g.key, "value", string(value))
		return Pending
	}
}
