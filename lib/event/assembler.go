// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/bureau-foundation/capture/lib/clock"
	"github.com/bureau-foundation/capture/lib/session"
)

// BeforeSendFunc transforms a record before it is queued. Returning
// nil drops the event.
type BeforeSendFunc func(record *Record) *Record

// PersonPropertySink receives the person properties set by
// identify-class events, for consumers such as flag evaluation that
// need them before the collector does.
type PersonPropertySink interface {
	SetPersonProperties(set, setOnce map[string]any)
}

// Config configures an Assembler.
type Config struct {
	// Token is the project API token, sent as the token property.
	Token string

	// DistinctID returns the current distinct id. Nil omits the
	// distinct_id property.
	DistinctID func() string

	// Context supplies the base properties. Nil selects
	// RuntimeContext{}.
	Context ContextProvider

	// SuperProperties returns the persisted properties registered on
	// every event. The returned map is not modified.
	SuperProperties func() map[string]any

	// PersonProperties receives $set from identify-class events.
	PersonProperties PersonPropertySink

	// Denylist names properties removed from every event.
	Denylist []string

	// BeforeSend is the transform chain, run in order.
	BeforeSend []BeforeSendFunc

	// StringMaxLength limits string property values, in characters.
	// Zero or negative disables truncation; DefaultStringMaxLength is
	// the usual setting.
	StringMaxLength int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Options are per-call settings for Assemble.
type Options struct {
	// Timestamp of the event. Zero means now.
	Timestamp time.Time

	// SessionProperties are merged after super-properties. The
	// pipeline puts $session_id and $window_id here.
	SessionProperties map[string]any

	// Set and SetOnce are sent as $set and $set_once.
	Set     map[string]any
	SetOnce map[string]any

	// NoTruncation skips string truncation for this event.
	NoTruncation bool
}

// Assembler builds Records. Safe for concurrent use; hooks run
// without the assembler's lock held and may call Assemble.
type Assembler struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	mu                    sync.Mutex
	captureHooks          map[int]func(name string)
	nextHookID            int
	elementsChainAsString bool
}

// NewAssembler creates an Assembler.
func NewAssembler(config Config) *Assembler {
	if config.Context == nil {
		config.Context = RuntimeContext{}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Assembler{
		config:       config,
		clock:        config.Clock,
		logger:       config.Logger,
		captureHooks: make(map[int]func(name string)),
	}
}

// OnCapture registers hook to be called with the name of every
// assembled event. Hooks see only the name. A panicking hook is
// recovered and logged. Returns a function that removes the hook.
func (a *Assembler) OnCapture(hook func(name string)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextHookID
	a.nextHookID++
	a.captureHooks[id] = hook
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.captureHooks, id)
	}
}

// SetElementsChainAsString controls whether autocapture events carry
// only the flattened $elements_chain string.
func (a *Assembler) SetElementsChainAsString(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.elementsChainAsString = enabled
}

// Assemble builds the record for one event. It returns
// ErrInvalidEventName for an empty name and ErrDroppedByHook when the
// BeforeSend chain discards the event.
func (a *Assembler) Assemble(name string, properties map[string]any, options Options) (*Record, error) {
	if name == "" {
		a.logger.Error("capture called without an event name")
		return nil, ErrInvalidEventName
	}

	timestamp := options.Timestamp
	if timestamp.IsZero() {
		timestamp = a.clock.Now()
	}

	merged := a.config.Context.ContextProperties(timestamp)
	if merged == nil {
		merged = make(map[string]any)
	}
	merged["token"] = a.config.Token
	if a.config.DistinctID != nil {
		if distinctID := a.config.DistinctID(); distinctID != "" {
			merged["distinct_id"] = distinctID
		}
	}

	if IsReducedProperty(name) {
		reduced := make(map[string]any, len(reducedAllowList))
		maps.Copy(merged, options.SessionProperties)
		for _, key := range reducedAllowList {
			if value, ok := merged[key]; ok {
				reduced[key] = value
			}
		}
		merged = reduced
	} else {
		if a.config.SuperProperties != nil {
			maps.Copy(merged, a.config.SuperProperties())
		}
		maps.Copy(merged, options.SessionProperties)
	}
	maps.Copy(merged, properties)

	a.mu.Lock()
	elementsChainAsString := a.elementsChainAsString
	a.mu.Unlock()
	if elementsChainAsString {
		if _, ok := merged["$elements_chain"]; ok {
			delete(merged, "$elements")
		}
	}

	record := &Record{
		Event:      name,
		Properties: merged,
		Set:        maps.Clone(options.Set),
		SetOnce:    maps.Clone(options.SetOnce),
		Timestamp:  timestamp,
	}
	if IsIdentifyClass(name) && a.config.PersonProperties != nil && (len(record.Set) > 0 || len(record.SetOnce) > 0) {
		a.config.PersonProperties.SetPersonProperties(maps.Clone(record.Set), maps.Clone(record.SetOnce))
	}

	for _, key := range a.config.Denylist {
		delete(record.Properties, key)
	}

	for index, hook := range a.config.BeforeSend {
		record = a.runBeforeSend(index, hook, record)
		if record == nil {
			a.logger.Info("event dropped by before_send hook", "event", name, "hook", index)
			return nil, ErrDroppedByHook
		}
	}
	if record.Event == "" {
		a.logger.Error("before_send hook cleared the event name", "event", name)
		return nil, ErrInvalidEventName
	}

	maxLength := a.config.StringMaxLength
	if options.NoTruncation {
		maxLength = 0
	}
	record.Properties = copyMap(record.Properties, maxLength)
	if record.Properties == nil {
		record.Properties = make(map[string]any)
	}
	record.Set = copyMap(record.Set, maxLength)
	record.SetOnce = copyMap(record.SetOnce, maxLength)
	record.UUID = session.NewID(a.clock.Now())

	a.notifyCapture(record.Event)
	return record, nil
}

// runBeforeSend calls one hook. A panicking hook leaves the record
// unchanged.
func (a *Assembler) runBeforeSend(index int, hook BeforeSendFunc, record *Record) (result *Record) {
	defer func() {
		if recovered := recover(); recovered != nil {
			a.logger.Error("before_send hook panicked, ignoring it",
				"event", record.Event,
				"hook", index,
				"panic", fmt.Sprint(recovered),
			)
			result = record
		}
	}()
	return hook(record)
}

func (a *Assembler) notifyCapture(name string) {
	a.mu.Lock()
	hooks := make([]func(string), 0, len(a.captureHooks))
	for id := 0; id < a.nextHookID; id++ {
		if hook, ok := a.captureHooks[id]; ok {
			hooks = append(hooks, hook)
		}
	}
	a.mu.Unlock()

	for _, hook := range hooks {
		a.runCaptureHook(name, hook)
	}
}

func (a *Assembler) runCaptureHook(name string, hook func(string)) {
	defer func() {
		if recovered := recover(); recovered != nil {
			a.logger.Error("capture hook panicked",
				"event", name,
				"panic", fmt.Sprint(recovered),
			)
		}
	}()
	hook(name)
}
