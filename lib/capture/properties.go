// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"log/slog"
	"maps"
	"sync"

	"github.com/bureau-foundation/capture/lib/codec"
	"github.com/bureau-foundation/capture/lib/consent"
	"github.com/bureau-foundation/capture/lib/event"
	"github.com/bureau-foundation/capture/lib/storage"
)

const propertiesSnapshotVersion = 1

// gatedStore drops writes while the consent gate disables
// persistence. Reads and deletes pass through.
type gatedStore struct {
	storage.Store
	gate *consent.Gate
}

func (s gatedStore) Set(key string, value []byte) error {
	if !s.gate.PersistenceEnabled() {
		return nil
	}
	return s.Store.Set(key, value)
}

// persistedProperties is the CBOR snapshot of the identity and
// property state.
type persistedProperties struct {
	DistinctID string         `cbor:"distinct_id"`
	Super      map[string]any `cbor:"super,omitempty"`
	Person     map[string]any `cbor:"person,omitempty"`
}

// propertyState holds the distinct id, super properties, and the
// person property cache. It implements event.PersonPropertySink.
type propertyState struct {
	store  storage.Store
	key    string
	sink   event.PersonPropertySink
	logger *slog.Logger

	mu    sync.Mutex
	state persistedProperties
}

func newPropertyState(store storage.Store, key string, sink event.PersonPropertySink, logger *slog.Logger) *propertyState {
	p := &propertyState{store: store, key: key, sink: sink, logger: logger}
	p.load()
	return p
}

func (p *propertyState) load() {
	data, found, err := p.store.Get(p.key)
	if err != nil {
		p.logger.Warn("reading persisted properties", "key", p.key, "error", err)
		return
	}
	if !found {
		return
	}
	var state persistedProperties
	if err := codec.UnmarshalSnapshot(data, propertiesSnapshotVersion, &state); err != nil {
		p.logger.Warn("discarding unreadable persisted properties", "key", p.key, "error", err)
		return
	}
	p.state = state
}

func (p *propertyState) persistLocked() {
	data, err := codec.MarshalSnapshot(propertiesSnapshotVersion, p.state)
	if err != nil {
		p.logger.Error("encoding properties snapshot", "error", err)
		return
	}
	if err := p.store.Set(p.key, data); err != nil {
		p.logger.Warn("persisting properties", "key", p.key, "error", err)
	}
}

func (p *propertyState) distinctID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.DistinctID
}

// setDistinctID replaces the distinct id and returns the previous
// one.
func (p *propertyState) setDistinctID(distinctID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	previous := p.state.DistinctID
	if previous != distinctID {
		p.state.DistinctID = distinctID
		p.persistLocked()
	}
	return previous
}

// register merges properties into the super properties. With once
// set, existing keys are kept.
func (p *propertyState) register(properties map[string]any, once bool) {
	if len(properties) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Super == nil {
		p.state.Super = make(map[string]any, len(properties))
	}
	for key, value := range properties {
		if _, exists := p.state.Super[key]; once && exists {
			continue
		}
		p.state.Super[key] = value
	}
	p.persistLocked()
}

func (p *propertyState) unregister(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.state.Super[key]; !ok {
		return
	}
	delete(p.state.Super, key)
	p.persistLocked()
}

func (p *propertyState) superProperties() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.state.Super)
}

func (p *propertyState) personProperties() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.state.Person)
}

// SetPersonProperties implements event.PersonPropertySink: $set
// overwrites cached values, $set_once fills only absent ones.
func (p *propertyState) SetPersonProperties(set, setOnce map[string]any) {
	p.mu.Lock()
	if p.state.Person == nil {
		p.state.Person = make(map[string]any, len(set)+len(setOnce))
	}
	for key, value := range setOnce {
		if _, exists := p.state.Person[key]; !exists {
			p.state.Person[key] = value
		}
	}
	maps.Copy(p.state.Person, set)
	p.persistLocked()
	sink := p.sink
	p.mu.Unlock()

	if sink != nil {
		sink.SetPersonProperties(set, setOnce)
	}
}

// reset forgets everything and starts over with distinctID.
func (p *propertyState) reset(distinctID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = persistedProperties{DistinctID: distinctID}
	p.persistLocked()
}
