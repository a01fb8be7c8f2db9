// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"log/slog"
	"sync"
)

// Resilient wraps a durable Store and degrades to memory on the first
// failure. Every successful write is mirrored into memory so that
// state written before the failure is still visible afterwards.
type Resilient struct {
	name    string
	logger  *slog.Logger
	durable Store
	memory  *Memory

	mu       sync.Mutex
	degraded bool
}

// NewResilient wraps durable. The name identifies the store in the
// one-time degradation warning. A nil durable store starts degraded
// without logging (the host chose memory-only persistence).
func NewResilient(name string, durable Store, logger *slog.Logger) *Resilient {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resilient{
		name:     name,
		logger:   logger,
		durable:  durable,
		memory:   NewMemory(),
		degraded: durable == nil,
	}
}

// Degraded reports whether the store has fallen back to memory.
func (r *Resilient) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// Get implements Store. Reads fall through to memory after
// degradation or when the durable read fails.
func (r *Resilient) Get(key string) ([]byte, bool, error) {
	if durable := r.active(); durable != nil {
		value, found, err := durable.Get(key)
		if err == nil {
			if found {
				r.memory.Set(key, value)
			}
			return value, found, nil
		}
		r.degrade(err)
	}
	return r.memory.Get(key)
}

// Set implements Store.
func (r *Resilient) Set(key string, value []byte) error {
	r.memory.Set(key, value)
	if durable := r.active(); durable != nil {
		if err := durable.Set(key, value); err != nil {
			r.degrade(err)
		}
	}
	return nil
}

// Delete implements Store.
func (r *Resilient) Delete(key string) error {
	r.memory.Delete(key)
	if durable := r.active(); durable != nil {
		if err := durable.Delete(key); err != nil {
			r.degrade(err)
		}
	}
	return nil
}

func (r *Resilient) active() Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.degraded {
		return nil
	}
	return r.durable
}

func (r *Resilient) degrade(err error) {
	r.mu.Lock()
	alreadyDegraded := r.degraded
	r.degraded = true
	r.mu.Unlock()
	if alreadyDegraded {
		return
	}
	r.logger.Warn("persistence unavailable, continuing with in-memory state",
		"store", r.name,
		"error", err,
	)
}
