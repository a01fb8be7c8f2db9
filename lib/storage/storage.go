// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"sort"
	"sync"
)

// Medium names where a persisted value lives.
type Medium string

const (
	// Cookie holds values that a browser would keep in a cookie.
	Cookie Medium = "cookie"

	// LocalStorage holds values that a browser would keep in
	// persistent key-value storage.
	LocalStorage Medium = "localStorage"

	// InMemory holds values for the life of the process only.
	InMemory Medium = "memory"
)

// ParseMedium parses a medium name as it appears in configuration.
func ParseMedium(name string) (Medium, error) {
	switch name {
	case "cookie":
		return Cookie, nil
	case "localStorage", "localstorage", "local_storage":
		return LocalStorage, nil
	case "memory":
		return InMemory, nil
	default:
		return "", fmt.Errorf("storage: unknown medium %q", name)
	}
}

// Store is a synchronous key-value store. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the value stored under key. The boolean is false
	// when the key is absent.
	Get(key string) ([]byte, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

// Get implements Store.
func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Set implements Store.
func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Keys returns the stored keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.values))
	for key := range m.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
