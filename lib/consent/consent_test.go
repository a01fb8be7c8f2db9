// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package consent

import (
	"errors"
	"strings"
	"testing"

	"github.com/bureau-foundation/capture/lib/storage"
	"github.com/bureau-foundation/capture/lib/testutil"
)

type emitted struct {
	name       string
	properties map[string]any
}

func newTestGate(t *testing.T, config Config) (*Gate, *[]emitted) {
	t.Helper()
	if config.Token == "" {
		config.Token = "phc_test"
	}
	if config.Logger == nil {
		config.Logger = testutil.Logger(t)
	}
	gate := New(config)
	var events []emitted
	gate.SetEmitter(func(name string, properties map[string]any) {
		events = append(events, emitted{name: name, properties: properties})
	})
	return gate, &events
}

func TestDefaultPendingAllows(t *testing.T) {
	gate, _ := newTestGate(t, Config{Store: storage.NewMemory()})
	if status := gate.Status(); status != Pending {
		t.Fatalf("Status() = %v, want pending", status)
	}
	if !gate.Allowed() {
		t.Fatal("pending consent without do-not-track should allow capture")
	}
	if !gate.PersistenceEnabled() {
		t.Fatal("pending consent should allow persistence")
	}
}

func TestMarkerKey(t *testing.T) {
	gate, _ := newTestGate(t, Config{Token: "abc"})
	if got, want := gate.Key(), "__capture_opt_in_out_abc"; got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
	custom, _ := newTestGate(t, Config{Token: "abc", Prefix: "custom_"})
	if got, want := custom.Key(), "custom_abc"; got != want {
		t.Fatalf("Key() with prefix = %q, want %q", got, want)
	}
}

func TestOptInWritesMarkerAndEmits(t *testing.T) {
	store := storage.NewMemory()
	gate, events := newTestGate(t, Config{Store: store})

	gate.OptIn(OptInOptions{Properties: map[string]any{"source": "banner"}})

	value, found, _ := store.Get(gate.Key())
	if !found || string(value) != "1" {
		t.Fatalf("marker = %q (found %v), want \"1\"", value, found)
	}
	if gate.Status() != Granted {
		t.Fatalf("Status() = %v, want granted", gate.Status())
	}
	if len(*events) != 1 {
		t.Fatalf("emitted %d events, want 1", len(*events))
	}
	event := (*events)[0]
	if event.name != DefaultEventName {
		t.Fatalf("event name = %q, want %q", event.name, DefaultEventName)
	}
	if event.properties["source"] != "banner" {
		t.Fatalf("event properties = %v, want source=banner", event.properties)
	}
}

func TestOptInEventOptions(t *testing.T) {
	gate, events := newTestGate(t, Config{})
	gate.OptIn(OptInOptions{CaptureEventName: "consented"})
	gate.OptIn(OptInOptions{SuppressEvent: true})

	if len(*events) != 1 {
		t.Fatalf("emitted %d events, want 1", len(*events))
	}
	if (*events)[0].name != "consented" {
		t.Fatalf("event name = %q, want consented", (*events)[0].name)
	}
}

func TestOptInEmitterMayReenter(t *testing.T) {
	gate := New(Config{Token: "t"})
	allowedDuringEmit := false
	gate.SetEmitter(func(string, map[string]any) {
		allowedDuringEmit = gate.Allowed()
	})
	gate.OptIn(OptInOptions{})
	if !allowedDuringEmit {
		t.Fatal("opt-in event was emitted before consent was recorded")
	}
}

func TestOptOutDenies(t *testing.T) {
	store := storage.NewMemory()
	gate, events := newTestGate(t, Config{Store: store})
	gate.OptOut()

	value, _, _ := store.Get(gate.Key())
	if string(value) != "0" {
		t.Fatalf("marker = %q, want \"0\"", value)
	}
	if gate.Allowed() {
		t.Fatal("Allowed() after OptOut")
	}
	if gate.PersistenceEnabled() {
		t.Fatal("PersistenceEnabled() after OptOut")
	}
	if len(*events) != 0 {
		t.Fatalf("OptOut emitted %d events", len(*events))
	}
}

func TestClearRevertsToPending(t *testing.T) {
	store := storage.NewMemory()
	gate, _ := newTestGate(t, Config{Store: store})
	gate.OptOut()
	gate.Clear()

	if _, found, _ := store.Get(gate.Key()); found {
		t.Fatal("Clear left the marker in storage")
	}
	if gate.Status() != Pending {
		t.Fatalf("Status() after Clear = %v, want pending", gate.Status())
	}
	if marker, _ := gate.Marker(); marker != "" {
		t.Fatalf("Marker() after Clear = %q, want empty", marker)
	}
}

func TestDecisionSurvivesRestart(t *testing.T) {
	store := storage.NewMemory()
	first, _ := newTestGate(t, Config{Store: store, Medium: storage.Cookie})
	first.OptOut()

	second, _ := newTestGate(t, Config{Store: store, Medium: storage.Cookie})
	marker, medium := second.Marker()
	if marker != "0" || medium != storage.Cookie {
		t.Fatalf("Marker() = (%q, %q), want (\"0\", cookie)", marker, medium)
	}
	if second.Allowed() {
		t.Fatal("restored opt-out allowed capture")
	}
}

func TestPendingDefaults(t *testing.T) {
	doNotTrack := func() bool { return true }
	tests := []struct {
		name               string
		config             Config
		allowed            bool
		persistenceEnabled bool
	}{
		{"plain", Config{}, true, true},
		{"dnt ignored", Config{DoNotTrack: doNotTrack}, true, true},
		{"dnt respected", Config{RespectDNT: true, DoNotTrack: doNotTrack}, false, false},
		{"dnt respected but absent", Config{RespectDNT: true, DoNotTrack: func() bool { return false }}, true, true},
		{"opt out by default", Config{OptOutByDefault: true}, false, false},
		{"persistence off by default", Config{OptOutPersistenceByDefault: true}, true, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			gate, _ := newTestGate(t, test.config)
			if got := gate.Allowed(); got != test.allowed {
				t.Errorf("Allowed() = %v, want %v", got, test.allowed)
			}
			if got := gate.PersistenceEnabled(); got != test.persistenceEnabled {
				t.Errorf("PersistenceEnabled() = %v, want %v", got, test.persistenceEnabled)
			}
			if gate.Status() != Pending {
				t.Errorf("Status() = %v, want pending", gate.Status())
			}
		})
	}
}

func TestExplicitDecisionOverridesDefaults(t *testing.T) {
	gate, _ := newTestGate(t, Config{OptOutByDefault: true, RespectDNT: true, DoNotTrack: func() bool { return true }})
	gate.OptIn(OptInOptions{SuppressEvent: true})
	if !gate.Allowed() {
		t.Fatal("explicit opt-in did not override opt-out-by-default")
	}
}

type brokenStore struct{}

func (brokenStore) Get(string) ([]byte, bool, error) { return nil, false, errors.New("storage disabled") }
func (brokenStore) Set(string, []byte) error { return errors.New("storage disabled") }
func (brokenStore) Delete(string) error { return errors.New("storage disabled") }

func TestStorageErrorsKeepStateInMemory(t *testing.T) {
	logger, lines := testutil.CapturingLogger()
	gate := New(Config{Token: "t", Store: brokenStore{}, Logger: logger})

	gate.OptOut()
	if gate.Allowed() {
		t.Fatal("opt-out lost after a storage failure")
	}
	found := false
	for _, line := range lines() {
		if strings.Contains(line, "persisting consent marker") {
			found = true
		}
	}
	if !found {
		t.Fatalf("storage failure not logged: %v", lines())
	}
}

func TestUnrecognizedMarkerIsPending(t *testing.T) {
	store := storage.NewMemory()
	store.Set(DefaultPrefix+"t", []byte("maybe"))
	gate, _ := newTestGate(t, Config{Token: "t", Store: store})
	if gate.Status() != Pending {
		t.Fatalf("Status() = %v, want pending", gate.Status())
	}
}
