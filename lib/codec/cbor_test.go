// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// sampleState is a representative on-disk type using cbor struct tags.
type sampleState struct {
	SessionID  string         `cbor:"session_id"`
	Attempt    int            `cbor:"attempt"`
	NextRetry  time.Time      `cbor:"next_retry"`
	Properties map[string]any `cbor:"properties,omitempty"`
}

// sampleWireRecord uses json tags (the convention for types that also
// cross the collector wire).
type sampleWireRecord struct {
	Event string `json:"event"`
	UUID  string `json:"uuid"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleState{
		SessionID: "0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a5b",
		Attempt:   3,
		NextRetry: time.Date(2026, 1, 1, 0, 0, 12, 345678900, time.UTC),
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleState
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.SessionID != original.SessionID || decoded.Attempt != original.Attempt {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
	if !decoded.NextRetry.Equal(original.NextRetry) {
		t.Errorf("time lost precision: got %v, want %v", decoded.NextRetry, original.NextRetry)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	state := sampleState{
		SessionID:  "s",
		Properties: map[string]any{"b": 1, "a": "x", "c": true},
	}

	first, err := Marshal(state)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(state)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestNestedMapsDecodeAsStringKeyed(t *testing.T) {
	data, err := Marshal(map[string]any{
		"outer": map[string]any{"inner": "value"},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded map[string]any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := decoded["outer"].(map[string]any)
	if !ok {
		t.Fatalf("nested map decoded as %T, want map[string]any", decoded["outer"])
	}
	if outer["inner"] != "value" {
		t.Errorf("outer[inner] = %v, want value", outer["inner"])
	}
}

func TestJSONTagFallback(t *testing.T) {
	data, err := Marshal(sampleWireRecord{Event: "$pageview", UUID: "u"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["event"] != "$pageview" {
		t.Errorf("json tag not honoured: %v", decoded)
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var decoded sampleState
	if err := Unmarshal([]byte{0xff, 0xfe}, &decoded); err == nil {
		t.Fatal("expected error for invalid CBOR")
	}
}

func TestSnapshotRoundtrip(t *testing.T) {
	entries := []sampleState{{SessionID: "a", Attempt: 1}, {SessionID: "b", Attempt: 2}}

	data, err := MarshalSnapshot(2, entries)
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}

	var decoded []sampleState
	if err := UnmarshalSnapshot(data, 2, &decoded); err != nil {
		t.Fatalf("UnmarshalSnapshot: %v", err)
	}
	if len(decoded) != 2 || decoded[1].SessionID != "b" || decoded[1].Attempt != 2 {
		t.Errorf("snapshot roundtrip mismatch: %+v", decoded)
	}
}

func TestSnapshotVersionMismatch(t *testing.T) {
	data, err := MarshalSnapshot(1, sampleState{SessionID: "a"})
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}

	var decoded sampleState
	err = UnmarshalSnapshot(data, 2, &decoded)
	if !errors.Is(err, ErrSnapshotVersion) {
		t.Fatalf("UnmarshalSnapshot error = %v, want ErrSnapshotVersion", err)
	}
}
