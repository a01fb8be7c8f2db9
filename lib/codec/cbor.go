// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the deterministic CBOR encoder used for persisted state.
var encMode cbor.EncMode

// decMode decodes persisted state. Unknown fields are ignored so older
// binaries can read snapshots written by newer ones.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Event properties are map[string]any; without this, nested
		// maps would decode as map[any]any, which encoding/json cannot
		// marshal when the batch is later sent to the collector.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value used to delay decoding.
type RawMessage = cbor.RawMessage

// ErrSnapshotVersion is returned by UnmarshalSnapshot when the stored
// envelope was written with a different schema version.
var ErrSnapshotVersion = errors.New("codec: snapshot version mismatch")

// Snapshot is the envelope around every persisted state blob.
type Snapshot struct {
	Version uint       `cbor:"v"`
	Payload RawMessage `cbor:"p"`
}

// MarshalSnapshot encodes v inside a Snapshot envelope tagged with
// version.
func MarshalSnapshot(version uint, v any) ([]byte, error) {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encoding snapshot payload: %w", err)
	}
	return encMode.Marshal(Snapshot{Version: version, Payload: payload})
}

// UnmarshalSnapshot decodes a Snapshot envelope and, if its version
// matches, decodes the payload into v.
func UnmarshalSnapshot(data []byte, version uint, v any) error {
	var snapshot Snapshot
	if err := decMode.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("codec: decoding snapshot envelope: %w", err)
	}
	if snapshot.Version != version {
		return fmt.Errorf("%w: stored %d, want %d", ErrSnapshotVersion, snapshot.Version, version)
	}
	if err := decMode.Unmarshal(snapshot.Payload, v); err != nil {
		return fmt.Errorf("codec: decoding snapshot payload: %w", err)
	}
	return nil
}
