// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID returns a UUIDv7 string whose timestamp field is t.
func NewID(t time.Time) string {
	id, err := uuid.NewRandom()
	if err != nil {
		// crypto/rand failure; uuid.New panics in the same situation.
		panic(fmt.Sprintf("session: generating random id: %v", err))
	}
	milliseconds := uint64(t.UnixMilli())
	id[0] = byte(milliseconds >> 40)
	id[1] = byte(milliseconds >> 32)
	id[2] = byte(milliseconds >> 24)
	id[3] = byte(milliseconds >> 16)
	id[4] = byte(milliseconds >> 8)
	id[5] = byte(milliseconds)
	id[6] = (id[6] & 0x0f) | 0x70
	id[8] = (id[8] & 0x3f) | 0x80
	return id.String()
}

// IDTime returns the timestamp embedded in a UUIDv7 string.
func IDTime(id string) (time.Time, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("session: parsing id %q: %w", id, err)
	}
	if parsed.Version() != 7 {
		return time.Time{}, fmt.Errorf("session: id %q is version %d, want 7", id, int(parsed.Version()))
	}
	milliseconds := int64(parsed[0])<<40 | int64(parsed[1])<<32 | int64(parsed[2])<<24 |
		int64(parsed[3])<<16 | int64(parsed[4])<<8 | int64(parsed[5])
	return time.UnixMilli(milliseconds).UTC(), nil
}

// ErrInvalidBootstrapID is returned for a bootstrap session id that
// cannot be continued.
var ErrInvalidBootstrapID = errors.New("session: invalid bootstrap session id")

// ValidateBootstrapID checks an externally supplied session id against
// the events it would cover: it must be a UUIDv7, its embedded
// timestamp must not be after the first event, and the last event must
// fall within MaxSessionLength of it. Returns the embedded start time.
func ValidateBootstrapID(id string, firstEvent, lastEvent time.Time) (time.Time, error) {
	started, err := IDTime(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidBootstrapID, err)
	}
	if started.After(firstEvent) {
		return time.Time{}, fmt.Errorf("%w: id starts at %s, after first event at %s",
			ErrInvalidBootstrapID, started.Format(time.RFC3339Nano), firstEvent.Format(time.RFC3339Nano))
	}
	if !lastEvent.Before(started.Add(MaxSessionLength)) {
		return time.Time{}, fmt.Errorf("%w: last event at %s is more than %s after id start %s",
			ErrInvalidBootstrapID, lastEvent.Format(time.RFC3339Nano), MaxSessionLength, started.Format(time.RFC3339Nano))
	}
	return started, nil
}
