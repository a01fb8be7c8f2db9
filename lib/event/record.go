// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"errors"
	"time"
)

var (
	// ErrInvalidEventName is returned for an empty event name.
	ErrInvalidEventName = errors.New("event: invalid event name")

	// ErrDroppedByHook is returned when a BeforeSend hook returned nil.
	ErrDroppedByHook = errors.New("event: dropped by before_send hook")
)

// Record is one event as sent to the collector.
type Record struct {
	UUID       string         `json:"uuid" cbor:"uuid"`
	Event      string         `json:"event" cbor:"event"`
	Properties map[string]any `json:"properties" cbor:"properties"`
	Set        map[string]any `json:"$set,omitempty" cbor:"set,omitempty"`
	SetOnce    map[string]any `json:"$set_once,omitempty" cbor:"set_once,omitempty"`
	Timestamp  time.Time      `json:"timestamp" cbor:"timestamp"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Properties = copyMap(r.Properties, 0)
	clone.Set = copyMap(r.Set, 0)
	clone.SetOnce = copyMap(r.SetOnce, 0)
	return &clone
}

// Event names with special handling.
const (
	Identify      = "$identify"
	SetEvent      = "$set"
	GroupIdentify = "$groupidentify"
	Snapshot      = "$snapshot"
	Performance   = "$performance_event"
	PageLeave     = "$pageleave"
)

// IsIdentifyClass reports whether name updates person or group
// properties.
func IsIdentifyClass(name string) bool {
	switch name {
	case Identify, SetEvent, GroupIdentify:
		return true
	default:
		return false
	}
}

// IsReducedProperty reports whether name receives only the reduced
// property allow-list.
func IsReducedProperty(name string) bool {
	switch name {
	case Snapshot, Performance:
		return true
	default:
		return false
	}
}

// reducedAllowList are the only merged properties a reduced-property
// event keeps.
var reducedAllowList = []string{
	"distinct_id",
	"token",
	"$session_id",
	"$window_id",
	"$lib",
	"$lib_version",
	"$time",
}
