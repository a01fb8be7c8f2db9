// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"testing"
	"time"

	"github.com/bureau-foundation/capture/lib/testutil"
)

func TestNewIDRoundTripsTimestamp(t *testing.T) {
	at := testutil.Epoch.Add(1234 * time.Millisecond)
	id := NewID(at)
	got, err := IDTime(id)
	if err != nil {
		t.Fatalf("IDTime(%q): %v", id, err)
	}
	if !got.Equal(at) {
		t.Fatalf("IDTime = %v, want %v", got, at)
	}
}

func TestNewIDOrderedAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	previous := ""
	for i := 0; i < 100; i++ {
		id := NewID(testutil.Epoch.Add(time.Duration(i) * time.Millisecond))
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		if previous != "" && id <= previous {
			t.Fatalf("id %s does not sort after %s", id, previous)
		}
		previous = id
	}
}
