// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"net/http"
	"strings"
	"time"

	"github.com/bureau-foundation/capture/lib/session"
)

// Tracing header names.
const (
	SessionIDHeader = "X-Capture-Session-Id"
	WindowIDHeader  = "X-Capture-Window-Id"
)

// SessionSource reports the current session. *session.Tracker
// implements it.
type SessionSource interface {
	CheckAndGetSessionAndWindowID(readOnly bool, timestamp time.Time) session.Result
}

// TracingRoundTripper adds the session and window id headers to
// requests for allow-listed hosts. The session is read with a
// read-only check, so tagged requests never extend or start a
// session.
type TracingRoundTripper struct {
	// Base performs the request. Nil selects http.DefaultTransport.
	Base http.RoundTripper

	// Hosts lists the hostnames to decorate. A host also matches its
	// subdomains.
	Hosts []string

	Sessions SessionSource
}

// RoundTrip implements http.RoundTripper.
func (t *TracingRoundTripper) RoundTrip(request *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Sessions == nil || !t.allowed(request.URL.Hostname()) {
		return base.RoundTrip(request)
	}
	result := t.Sessions.CheckAndGetSessionAndWindowID(true, time.Time{})
	if result.SessionID == "" {
		return base.RoundTrip(request)
	}

	decorated := request.Clone(request.Context())
	decorated.Header.Set(SessionIDHeader, result.SessionID)
	if result.WindowID != "" {
		decorated.Header.Set(WindowIDHeader, result.WindowID)
	}
	return base.RoundTrip(decorated)
}

func (t *TracingRoundTripper) allowed(hostname string) bool {
	hostname = strings.ToLower(hostname)
	for _, host := range t.Hosts {
		host = strings.ToLower(host)
		if hostname == host || strings.HasSuffix(hostname, "."+host) {
			return true
		}
	}
	return false
}
