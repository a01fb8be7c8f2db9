// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"os"
	"runtime"
	"time"

	"github.com/bureau-foundation/capture/lib/version"
)

// ContextProvider supplies the computed base properties of every
// event. It is called once per Assemble and must return a map the
// assembler may modify.
type ContextProvider interface {
	ContextProperties(timestamp time.Time) map[string]any
}

// ContextFunc adapts a function to ContextProvider.
type ContextFunc func(timestamp time.Time) map[string]any

// ContextProperties implements ContextProvider.
func (f ContextFunc) ContextProperties(timestamp time.Time) map[string]any {
	return f(timestamp)
}

// RuntimeContext describes the process the library runs in. It is the
// default ContextProvider.
type RuntimeContext struct {
	// Extra properties added to every event, for example a device
	// or application identifier supplied by the host.
	Extra map[string]any
}

// ContextProperties implements ContextProvider.
func (c RuntimeContext) ContextProperties(timestamp time.Time) map[string]any {
	properties := map[string]any{
		"$lib":             version.Library,
		"$lib_version":     version.Short(),
		"$os":              runtime.GOOS,
		"$arch":            runtime.GOARCH,
		"$runtime":         "go",
		"$runtime_version": runtime.Version(),
		"$time":            float64(timestamp.UnixMilli()) / 1000,
	}
	if hostname, err := os.Hostname(); err == nil {
		properties["$host"] = hostname
	}
	for key, value := range c.Extra {
		properties[key] = value
	}
	return properties
}
