// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the capture pipeline configuration.
//
// Configuration is loaded from a single file specified by either the
// CAPTURE_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no discovery and no search path. Files
// ending in .json or .jsonc are read as JSON with comments and
// trailing commas; everything else is YAML.
//
// The file may contain environment-specific sections (development,
// staging, production) that override api_host, token, and the flush
// interval when [Config].Environment matches.
//
// ${HOME}, ${CAPTURE_STATE}, and ${VAR:-default} patterns are expanded
// in path fields after loading. No other environment variables
// override config values.
//
// Key exports:
//
//   - [Config] -- the file's structure
//   - [Default] -- a Config with the pipeline defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.Validate] -- reports every problem at once
//
// Accessors such as [Config.FlushInterval] and [Config.RetryPolicy]
// return typed, clamped values ready for the pipeline packages.
package config
