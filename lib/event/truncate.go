// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import "unicode/utf8"

// DefaultStringMaxLength is the default limit, in characters, on
// string property values.
const DefaultStringMaxLength = 65535

// Truncate returns a deep copy of value with every string shortened
// to at most maxLength characters. A maxLength of zero or less copies
// without truncating. Truncate is idempotent: truncating its own
// output at the same length returns an equal tree.
func Truncate(value any, maxLength int) any {
	switch typed := value.(type) {
	case string:
		return truncateString(typed, maxLength)
	case map[string]any:
		return copyMap(typed, maxLength)
	case []any:
		if typed == nil {
			return typed
		}
		result := make([]any, len(typed))
		for i, element := range typed {
			result[i] = Truncate(element, maxLength)
		}
		return result
	case []string:
		if typed == nil {
			return typed
		}
		result := make([]string, len(typed))
		for i, element := range typed {
			result[i] = truncateString(element, maxLength)
		}
		return result
	case []map[string]any:
		if typed == nil {
			return typed
		}
		result := make([]map[string]any, len(typed))
		for i, element := range typed {
			result[i] = copyMap(element, maxLength)
		}
		return result
	case map[string]string:
		if typed == nil {
			return typed
		}
		result := make(map[string]string, len(typed))
		for key, element := range typed {
			result[key] = truncateString(element, maxLength)
		}
		return result
	default:
		return value
	}
}

func copyMap(source map[string]any, maxLength int) map[string]any {
	if source == nil {
		return nil
	}
	result := make(map[string]any, len(source))
	for key, value := range source {
		result[key] = Truncate(value, maxLength)
	}
	return result
}

func truncateString(value string, maxLength int) string {
	if maxLength <= 0 || len(value) <= maxLength {
		return value
	}
	if utf8.RuneCountInString(value) <= maxLength {
		return value
	}
	count := 0
	for index := range value {
		if count == maxLength {
			return value[:index]
		}
		count++
	}
	return value
}
