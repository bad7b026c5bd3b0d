package qstore

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// copyMetadata returns an independent copy so callers can never mutate
// catalog state through a returned map.
func copyMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

// validateMetadata rejects keys and values the canonical tag serialization
// cannot represent unambiguously.
func validateMetadata(metadata map[string]string) error {
	for k, v := range metadata {
		if k == "" {
			return fmt.Errorf("metadata key cannot be empty")
		}
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return fmt.Errorf("metadata key %q must be valid UTF-8", k)
		}
		if strings.ContainsRune(k, '\x00') || strings.ContainsRune(v, '\x00') {
			return fmt.Errorf("metadata key %q contains a NUL byte", k)
		}
	}
	return nil
}

// validateObjectID checks the shape of caller-supplied object ids.
func validateObjectID(id string) error {
	if id == "" {
		return fmt.Errorf("object id cannot be empty")
	}
	if strings.ContainsAny(id, "/\\\x00") || strings.Contains(id, "..") {
		return fmt.Errorf("object id %q contains invalid characters", id)
	}
	return nil
}
