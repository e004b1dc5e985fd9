// Package util provides common utility functions used across the proxy.
package util

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Used when logging token prefixes so only a short identifier is
// ever shown.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison by removing trailing slashes.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// DecodeLaunchPatient extracts the patient identifier from a SMART launch
// context. The context may be a base64-encoded JSON object with a "patient"
// field; any other shape yields an empty string.
func DecodeLaunchPatient(launch string) string {
	if launch == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(launch)
	if err != nil {
		return ""
	}
	var ctx struct {
		Patient string `json:"patient"`
	}
	if err := json.Unmarshal(raw, &ctx); err != nil {
		return ""
	}
	return ctx.Patient
}
