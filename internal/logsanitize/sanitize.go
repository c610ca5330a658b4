// Package logsanitize prepares untrusted request values and session
// identifiers for structured log output.
package logsanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// MaxLen is the longest value Sanitize returns, in bytes, before the
// truncation marker.
const MaxLen = 256

const truncated = "...(truncated)"

// Sanitize replaces control characters in s and truncates it to MaxLen
// (CWE-117).
//
// Replaced ranges:
//   - C0 controls 0x00-0x1F (except horizontal tab 0x09)
//   - DEL 0x7F and C1 controls 0x80-0x9F
func Sanitize(s string) string {
	if len(s) > MaxLen {
		cut := MaxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + truncated
	}

	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '_'
		}
		if r >= 0x7f && r <= 0x9f {
			return '_'
		}
		return r
	}, s)
}

// Fingerprint returns a short stable digest of a secret value such as a
// session ID, so log lines can be correlated without exposing it.
// The empty string has an empty fingerprint.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:6])
}
