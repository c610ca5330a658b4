package httpserver

import "github.com/al-bashkir/oidc-session/internal/logsanitize"

// sanitizeLog sanitizes a string for safe inclusion in structured log output
// before logging external HTTP input.
func sanitizeLog(s string) string {
	return logsanitize.Sanitize(s)
}

// sessionRef is the log-safe form of a session ID.
func sessionRef(id string) string {
	return logsanitize.Fingerprint(id)
}
