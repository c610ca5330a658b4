package session

import (
	"log/slog"
	"time"
)

// cleanupLoop runs in a background goroutine and periodically removes expired sessions.
// It stops when the stopCleanup channel is closed.
func (m *Manager) cleanupLoop() {
	for {
		select {
		case <-m.cleanupTicker.C:
			m.cleanup()
		case <-m.stopCleanup:
			return
		}
	}
}

// cleanup removes all expired sessions from the manager.
func (m *Manager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	expiredCount := 0

	for sessionID, sess := range m.sessions {
		if now.After(sess.ExpiresAt) {
			delete(m.sessions, sessionID)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		slog.Info("cleaned up expired sessions", "count", expiredCount)
	}
}
