package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Manager keeps sessions in memory with TTL-based cleanup.
// It is thread-safe and supports concurrent access.
type Manager struct {
	mu             sync.RWMutex
	sessions       map[string]*Session // sessionID -> Session
	sessionTimeout time.Duration
	cleanupTicker  *time.Ticker
	stopCleanup    chan struct{}
	stopOnce       sync.Once
}

// ensure that Manager implements the Backend interface
var _ Backend = (*Manager)(nil)

// NewManager creates a new session manager with the specified timeout.
// It automatically starts a background cleanup goroutine that runs every minute.
func NewManager(sessionTimeout time.Duration) *Manager {
	m := &Manager{
		sessions:       make(map[string]*Session),
		sessionTimeout: sessionTimeout,
		cleanupTicker:  time.NewTicker(1 * time.Minute),
		stopCleanup:    make(chan struct{}),
	}

	go m.cleanupLoop()

	return m
}

// Stop stops the session manager's cleanup goroutine.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cleanupTicker.Stop()
		close(m.stopCleanup)
	})
}

// Create creates a new empty session and returns its ID.
// The session ID is generated using crypto/rand (64 hex characters).
func (m *Manager) Create(_ context.Context) (string, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now()
	sess := &Session{
		ID:        sessionID,
		Values:    make(map[string]string),
		CreatedAt: now,
		ExpiresAt: now.Add(m.sessionTimeout),
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	return sessionID, nil
}

// Open returns a Store scoped to the session with the given ID.
// Returns ErrNotFound if the session is unknown or has expired.
func (m *Manager) Open(_ context.Context, id string) (Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok || time.Now().After(sess.ExpiresAt) {
		return nil, ErrNotFound
	}

	return &memoryStore{m: m, id: id}, nil
}

// Delete removes a session from the manager.
func (m *Manager) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

// Count returns the current number of active sessions.
// Useful for monitoring and testing.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// live returns the session if it exists and has not expired.
// Must be called with mu held. Errors never carry the session ID.
func (m *Manager) live(id string) (*Session, error) {
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session not found", ErrUnavailable)
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, fmt.Errorf("%w: session expired", ErrUnavailable)
	}
	return sess, nil
}

// memoryStore is the Store view of a single Manager session.
type memoryStore struct {
	m  *Manager
	id string
}

func (s *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	sess, err := s.m.live(s.id)
	if err != nil {
		return false, err
	}
	_, ok := sess.Values[key]
	return ok, nil
}

func (s *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	sess, err := s.m.live(s.id)
	if err != nil {
		return "", false, err
	}
	v, ok := sess.Values[key]
	return v, ok, nil
}

func (s *memoryStore) Put(_ context.Context, key, value string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	sess, err := s.m.live(s.id)
	if err != nil {
		return err
	}
	sess.Values[key] = value
	return nil
}

func (s *memoryStore) Remove(_ context.Context, key string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	sess, err := s.m.live(s.id)
	if err != nil {
		return err
	}
	delete(sess.Values, key)
	return nil
}

// generateSessionID generates a cryptographically secure random session ID.
// The ID is 64 hex characters (32 random bytes).
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
