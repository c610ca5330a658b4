package authsession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/al-bashkir/oidc-session/internal/session"
)

// SessionToken is what a session keeps after a successful authentication.
type SessionToken struct {
	AccessToken  string    `json:"access_token"`
	IDToken      string    `json:"id_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Subject      string    `json:"sub,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// TokenStore persists one SessionToken under TokenKey.
type TokenStore struct {
	store session.Store

	// compact drops the access and refresh tokens on Save.
	compact bool
}

// NewTokenStore creates a TokenStore over store.
func NewTokenStore(store session.Store) *TokenStore {
	return &TokenStore{store: store}
}

// Save replaces the stored token.
func (s *TokenStore) Save(ctx context.Context, token SessionToken) error {
	if s.compact {
		token.AccessToken, token.RefreshToken = "", ""
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := s.store.Put(ctx, TokenKey, string(data)); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// Load returns the stored token. A value that cannot be decoded, or that
// carries neither an access token nor an ID token, is removed and reported
// as absent.
func (s *TokenStore) Load(ctx context.Context) (SessionToken, bool, error) {
	raw, ok, err := s.store.Get(ctx, TokenKey)
	if err != nil {
		return SessionToken{}, false, fmt.Errorf("failed to load token: %w", err)
	}
	if !ok {
		return SessionToken{}, false, nil
	}

	var token SessionToken
	if err := json.Unmarshal([]byte(raw), &token); err != nil || (token.AccessToken == "" && token.IDToken == "") {
		slog.Warn("discarding undecodable session token", "error", err)
		if err := s.store.Remove(ctx, TokenKey); err != nil {
			return SessionToken{}, false, fmt.Errorf("failed to remove token: %w", err)
		}
		return SessionToken{}, false, nil
	}
	return token, true, nil
}

// Clear removes the stored token. Clearing an absent token is a no-op.
func (s *TokenStore) Clear(ctx context.Context) error {
	if err := s.store.Remove(ctx, TokenKey); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	return nil
}
