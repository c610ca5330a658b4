package oidc

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ErrProtocol marks an expected authentication failure: the identity
// provider returned an error, or state, nonce or token verification failed.
var ErrProtocol = errors.New("oidc protocol error")

// Attempt keys the engine stores through Hooks while a flow is in progress.
const (
	AttemptState        = "state"
	AttemptNonce        = "nonce"
	AttemptCodeVerifier = "code_verifier"
)

var attemptKeys = []string{AttemptState, AttemptNonce, AttemptCodeVerifier}

// expirySkew is subtracted from a cached token's expiry when deciding
// whether it can be reused.
const expirySkew = 10 * time.Second

// Hooks is the session capability the engine needs from its caller: storage
// for per-attempt values and a sink for browser redirects.
type Hooks interface {
	// StartAttempt is called before attempt values are written.
	StartAttempt(ctx context.Context) error

	// CommitAttempt is called after attempt values are written.
	CommitAttempt(ctx context.Context) error

	AttemptValue(ctx context.Context, key string) (string, bool, error)
	SetAttemptValue(ctx context.Context, key, value string) error
	ClearAttemptValue(ctx context.Context, key string) error

	// Redirect asks the caller to send the browser to url.
	Redirect(url string)
}

// TokenData contains the tokens and claims returned from the OIDC provider.
type TokenData struct {
	// AccessToken is the OAuth2 access token
	AccessToken string `json:"-"`

	// RefreshToken is the OAuth2 refresh token (if available)
	RefreshToken string `json:"-"`

	// IDToken is the raw OIDC ID token (JWT); tagged json:"-" because it
	// encodes identity claims in a base64-decodable payload.
	IDToken string `json:"-"`

	// Subject is the ID token's sub claim
	Subject string

	// Claims are the parsed claims from the ID token
	Claims map[string]interface{}

	// Expiry is when the access token expires
	Expiry time.Time
}

// Valid reports whether the token can be reused without a new flow. A token
// kept without its access token (compact cookie sessions) is identified by
// its ID token.
func (t *TokenData) Valid() bool {
	if t == nil || (t.AccessToken == "" && t.IDToken == "") {
		return false
	}
	return t.Expiry.IsZero() || time.Now().Before(t.Expiry.Add(-expirySkew))
}

// Authenticate drives one step of the authorization code flow for the
// inbound request parameters.
//
//   - error param: the attempt is cleared and ErrProtocol returned.
//   - code param: the callback is verified against the stored attempt and
//     exchanged for tokens. The attempt is cleared whatever the outcome.
//   - cached is still valid: it is returned without any network call.
//   - otherwise a new attempt is stored and a redirect to the authorization
//     endpoint is requested through hooks; the returned token is nil.
func (p *Provider) Authenticate(ctx context.Context, hooks Hooks, params url.Values, cached *TokenData) (*TokenData, error) {
	if e := params.Get("error"); e != "" {
		if err := clearAttempt(ctx, hooks); err != nil {
			return nil, err
		}
		desc := params.Get("error_description")
		if desc == "" {
			return nil, fmt.Errorf("%w: %s", ErrProtocol, e)
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrProtocol, e, desc)
	}

	if code := params.Get("code"); code != "" {
		token, err := p.completeAttempt(ctx, hooks, code, params.Get("state"))
		if cErr := clearAttempt(ctx, hooks); cErr != nil && err == nil {
			return nil, cErr
		}
		return token, err
	}

	if cached.Valid() {
		return cached, nil
	}

	return nil, p.startAttempt(ctx, hooks)
}

// startAttempt stores a new state, nonce and PKCE verifier, then requests a
// redirect to the authorization endpoint.
func (p *Provider) startAttempt(ctx context.Context, hooks Hooks) error {
	state, err := generateState()
	if err != nil {
		return fmt.Errorf("failed to generate state: %w", err)
	}
	nonce, err := generateNonce()
	if err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	if err := hooks.StartAttempt(ctx); err != nil {
		return err
	}
	values := map[string]string{
		AttemptState:        state,
		AttemptNonce:        nonce,
		AttemptCodeVerifier: verifier,
	}
	for _, key := range attemptKeys {
		if err := hooks.SetAttemptValue(ctx, key, values[key]); err != nil {
			return fmt.Errorf("failed to store attempt %s: %w", key, err)
		}
	}
	if err := hooks.CommitAttempt(ctx); err != nil {
		return err
	}

	authURL := p.oauth2Config.AuthCodeURL(state,
		oidc.Nonce(nonce),
		oauth2.S256ChallengeOption(verifier),
	)

	slog.Debug("authorization flow started")
	hooks.Redirect(authURL)
	return nil
}

// completeAttempt verifies the callback state, exchanges the code with the
// stored PKCE verifier and verifies the ID token and its nonce.
func (p *Provider) completeAttempt(ctx context.Context, hooks Hooks, code, state string) (*TokenData, error) {
	storedState, err := requireAttemptValue(ctx, hooks, AttemptState)
	if err != nil {
		return nil, err
	}
	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(storedState)) != 1 {
		return nil, fmt.Errorf("%w: state mismatch", ErrProtocol)
	}

	codeVerifier, err := requireAttemptValue(ctx, hooks, AttemptCodeVerifier)
	if err != nil {
		return nil, err
	}
	nonce, err := requireAttemptValue(ctx, hooks, AttemptNonce)
	if err != nil {
		return nil, err
	}

	token, err := p.oauth2Config.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			return nil, fmt.Errorf("%w: failed to exchange code: %w", ErrProtocol, err)
		}
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: no id_token in token response", ErrProtocol)
	}

	// Verify ID token (signature, issuer, audience, expiry)
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to verify ID token: %w", ErrProtocol, err)
	}
	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrProtocol)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %w", ErrProtocol, err)
	}

	// Role claims may live only in the access token (Keycloak puts
	// realm_access and resource_access there).
	mergeAccessTokenClaims(token.AccessToken, claims)

	if err := p.validator.ValidateRoles(claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	subject, _ := getClaimString(claims, "sub")

	return &TokenData{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      rawIDToken,
		Subject:      subject,
		Claims:       claims,
		Expiry:       token.Expiry,
	}, nil
}

// requireAttemptValue reads a stored attempt value; absence means there is
// no attempt to complete.
func requireAttemptValue(ctx context.Context, hooks Hooks, key string) (string, error) {
	v, ok, err := hooks.AttemptValue(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to read attempt %s: %w", key, err)
	}
	if !ok || v == "" {
		return "", fmt.Errorf("%w: no %s stored for this session", ErrProtocol, key)
	}
	return v, nil
}

// clearAttempt removes every attempt value.
func clearAttempt(ctx context.Context, hooks Hooks) error {
	for _, key := range attemptKeys {
		if err := hooks.ClearAttemptValue(ctx, key); err != nil {
			return fmt.Errorf("failed to clear attempt %s: %w", key, err)
		}
	}
	return nil
}

// mergeAccessTokenClaims decodes a JWT access token's payload and merges
// role-related claims into the destination claims map.
// Only claims not already present in dst are merged (ID token takes precedence).
// This is best-effort: errors are logged but do not fail the auth flow,
// since not all access tokens are JWTs (e.g., opaque tokens).
func mergeAccessTokenClaims(accessToken string, dst map[string]interface{}) {
	if accessToken == "" {
		return
	}

	atClaims, err := decodeJWTPayload(accessToken)
	if err != nil {
		slog.Debug("could not decode access token as JWT (may be opaque)", "error", err)
		return
	}

	mergeKeys := []string{"resource_access", "realm_access", "groups"}

	for _, key := range mergeKeys {
		if _, exists := dst[key]; !exists {
			if val, ok := atClaims[key]; ok {
				dst[key] = val
				slog.Debug("merged claim from access token", "claim", key)
			}
		}
	}
}

// decodeJWTPayload extracts and decodes the payload (second segment) of a JWT.
// It does NOT verify the signature. The access token was obtained directly
// from the token endpoint over TLS; only role claims are read from it.
func decodeJWTPayload(token string) (map[string]interface{}, error) {
	parts := strings.SplitN(token, ".", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("not a valid JWT: expected 3 parts, got %d", len(parts))
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT payload: %w", err)
	}

	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse JWT payload: %w", err)
	}

	return claims, nil
}

// generateState creates a random state parameter for CSRF protection.
// The state is 16 random bytes encoded as hex (32 characters).
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// generateNonce creates a random nonce binding the ID token to this attempt.
// The nonce is 32 random bytes encoded as base64url (43 characters).
func generateNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
