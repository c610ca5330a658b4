package oidc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrSignOutUnsupported is returned when the provider's discovery document
// has no end_session_endpoint.
var ErrSignOutUnsupported = errors.New("provider does not support RP-initiated logout")

// SignOut requests a redirect to the provider's end_session_endpoint.
// idToken is sent as id_token_hint when non-empty; redirect falls back to the
// configured post-logout redirect URI.
func (p *Provider) SignOut(ctx context.Context, hooks Hooks, idToken, redirect string) error {
	if p.endSessionEndpoint == "" {
		return ErrSignOutUnsupported
	}

	u, err := url.Parse(p.endSessionEndpoint)
	if err != nil {
		return fmt.Errorf("failed to parse end_session_endpoint: %w", err)
	}

	q := u.Query()
	if idToken != "" {
		q.Set("id_token_hint", idToken)
	}
	if redirect == "" {
		redirect = p.postLogoutRedirectURI
	}
	if redirect != "" {
		q.Set("post_logout_redirect_uri", redirect)
	}
	q.Set("client_id", p.oauth2Config.ClientID)
	u.RawQuery = q.Encode()

	hooks.Redirect(u.String())
	return nil
}

// RevokeToken revokes an access or refresh token at the provider's
// revocation endpoint (RFC 7009). It is a no-op when revocation is disabled
// in the configuration or not advertised by the provider.
func (p *Provider) RevokeToken(ctx context.Context, token, tokenTypeHint string) error {
	if !p.revokeOnSignOut || p.revocationEndpoint == "" || token == "" {
		return nil
	}

	form := url.Values{}
	form.Set("token", token)
	if tokenTypeHint != "" {
		form.Set("token_type_hint", tokenTypeHint)
	}
	if p.oauth2Config.ClientSecret == "" {
		form.Set("client_id", p.oauth2Config.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.oauth2Config.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(p.oauth2Config.ClientID), url.QueryEscape(p.oauth2Config.ClientSecret))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token revocation failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token revocation failed: unexpected status %d", resp.StatusCode)
	}
	return nil
}
