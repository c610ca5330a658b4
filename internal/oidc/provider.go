// Package oidc implements the OpenID Connect protocol engine used by the
// relying party: discovery, authorization code flow with PKCE, ID token
// verification and RP-initiated logout.
package oidc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/al-bashkir/oidc-session/internal/config"
)

// Provider wraps the OIDC provider and OAuth2 configuration.
// It handles provider discovery, token exchange, ID token verification and
// sign-out.
type Provider struct {
	oidcProvider *oidc.Provider
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	validator    *Validator
	httpClient   *http.Client

	endSessionEndpoint    string
	revocationEndpoint    string
	postLogoutRedirectURI string
	revokeOnSignOut       bool
}

// discoveryExtras holds discovery document fields go-oidc does not expose.
type discoveryExtras struct {
	EndSessionEndpoint string `json:"end_session_endpoint"`
	RevocationEndpoint string `json:"revocation_endpoint"`
}

// NewProvider creates a new OIDC provider using the specified configuration.
// It performs OIDC discovery via /.well-known/openid-configuration
// and sets up the OAuth2 configuration and ID token verifier.
func NewProvider(ctx context.Context, cfg *config.OIDCConfig) (*Provider, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	var extras discoveryExtras
	if err := provider.Claims(&extras); err != nil {
		return nil, fmt.Errorf("failed to parse discovery document: %w", err)
	}

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint:     provider.Endpoint(),
		Scopes:       cfg.Scopes,
	}

	// This will verify the token signature, issuer, audience, and expiry
	verifier := provider.Verifier(&oidc.Config{
		ClientID: cfg.ClientID,
	})

	return &Provider{
		oidcProvider:          provider,
		oauth2Config:          oauth2Config,
		verifier:              verifier,
		validator:             NewValidator(cfg),
		httpClient:            &http.Client{Timeout: 10 * time.Second},
		endSessionEndpoint:    extras.EndSessionEndpoint,
		revocationEndpoint:    extras.RevocationEndpoint,
		postLogoutRedirectURI: cfg.PostLogoutRedirectURI,
		revokeOnSignOut:       cfg.RevokeOnSignOut,
	}, nil
}
