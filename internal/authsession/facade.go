package authsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/al-bashkir/oidc-session/internal/oidc"
	"github.com/al-bashkir/oidc-session/internal/session"
)

// ErrRemoteSignOut wraps failures of the engine's sign-out capability. The
// local token has already been cleared when it is returned.
var ErrRemoteSignOut = errors.New("remote sign-out failed")

// Engine is the protocol capability the Facade drives.
type Engine interface {
	// Authenticate runs one step of the flow for params. It returns a nil
	// token when it requested a redirect through hooks instead.
	Authenticate(ctx context.Context, hooks oidc.Hooks, params url.Values, cached *oidc.TokenData) (*oidc.TokenData, error)

	// SignOut ends the session at the provider, usually by a redirect.
	SignOut(ctx context.Context, hooks oidc.Hooks, idToken, redirect string) error
}

// Revoker is implemented by engines that can revoke tokens at the provider.
// The Facade revokes the stored token before signing out when available.
type Revoker interface {
	RevokeToken(ctx context.Context, token, tokenTypeHint string) error
}

// State is the authentication state of the session after the last call.
type State int

// Facade states.
const (
	Unauthenticated State = iota
	AttemptInProgress
	Authenticated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case AttemptInProgress:
		return "attempt_in_progress"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Facade authenticates one session for one inbound request. It is not safe
// for concurrent use; the host serializes requests for the same session.
type Facade struct {
	engine   Engine
	params   url.Values
	tokens   *TokenStore
	hooks    *Coordinator
	redirect *RedirectCatcher
	state    State
}

// Option configures a Facade.
type Option func(*Facade)

// WithCompactTokens keeps only the ID token, subject and expiry in the
// session. Use it when session values travel in a size-limited cookie; the
// access and refresh tokens are not stored, so sign-out cannot revoke them.
func WithCompactTokens() Option {
	return func(f *Facade) {
		f.tokens.compact = true
	}
}

// NewFacade creates a Facade for the request parameters params, keeping its
// state in store.
func NewFacade(engine Engine, store session.Store, params url.Values, opts ...Option) *Facade {
	catcher := &RedirectCatcher{}
	if params == nil {
		params = url.Values{}
	}
	f := &Facade{
		engine:   engine,
		params:   params,
		tokens:   NewTokenStore(store),
		hooks:    NewCoordinator(store, catcher),
		redirect: catcher,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AuthenticateSession reports whether the session is authenticated.
//
// A false result with a pending redirect means an attempt has started and the
// caller must send the browser to TakePendingRedirect. A false result without
// one means the provider or the callback was rejected. Errors are reserved
// for an unavailable session store and engine failures that are not protocol
// rejections.
func (f *Facade) AuthenticateSession(ctx context.Context) (bool, error) {
	stored, hasToken, err := f.tokens.Load(ctx)
	if err != nil {
		return false, err
	}

	var cached *oidc.TokenData
	if hasToken {
		cached = stored.tokenData()
	}

	token, err := f.engine.Authenticate(ctx, f.hooks, f.params, cached)
	switch {
	case errors.Is(err, oidc.ErrProtocol):
		slog.Warn("authentication rejected", "error", err)
		f.state = Unauthenticated
		if err := f.hooks.ClearAttempt(ctx); err != nil {
			return false, err
		}
		if hasToken {
			if err := f.tokens.Clear(ctx); err != nil {
				return false, err
			}
		}
		return false, nil
	case err != nil:
		f.state = Unauthenticated
		return false, fmt.Errorf("authentication failed: %w", err)
	}

	if token == nil {
		// The engine did not accept the stored token; it must not outlive
		// the new attempt.
		if hasToken {
			if err := f.tokens.Clear(ctx); err != nil {
				return false, err
			}
		}
		if f.redirect.pending {
			f.state = AttemptInProgress
		} else {
			f.state = Unauthenticated
		}
		return false, nil
	}

	if err := f.tokens.Save(ctx, sessionToken(token)); err != nil {
		return false, err
	}
	f.state = Authenticated

	if token != cached {
		slog.Info("session authenticated", "subject", token.Subject)
	}
	return true, nil
}

// SignOutSession clears the stored token and then asks the engine to sign
// out at the provider, redirecting to redirect afterwards (empty uses the
// engine's default). Local state is cleared first; a remote failure is
// returned wrapped in ErrRemoteSignOut.
func (f *Facade) SignOutSession(ctx context.Context, redirect string) error {
	token, _, err := f.tokens.Load(ctx)
	if err != nil {
		return err
	}
	if err := f.tokens.Clear(ctx); err != nil {
		return err
	}
	if err := f.hooks.ClearAttempt(ctx); err != nil {
		return err
	}
	f.state = Unauthenticated

	var errs []error
	if r, ok := f.engine.(Revoker); ok {
		if err := revoke(ctx, r, token); err != nil {
			slog.Warn("token revocation failed", "error", err)
			errs = append(errs, fmt.Errorf("%w: %w", ErrRemoteSignOut, err))
		}
	}
	if err := f.engine.SignOut(ctx, f.hooks, token.IDToken, redirect); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrRemoteSignOut, err))
	}
	return errors.Join(errs...)
}

// TakePendingRedirect returns and clears the redirect requested during the
// last call.
func (f *Facade) TakePendingRedirect() (string, bool) {
	return f.redirect.TakePendingRedirect()
}

// Token returns the stored token without starting a flow. An expired token
// is reported as absent.
func (f *Facade) Token(ctx context.Context) (SessionToken, bool, error) {
	token, ok, err := f.tokens.Load(ctx)
	if err != nil || !ok {
		return SessionToken{}, false, err
	}
	if !token.tokenData().Valid() {
		return SessionToken{}, false, nil
	}
	return token, true, nil
}

// State returns the state reached by the last call. A new Facade starts
// Unauthenticated.
func (f *Facade) State() State {
	return f.state
}

// revoke prefers the refresh token, whose revocation also invalidates the
// access tokens issued from it at most providers.
func revoke(ctx context.Context, r Revoker, token SessionToken) error {
	if token.RefreshToken != "" {
		return r.RevokeToken(ctx, token.RefreshToken, "refresh_token")
	}
	if token.AccessToken != "" {
		return r.RevokeToken(ctx, token.AccessToken, "access_token")
	}
	return nil
}

func (t SessionToken) tokenData() *oidc.TokenData {
	return &oidc.TokenData{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		IDToken:      t.IDToken,
		Subject:      t.Subject,
		Expiry:       t.ExpiresAt,
	}
}

func sessionToken(t *oidc.TokenData) SessionToken {
	return SessionToken{
		AccessToken:  t.AccessToken,
		IDToken:      t.IDToken,
		RefreshToken: t.RefreshToken,
		Subject:      t.Subject,
		ExpiresAt:    t.Expiry,
	}
}
