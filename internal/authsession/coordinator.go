// Package authsession binds the OIDC protocol engine to one host-owned
// session: attempt values and tokens live in a session.Store, and redirects
// requested by the engine are captured for the caller to issue.
package authsession

import (
	"context"

	"github.com/al-bashkir/oidc-session/internal/oidc"
	"github.com/al-bashkir/oidc-session/internal/session"
)

// Reserved session keys. Application keys must not use the "oidc." prefix.
const (
	KeyPrefix        = "oidc."
	TokenKey         = KeyPrefix + "token"
	AttemptKeyPrefix = KeyPrefix + "attempt."
)

// Coordinator implements oidc.Hooks on top of a session.Store.
// The session lifecycle belongs to the host, so StartAttempt and
// CommitAttempt never create, flush or destroy anything.
type Coordinator struct {
	store    session.Store
	redirect *RedirectCatcher
}

var _ oidc.Hooks = (*Coordinator)(nil)

// NewCoordinator creates a Coordinator that keeps attempt values in store and
// forwards redirects to catcher.
func NewCoordinator(store session.Store, catcher *RedirectCatcher) *Coordinator {
	return &Coordinator{store: store, redirect: catcher}
}

// StartAttempt is a no-op.
func (c *Coordinator) StartAttempt(context.Context) error { return nil }

// CommitAttempt is a no-op; the Store commits writes as they happen.
func (c *Coordinator) CommitAttempt(context.Context) error { return nil }

// AttemptValue reads an attempt value.
func (c *Coordinator) AttemptValue(ctx context.Context, key string) (string, bool, error) {
	return c.store.Get(ctx, attemptKey(key))
}

// SetAttemptValue writes an attempt value.
func (c *Coordinator) SetAttemptValue(ctx context.Context, key, value string) error {
	return c.store.Put(ctx, attemptKey(key), value)
}

// ClearAttemptValue removes an attempt value.
func (c *Coordinator) ClearAttemptValue(ctx context.Context, key string) error {
	return c.store.Remove(ctx, attemptKey(key))
}

// Redirect records url as the pending redirect.
func (c *Coordinator) Redirect(url string) {
	c.redirect.OnRedirectRequested(url)
}

func attemptKey(key string) string {
	return AttemptKeyPrefix + key
}

// ClearAttempt removes every attempt value the engine may have stored.
func (c *Coordinator) ClearAttempt(ctx context.Context) error {
	for _, key := range []string{oidc.AttemptState, oidc.AttemptNonce, oidc.AttemptCodeVerifier} {
		if err := c.ClearAttemptValue(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
