package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/sessions"
)

// Binding is the Store attached to one inbound request.
type Binding struct {
	// Store is scoped to the request's session
	Store Store

	// ID identifies server-side sessions; empty for cookie sessions
	ID string

	// Compact is set when values travel in a size-limited cookie
	Compact bool

	commit  func() error
	destroy func(ctx context.Context) error
}

// Commit flushes pending session writes to the response.
// It must run before the response status is written.
func (b *Binding) Commit() error {
	if b.commit == nil {
		return nil
	}
	return b.commit()
}

// Destroy ends the session.
func (b *Binding) Destroy(ctx context.Context) error {
	if b.destroy == nil {
		return nil
	}
	return b.destroy(ctx)
}

// Binder attaches a session to an inbound request, creating one on first use.
type Binder interface {
	Bind(w http.ResponseWriter, r *http.Request) (*Binding, error)
}

// IDBinder binds server-side sessions (memory, Redis) through an opaque
// session ID cookie.
type IDBinder struct {
	Backend    Backend
	CookieName string
	Secure     bool
	MaxAge     int // seconds
}

// Bind resolves the session named by the request cookie, or creates a new
// one and sets the cookie.
func (b *IDBinder) Bind(w http.ResponseWriter, r *http.Request) (*Binding, error) {
	ctx := r.Context()

	if c, err := r.Cookie(b.CookieName); err == nil && c.Value != "" {
		store, err := b.Backend.Open(ctx, c.Value)
		switch {
		case err == nil:
			return b.binding(c.Value, store), nil
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
		slog.Debug("session cookie refers to unknown session, creating a new one")
	}

	id, err := b.Backend.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	store, err := b.Backend.Open(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to open new session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     b.CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   b.MaxAge,
		HttpOnly: true,
		Secure:   b.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	return b.binding(id, store), nil
}

func (b *IDBinder) binding(id string, store Store) *Binding {
	return &Binding{
		Store: store,
		ID:    id,
		destroy: func(ctx context.Context) error {
			return b.Backend.Delete(ctx, id)
		},
	}
}

// CookieBinder binds gorilla cookie sessions; the whole session travels in
// the cookie.
type CookieBinder struct {
	Store *sessions.CookieStore
	Name  string
}

// NewCookieBinder creates a CookieBinder with signing (and optionally
// encryption) keys.
func NewCookieBinder(name string, hashKey, blockKey []byte, secure bool, maxAge int) *CookieBinder {
	var store *sessions.CookieStore
	if len(blockKey) > 0 {
		store = sessions.NewCookieStore(hashKey, blockKey)
	} else {
		store = sessions.NewCookieStore(hashKey)
	}
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	// Also bounds the timestamp securecookie accepts on decode.
	store.MaxAge(maxAge)
	return &CookieBinder{Store: store, Name: name}
}

// Bind decodes the session cookie. An undecodable cookie yields a fresh
// session rather than an error.
func (b *CookieBinder) Bind(w http.ResponseWriter, r *http.Request) (*Binding, error) {
	sess, err := b.Store.Get(r, b.Name)
	if err != nil {
		slog.Warn("discarding undecodable session cookie", "error", err)
	}
	if sess == nil {
		return nil, ErrUnavailable
	}

	return &Binding{
		Store:   NewCookieStore(sess),
		Compact: true,
		commit: func() error {
			return sess.Save(r, w)
		},
		destroy: func(_ context.Context) error {
			for k := range sess.Values {
				delete(sess.Values, k)
			}
			sess.Options.MaxAge = -1
			return nil
		},
	}, nil
}
