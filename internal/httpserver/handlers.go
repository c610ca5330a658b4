package httpserver

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/al-bashkir/oidc-session/internal/authsession"
	"github.com/al-bashkir/oidc-session/internal/session"
)

// sessionHandler runs with the request's session bound and locked.
type sessionHandler func(w http.ResponseWriter, r *http.Request, b *session.Binding)

// withSession binds the request's session, holds its lock for the duration
// of fn, and renders an error page when no session can be bound.
func (s *Server) withSession(fn sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := s.binder.Bind(w, r)
		if err != nil {
			slog.Error("failed to bind session",
				"request_id", requestID(r.Context()),
				"error", err,
			)
			s.renderError(w, http.StatusInternalServerError, "Session storage is unavailable. Please try again later.")
			return
		}

		unlock := s.locks.lock(b.ID)
		defer unlock()

		fn(w, r, b)
	}
}

// commit flushes session writes; it must run before the response status.
func commit(r *http.Request, b *session.Binding) bool {
	if err := b.Commit(); err != nil {
		slog.Error("failed to save session",
			"request_id", requestID(r.Context()),
			"session", sessionRef(b.ID),
			"error", err,
		)
		return false
	}
	return true
}

// handleLogin starts an authentication attempt, or sends an already
// authenticated browser to the index page.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, b *session.Binding) {
	// Query parameters are never forwarded here, so /login cannot be used to
	// inject a callback.
	s.authenticate(w, r, b, url.Values{})
}

// handleCallback completes the attempt with the provider's response.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	slog.Info("callback received", // #nosec G706 -- only boolean values logged, no injection risk
		"request_id", requestID(r.Context()),
		"code_present", q.Get("code") != "",
		"state_present", q.Get("state") != "",
		"error_present", q.Get("error") != "",
	)

	if q.Get("code") == "" && q.Get("error") == "" {
		s.renderError(w, http.StatusBadRequest, "Invalid callback parameters")
		return
	}

	s.withSession(func(w http.ResponseWriter, r *http.Request, b *session.Binding) {
		s.authenticate(w, r, b, q)
	})(w, r)
}

// facade creates the Facade for one request on the bound session.
func (s *Server) facade(b *session.Binding, params url.Values) *authsession.Facade {
	if b.Compact {
		return authsession.NewFacade(s.engine, b.Store, params, authsession.WithCompactTokens())
	}
	return authsession.NewFacade(s.engine, b.Store, params)
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, b *session.Binding, params url.Values) {
	ctx := r.Context()
	facade := s.facade(b, params)

	ok, err := facade.AuthenticateSession(ctx)
	if err != nil {
		slog.Error("authentication failed",
			"request_id", requestID(ctx),
			"session", sessionRef(b.ID),
			"error", err,
		)
		commit(r, b)
		if errors.Is(err, session.ErrUnavailable) {
			s.renderError(w, http.StatusInternalServerError, "Session storage is unavailable. Please try again later.")
			return
		}
		s.renderError(w, http.StatusBadGateway, "The identity provider could not be reached. Please try again later.")
		return
	}

	if !commit(r, b) {
		s.renderError(w, http.StatusInternalServerError, "Session could not be saved. Please try again.")
		return
	}

	if target, pending := facade.TakePendingRedirect(); pending {
		slog.Debug("redirecting to identity provider",
			"request_id", requestID(ctx),
			"session", sessionRef(b.ID),
		)
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	if ok {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	s.renderError(w, http.StatusUnauthorized, "Authentication failed. Please try again.")
}

// handleLogout clears the local session first and then sends the browser to
// the provider's logout endpoint.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, b *session.Binding) {
	ctx := r.Context()
	facade := s.facade(b, nil)

	signOutErr := facade.SignOutSession(ctx, "")
	if signOutErr != nil {
		slog.Warn("sign-out incomplete",
			"request_id", requestID(ctx),
			"session", sessionRef(b.ID),
			"error", signOutErr,
		)
	}

	if errors.Is(signOutErr, session.ErrUnavailable) {
		commit(r, b)
		s.renderError(w, http.StatusInternalServerError, "Session storage is unavailable. Please try again later.")
		return
	}

	if err := b.Destroy(ctx); err != nil {
		slog.Error("failed to destroy session",
			"request_id", requestID(ctx),
			"session", sessionRef(b.ID),
			"error", err,
		)
	}
	commit(r, b)

	if target, pending := facade.TakePendingRedirect(); pending {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	if signOutErr != nil {
		s.renderError(w, http.StatusBadGateway, "You have been signed out of this application, but the identity provider could not be notified.")
		return
	}

	s.renderSuccess(w, "You have been signed out.")
}

// handleIndex shows the session status without starting a flow.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, b *session.Binding) {
	facade := s.facade(b, nil)

	token, ok, err := facade.Token(r.Context())
	commit(r, b)
	if err != nil {
		slog.Error("failed to load session token",
			"request_id", requestID(r.Context()),
			"session", sessionRef(b.ID),
			"error", err,
		)
		s.renderError(w, http.StatusInternalServerError, "Session storage is unavailable. Please try again later.")
		return
	}

	s.renderStatus(w, statusPage{
		Authenticated: ok,
		Subject:       token.Subject,
		ExpiresAt:     token.ExpiresAt,
	})
}
