// Package httpserver hosts the relying party: login, callback and logout
// endpoints that drive an authsession.Facade per request.
package httpserver

import (
	"context"
	"crypto/tls"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/al-bashkir/oidc-session/internal/authsession"
	"github.com/al-bashkir/oidc-session/internal/config"
	"github.com/al-bashkir/oidc-session/internal/session"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Version is reported by the health endpoint. It is set from build-time
// ldflags by the command.
var Version = "dev"

// Server is the HTTP server for the relying party endpoints and health checks
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	mux        *http.ServeMux
	templates  *template.Template
	engine     authsession.Engine
	binder     session.Binder
	locks      *sessionLocks
	limiter    *IPRateLimiter
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, engine authsession.Engine, binder session.Binder) (*Server, error) {
	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		templates: templates,
		engine:    engine,
		binder:    binder,
		locks:     newSessionLocks(),
		limiter:   newIPRateLimiter(10, 50),
	}

	s.mux.HandleFunc("GET /login", s.withSession(s.handleLogin))
	s.mux.HandleFunc("GET /callback", s.handleCallback)
	// Signing out changes state, so it is POST only; GET shows the
	// status page with the sign-out form.
	s.mux.HandleFunc("GET /logout", s.withSession(s.handleIndex))
	s.mux.HandleFunc("POST /logout", s.withSession(s.handleLogout))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /{$}", s.withSession(s.handleIndex))

	// Wrap with middleware
	handler := loggingMiddleware(s.mux)
	handler = recoveryMiddleware(handler)
	handler = s.rateLimitMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Listen.HTTP,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	return s, nil
}

// Handler returns the server's root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting HTTP server",
		"addr", s.cfg.Listen.HTTP,
		"tls", s.cfg.TLS.Enabled,
	)

	if s.cfg.TLS.Enabled {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
