// Package daemon wires the relying party together: the OIDC provider, the
// session backend and the HTTP server.
package daemon

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/al-bashkir/oidc-session/internal/config"
	"github.com/al-bashkir/oidc-session/internal/httpserver"
	"github.com/al-bashkir/oidc-session/internal/oidc"
	"github.com/al-bashkir/oidc-session/internal/session"
)

// Daemon represents the main daemon process that coordinates all components.
type Daemon struct {
	cfg          *config.Config
	oidcProvider *oidc.Provider
	binder       session.Binder
	closeBackend func() error
	httpServer   *httpserver.Server
}

// New creates a new daemon with all components initialized.
func New(cfg *config.Config) (*Daemon, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	oidcProvider, err := oidc.NewProvider(ctx, &cfg.OIDC)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OIDC provider: %w", err)
	}

	slog.Info("OIDC provider initialized",
		"issuer", cfg.OIDC.Issuer,
		"client_id", cfg.OIDC.ClientID,
	)

	binder, closeBackend, err := newBinder(ctx, &cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session backend: %w", err)
	}

	slog.Info("session backend initialized",
		"backend", cfg.Session.Backend,
		"timeout", time.Duration(cfg.Session.Timeout)*time.Second,
	)

	httpServer, err := httpserver.NewServer(cfg, oidcProvider, binder)
	if err != nil {
		_ = closeBackend()
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	slog.Info("HTTP server initialized",
		"listen", cfg.Listen.HTTP,
		"tls", cfg.TLS.Enabled,
	)

	return &Daemon{
		cfg:          cfg,
		oidcProvider: oidcProvider,
		binder:       binder,
		closeBackend: closeBackend,
		httpServer:   httpServer,
	}, nil
}

// newBinder builds the session binder for the configured backend and the
// function that releases it.
func newBinder(ctx context.Context, cfg *config.SessionConfig) (session.Binder, func() error, error) {
	timeout := time.Duration(cfg.Timeout) * time.Second

	switch cfg.Backend {
	case config.BackendMemory, "":
		mgr := session.NewManager(timeout)
		binder := &session.IDBinder{
			Backend:    mgr,
			CookieName: cfg.CookieName,
			Secure:     cfg.CookieSecure,
			MaxAge:     cfg.Timeout,
		}
		return binder, func() error { mgr.Stop(); return nil }, nil

	case config.BackendRedis:
		client := redis.NewClient(redisOptions(cfg))
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		binder := &session.IDBinder{
			Backend:    session.NewRedisBackend(client, cfg.RedisPrefix, timeout),
			CookieName: cfg.CookieName,
			Secure:     cfg.CookieSecure,
			MaxAge:     cfg.Timeout,
		}
		return binder, client.Close, nil

	case config.BackendCookie:
		var blockKey []byte
		if cfg.BlockKey != "" {
			blockKey = []byte(cfg.BlockKey)
		}
		binder := session.NewCookieBinder(cfg.CookieName, []byte(cfg.HashKey), blockKey, cfg.CookieSecure, cfg.Timeout)
		return binder, func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// redisOptions maps the session config to go-redis client options.
func redisOptions(cfg *config.SessionConfig) *redis.Options {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	if cfg.RedisTLS {
		host, _, err := net.SplitHostPort(cfg.RedisAddr)
		if err != nil {
			host = cfg.RedisAddr
		}
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: host,
		}
	}
	return opts
}

// Run starts all daemon components and blocks until shutdown signal is received.
func (d *Daemon) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.RunContext(ctx)
}

// RunContext starts the HTTP server and blocks until ctx is done or the
// server fails.
func (d *Daemon) RunContext(ctx context.Context) error {
	slog.Info("starting OIDC session daemon")

	// Start HTTP server in a goroutine (it blocks on ListenAndServe)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown requested")
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("HTTP server failed to start", "error", err)
			d.stopBackend()
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	// Shutdown gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}

	d.stopBackend()

	slog.Info("daemon shutdown complete")
	return nil
}

func (d *Daemon) stopBackend() {
	if err := d.closeBackend(); err != nil {
		slog.Error("error closing session backend", "error", err)
	}
}
