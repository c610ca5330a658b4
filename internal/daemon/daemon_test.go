package daemon

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/al-bashkir/oidc-session/internal/config"
	"github.com/al-bashkir/oidc-session/internal/session"
)

func newTestOIDCIssuer(t *testing.T) string {
	t.Helper()

	var baseURL string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		issuer := baseURL + "/realms/test"

		switch r.URL.Path {
		case "/realms/test/.well-known/openid-configuration":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{
				"issuer":                 issuer,
				"authorization_endpoint": issuer + "/auth",
				"token_endpoint":         issuer + "/token",
				"jwks_uri":               issuer + "/keys",
				"end_session_endpoint":   issuer + "/logout",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	baseURL = ts.URL
	t.Cleanup(ts.Close)

	return baseURL + "/realms/test"
}

func testConfig(t *testing.T, listen string) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Listen.HTTP = listen
	cfg.OIDC.Issuer = newTestOIDCIssuer(t)
	cfg.OIDC.ClientID = "test-client"
	cfg.OIDC.RedirectURI = "http://127.0.0.1:9000/callback"
	cfg.OIDC.Scopes = []string{"openid"}
	cfg.Session.Timeout = 300
	return cfg
}

func TestNewBinder(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*config.SessionConfig)
		wantErr string
		check   func(t *testing.T, b session.Binder)
	}{
		{
			name: "memory",
			check: func(t *testing.T, b session.Binder) {
				idb, ok := b.(*session.IDBinder)
				if !ok {
					t.Fatalf("binder type = %T, want *session.IDBinder", b)
				}
				if _, ok := idb.Backend.(*session.Manager); !ok {
					t.Errorf("backend type = %T, want *session.Manager", idb.Backend)
				}
				if idb.CookieName != "oidc_session" || idb.MaxAge != 300 {
					t.Errorf("unexpected binder settings: %+v", idb)
				}
			},
		},
		{
			name: "cookie",
			modify: func(c *config.SessionConfig) {
				c.Backend = config.BackendCookie
				c.HashKey = strings.Repeat("h", 32)
				c.BlockKey = strings.Repeat("b", 32)
			},
			check: func(t *testing.T, b session.Binder) {
				cb, ok := b.(*session.CookieBinder)
				if !ok {
					t.Fatalf("binder type = %T, want *session.CookieBinder", b)
				}
				if cb.Name != "oidc_session" {
					t.Errorf("cookie name = %q", cb.Name)
				}
				if cb.Store.Options.MaxAge != 300 {
					t.Errorf("cookie MaxAge = %d, want 300", cb.Store.Options.MaxAge)
				}
			},
		},
		{
			name: "redis unreachable",
			modify: func(c *config.SessionConfig) {
				c.Backend = config.BackendRedis
				c.RedisAddr = "127.0.0.1:1"
			},
			wantErr: "failed to connect to redis",
		},
		{
			name: "unknown backend",
			modify: func(c *config.SessionConfig) {
				c.Backend = "etcd"
			},
			wantErr: "unknown session backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig().Session
			cfg.Timeout = 300
			if tt.modify != nil {
				tt.modify(&cfg)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			binder, closeFn, err := newBinder(ctx, &cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want error containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("newBinder failed: %v", err)
			}
			defer func() { _ = closeFn() }()

			tt.check(t, binder)
		})
	}
}

func TestRedisOptions(t *testing.T) {
	cfg := &config.SessionConfig{
		RedisAddr:     "redis.example:6380",
		RedisUsername: "sessions",
		RedisPassword: "pass",
		RedisDB:       2,
	}

	opts := redisOptions(cfg)
	if opts.Addr != "redis.example:6380" || opts.Username != "sessions" || opts.Password != "pass" || opts.DB != 2 {
		t.Errorf("unexpected options: %+v", opts)
	}
	if opts.TLSConfig != nil {
		t.Error("expected no TLS config unless redis_tls is set")
	}

	cfg.RedisTLS = true
	opts = redisOptions(cfg)
	if opts.TLSConfig == nil {
		t.Fatal("expected TLS config")
	}
	if opts.TLSConfig.ServerName != "redis.example" {
		t.Errorf("ServerName = %q, want redis.example", opts.TLSConfig.ServerName)
	}
	if opts.TLSConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", opts.TLSConfig.MinVersion)
	}
}

func TestNew(t *testing.T) {
	d, err := New(testConfig(t, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer d.stopBackend()

	if d.oidcProvider == nil || d.httpServer == nil || d.binder == nil {
		t.Error("expected all components to be initialized")
	}
}

func TestNew_ProviderFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(ts.Close)

	cfg := testConfig(t, "127.0.0.1:0")
	cfg.OIDC.Issuer = ts.URL + "/realms/missing"

	_, err := New(cfg)
	if err == nil || !strings.Contains(err.Error(), "failed to initialize OIDC provider") {
		t.Fatalf("error = %v, want provider initialization failure", err)
	}
}

func TestNew_BackendFailure(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:0")
	cfg.Session.Backend = "etcd"

	_, err := New(cfg)
	if err == nil || !strings.Contains(err.Error(), "failed to initialize session backend") {
		t.Fatalf("error = %v, want backend initialization failure", err)
	}
}

func TestRunContext_Shutdown(t *testing.T) {
	d, err := New(testConfig(t, "127.0.0.1:0"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.RunContext(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunContext returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for RunContext to return")
	}
}

func TestRun_HTTPServerStartFailureStopsAndReturnsError(t *testing.T) {
	// invalid port -> ListenAndServe fails immediately
	d, err := New(testConfig(t, "127.0.0.1:-1"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- d.Run()
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Run to fail, got nil")
		}
	case <-time.After(5 * time.Second):
		// Best-effort cleanup to avoid leaking goroutines on failure.
		d.stopBackend()
		t.Fatal("timeout waiting for Run to return")
	}
}
