package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	OIDC    OIDCConfig    `yaml:"oidc"`
	Session SessionConfig `yaml:"session"`
	TLS     TLSConfig     `yaml:"tls"`
	Log     LogConfig     `yaml:"log"`
}

// ListenConfig defines where the HTTP server listens
type ListenConfig struct {
	HTTP string `yaml:"http"` // HTTP server address (e.g., ":9000")
}

// OIDCConfig defines the relying party settings for the identity provider
type OIDCConfig struct {
	Issuer                string   `yaml:"issuer"`                   // Identity provider issuer URL
	ClientID              string   `yaml:"client_id"`                // OIDC client ID
	ClientSecret          string   `yaml:"client_secret"`            // OIDC client secret (empty for public clients)
	RedirectURI           string   `yaml:"redirect_uri"`             // Callback URL
	PostLogoutRedirectURI string   `yaml:"post_logout_redirect_uri"` // Default target after sign-out
	Scopes                []string `yaml:"scopes"`                   // OIDC scopes
	RequiredRoles         []string `yaml:"required_roles"`           // Roles required to complete login
	RoleClaim             string   `yaml:"role_claim"`               // Dot path to roles in the ID token
	RevokeOnSignOut       bool     `yaml:"revoke_on_sign_out"`       // Revoke stored tokens before the end-session redirect
}

// SessionConfig defines the host session backend
type SessionConfig struct {
	Backend      string `yaml:"backend"`       // memory, redis, cookie
	Timeout      int    `yaml:"timeout"`       // Session lifetime in seconds
	CookieName   string `yaml:"cookie_name"`   // Name of the session cookie
	CookieSecure bool   `yaml:"cookie_secure"` // Set the Secure attribute on the session cookie
	HashKey      string `yaml:"hash_key"`      // Cookie signing key (cookie backend)
	BlockKey     string `yaml:"block_key"`     // Cookie encryption key (cookie backend, optional)
	RedisAddr     string `yaml:"redis_addr"`     // host:port (redis backend)
	RedisUsername string `yaml:"redis_username"` // ACL user (Redis 6+)
	RedisPassword string `yaml:"redis_password"` // AUTH password
	RedisTLS      bool   `yaml:"redis_tls"`      // Connect to Redis over TLS
	RedisDB       int    `yaml:"redis_db"`       // Redis database number
	RedisPrefix   string `yaml:"redis_prefix"`   // Key prefix for session hashes
}

// TLSConfig defines TLS settings for the HTTP server
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Session backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendCookie = "cookie"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			HTTP: ":9000",
		},
		OIDC: OIDCConfig{
			Scopes:    []string{"openid", "profile", "email"},
			RoleClaim: "realm_access.roles",
		},
		Session: SessionConfig{
			Backend:     BackendMemory,
			Timeout:     3600, // 1 hour
			CookieName:  "oidc_session",
			RedisPrefix: "oidc-session",
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	// OIDC overrides
	if v := os.Getenv("OIDC_SESSION_OIDC_ISSUER"); v != "" {
		c.OIDC.Issuer = v
	}
	if v := os.Getenv("OIDC_SESSION_OIDC_CLIENT_ID"); v != "" {
		c.OIDC.ClientID = v
	}
	if v := os.Getenv("OIDC_SESSION_OIDC_CLIENT_SECRET"); v != "" {
		c.OIDC.ClientSecret = v
	}
	if v := os.Getenv("OIDC_SESSION_OIDC_REDIRECT_URI"); v != "" {
		c.OIDC.RedirectURI = v
	}

	// Session overrides
	if v := os.Getenv("OIDC_SESSION_BACKEND"); v != "" {
		c.Session.Backend = v
	}
	if v := os.Getenv("OIDC_SESSION_HASH_KEY"); v != "" {
		c.Session.HashKey = v
	}
	if v := os.Getenv("OIDC_SESSION_BLOCK_KEY"); v != "" {
		c.Session.BlockKey = v
	}
	if v := os.Getenv("OIDC_SESSION_REDIS_ADDR"); v != "" {
		c.Session.RedisAddr = v
	}
	if v := os.Getenv("OIDC_SESSION_REDIS_USERNAME"); v != "" {
		c.Session.RedisUsername = v
	}
	if v := os.Getenv("OIDC_SESSION_REDIS_PASSWORD"); v != "" {
		c.Session.RedisPassword = v
	}

	// Log overrides
	if v := os.Getenv("OIDC_SESSION_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("OIDC_SESSION_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	if v := os.Getenv("OIDC_SESSION_LISTEN_HTTP"); v != "" {
		c.Listen.HTTP = v
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.OIDC.Issuer == "" {
		return fmt.Errorf("oidc.issuer is required")
	}
	if !isHTTPURL(c.OIDC.Issuer) {
		return fmt.Errorf("oidc.issuer must be a valid HTTP(S) URL")
	}

	if c.OIDC.ClientID == "" {
		return fmt.Errorf("oidc.client_id is required")
	}

	if c.OIDC.RedirectURI == "" {
		return fmt.Errorf("oidc.redirect_uri is required")
	}
	if !isHTTPURL(c.OIDC.RedirectURI) {
		return fmt.Errorf("oidc.redirect_uri must be a valid HTTP(S) URL")
	}
	if c.OIDC.PostLogoutRedirectURI != "" && !isHTTPURL(c.OIDC.PostLogoutRedirectURI) {
		return fmt.Errorf("oidc.post_logout_redirect_uri must be a valid HTTP(S) URL")
	}

	if len(c.OIDC.Scopes) == 0 {
		return fmt.Errorf("oidc.scopes must contain at least 'openid'")
	}
	hasOpenID := false
	for _, scope := range c.OIDC.Scopes {
		if scope == "openid" {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return fmt.Errorf("oidc.scopes must include 'openid'")
	}
	if len(c.OIDC.RequiredRoles) > 0 && c.OIDC.RoleClaim == "" {
		return fmt.Errorf("oidc.role_claim is required when oidc.required_roles is set")
	}

	// Validate session config
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("session.timeout must be positive")
	}
	if c.Session.CookieName == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	switch c.Session.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Session.RedisAddr == "" {
			return fmt.Errorf("session.redis_addr is required for the redis backend")
		}
	case BackendCookie:
		if len(c.Session.HashKey) < 32 {
			return fmt.Errorf("session.hash_key must be at least 32 bytes for the cookie backend")
		}
		if n := len(c.Session.BlockKey); n != 0 && n != 16 && n != 24 && n != 32 {
			return fmt.Errorf("session.block_key must be 16, 24 or 32 bytes")
		}
	default:
		return fmt.Errorf("session.backend must be one of: memory, redis, cookie")
	}

	// Validate TLS config
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}

		if _, err := os.Stat(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file not found: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file not found: %w", err)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	if c.Listen.HTTP == "" {
		return fmt.Errorf("listen.http is required")
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a deep-enough copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	if c.OIDC.Scopes != nil {
		redacted.OIDC.Scopes = make([]string, len(c.OIDC.Scopes))
		copy(redacted.OIDC.Scopes, c.OIDC.Scopes)
	}
	if c.OIDC.RequiredRoles != nil {
		redacted.OIDC.RequiredRoles = make([]string, len(c.OIDC.RequiredRoles))
		copy(redacted.OIDC.RequiredRoles, c.OIDC.RequiredRoles)
	}
	if redacted.OIDC.ClientSecret != "" {
		redacted.OIDC.ClientSecret = "[REDACTED]"
	}
	if redacted.Session.HashKey != "" {
		redacted.Session.HashKey = "[REDACTED]"
	}
	if redacted.Session.BlockKey != "" {
		redacted.Session.BlockKey = "[REDACTED]"
	}
	if redacted.Session.RedisPassword != "" {
		redacted.Session.RedisPassword = "[REDACTED]"
	}
	return &redacted
}
