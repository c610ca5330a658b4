package oidc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/al-bashkir/oidc-session/internal/config"
)

// fakeHooks keeps attempt values in a map and records redirects.
type fakeHooks struct {
	values    map[string]string
	redirects []string
	started   int
	committed int
	failSet   error
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{values: make(map[string]string)}
}

func (h *fakeHooks) StartAttempt(context.Context) error  { h.started++; return nil }
func (h *fakeHooks) CommitAttempt(context.Context) error { h.committed++; return nil }

func (h *fakeHooks) AttemptValue(_ context.Context, key string) (string, bool, error) {
	v, ok := h.values[key]
	return v, ok, nil
}

func (h *fakeHooks) SetAttemptValue(_ context.Context, key, value string) error {
	if h.failSet != nil {
		return h.failSet
	}
	h.values[key] = value
	return nil
}

func (h *fakeHooks) ClearAttemptValue(_ context.Context, key string) error {
	delete(h.values, key)
	return nil
}

func (h *fakeHooks) Redirect(url string) { h.redirects = append(h.redirects, url) }

// startAttempt runs the first leg of the flow and returns the stored state.
func startAttempt(t *testing.T, p *Provider, hooks *fakeHooks) string {
	t.Helper()

	token, err := p.Authenticate(context.Background(), hooks, url.Values{}, nil)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if token != nil {
		t.Fatal("expected no token when starting an attempt")
	}
	return hooks.values[AttemptState]
}

func TestAuthenticate_StartsAttempt(t *testing.T) {
	idp := newTestIdP(t)
	p := idp.provider(t, nil)
	hooks := newFakeHooks()

	state := startAttempt(t, p, hooks)

	if hooks.started != 1 || hooks.committed != 1 {
		t.Errorf("StartAttempt/CommitAttempt calls = %d/%d, want 1/1", hooks.started, hooks.committed)
	}
	for _, key := range []string{AttemptState, AttemptNonce, AttemptCodeVerifier} {
		if hooks.values[key] == "" {
			t.Errorf("expected attempt %s to be stored", key)
		}
	}
	if len(hooks.redirects) != 1 {
		t.Fatalf("expected 1 redirect, got %d", len(hooks.redirects))
	}

	u, err := url.Parse(hooks.redirects[0])
	if err != nil {
		t.Fatalf("failed to parse auth URL: %v", err)
	}
	if !strings.HasPrefix(hooks.redirects[0], idp.issuer+"/auth") {
		t.Fatalf("expected auth URL to start with %q, got %q", idp.issuer+"/auth", hooks.redirects[0])
	}

	q := u.Query()
	if q.Get("client_id") != testClientID {
		t.Errorf("client_id = %q, want %q", q.Get("client_id"), testClientID)
	}
	if q.Get("redirect_uri") != "http://localhost/callback" {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q, want code", q.Get("response_type"))
	}
	if q.Get("state") != state {
		t.Errorf("state = %q, want %q", q.Get("state"), state)
	}
	if q.Get("nonce") != hooks.values[AttemptNonce] {
		t.Errorf("nonce = %q, want stored nonce", q.Get("nonce"))
	}
	if q.Get("code_challenge") == "" {
		t.Error("expected code_challenge to be set")
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q, want S256", q.Get("code_challenge_method"))
	}
}

func TestAuthenticate_CachedToken(t *testing.T) {
	idp := newTestIdP(t)
	p := idp.provider(t, nil)

	t.Run("valid cached token short-circuits", func(t *testing.T) {
		hooks := newFakeHooks()
		cached := &TokenData{AccessToken: "cached", Expiry: time.Now().Add(time.Hour)}

		token, err := p.Authenticate(context.Background(), hooks, url.Values{}, cached)
		if err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}
		if token != cached {
			t.Error("expected cached token to be returned")
		}
		if len(hooks.redirects) != 0 || len(hooks.values) != 0 {
			t.Error("expected no attempt for a valid cached token")
		}
	})

	t.Run("expired cached token starts an attempt", func(t *testing.T) {
		hooks := newFakeHooks()
		cached := &TokenData{AccessToken: "cached", Expiry: time.Now().Add(-time.Minute)}

		token, err := p.Authenticate(context.Background(), hooks, url.Values{}, cached)
		if err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}
		if token != nil {
			t.Error("expected nil token")
		}
		if len(hooks.redirects) != 1 {
			t.Errorf("expected 1 redirect, got %d", len(hooks.redirects))
		}
	})
}

func TestAuthenticate_Callback(t *testing.T) {
	idp := newTestIdP(t)
	p := idp.provider(t, nil)
	hooks := newFakeHooks()

	state := startAttempt(t, p, hooks)
	verifier := hooks.values[AttemptCodeVerifier]
	idp.nonce = hooks.values[AttemptNonce]

	token, err := p.Authenticate(context.Background(), hooks, url.Values{
		"code":  {"auth-code"},
		"state": {state},
	}, nil)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	if token.AccessToken != "access-123" {
		t.Errorf("AccessToken = %q, want access-123", token.AccessToken)
	}
	if token.RefreshToken != "refresh-456" {
		t.Errorf("RefreshToken = %q, want refresh-456", token.RefreshToken)
	}
	if token.IDToken == "" {
		t.Error("expected IDToken to be set")
	}
	if token.Subject != "user-1" {
		t.Errorf("Subject = %q, want user-1", token.Subject)
	}
	if token.Expiry.IsZero() {
		t.Error("expected Expiry to be set")
	}
	if len(hooks.values) != 0 {
		t.Errorf("expected attempt to be cleared, got %v", hooks.values)
	}

	if len(idp.tokenRequests) != 1 {
		t.Fatalf("expected 1 token request, got %d", len(idp.tokenRequests))
	}
	form := idp.tokenRequests[0]
	if form.Get("code") != "auth-code" {
		t.Errorf("code = %q, want auth-code", form.Get("code"))
	}
	if form.Get("code_verifier") != verifier {
		t.Errorf("code_verifier = %q, want stored verifier", form.Get("code_verifier"))
	}
}

func TestAuthenticate_CallbackFailures(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(idp *testIdP, hooks *fakeHooks)
		modifyCfg    func(*config.OIDCConfig)
		params       func(state string) url.Values
		wantContains string
		wantExchange bool
	}{
		{
			name: "state mismatch",
			params: func(string) url.Values {
				return url.Values{"code": {"c"}, "state": {"forged"}}
			},
			wantContains: "state mismatch",
		},
		{
			name: "missing state",
			params: func(string) url.Values {
				return url.Values{"code": {"c"}}
			},
			wantContains: "state mismatch",
		},
		{
			name: "no attempt stored",
			setup: func(_ *testIdP, hooks *fakeHooks) {
				hooks.values = make(map[string]string)
			},
			params: func(state string) url.Values {
				return url.Values{"code": {"c"}, "state": {state}}
			},
			wantContains: "no state stored",
		},
		{
			name: "nonce mismatch",
			setup: func(idp *testIdP, _ *fakeHooks) {
				idp.nonce = "other-nonce"
			},
			params: func(state string) url.Values {
				return url.Values{"code": {"c"}, "state": {state}}
			},
			wantContains: "nonce mismatch",
			wantExchange: true,
		},
		{
			name: "token endpoint rejects code",
			setup: func(idp *testIdP, _ *fakeHooks) {
				idp.tokenStatus = http.StatusBadRequest
			},
			params: func(state string) url.Values {
				return url.Values{"code": {"c"}, "state": {state}}
			},
			wantContains: "failed to exchange code",
			wantExchange: true,
		},
		{
			name: "missing id_token",
			setup: func(idp *testIdP, _ *fakeHooks) {
				idp.omitIDToken = true
			},
			params: func(state string) url.Values {
				return url.Values{"code": {"c"}, "state": {state}}
			},
			wantContains: "no id_token",
			wantExchange: true,
		},
		{
			name: "wrong audience",
			setup: func(idp *testIdP, hooks *fakeHooks) {
				idp.nonce = hooks.values[AttemptNonce]
				idp.extraClaims = map[string]interface{}{"aud": "someone-else"}
			},
			params: func(state string) url.Values {
				return url.Values{"code": {"c"}, "state": {state}}
			},
			wantContains: "failed to verify ID token",
			wantExchange: true,
		},
		{
			name: "missing required role",
			setup: func(idp *testIdP, hooks *fakeHooks) {
				idp.nonce = hooks.values[AttemptNonce]
				idp.extraClaims = map[string]interface{}{
					"realm_access": map[string]interface{}{"roles": []string{"guest"}},
				}
			},
			modifyCfg: func(c *config.OIDCConfig) {
				c.RequiredRoles = []string{"app-user"}
			},
			params: func(state string) url.Values {
				return url.Values{"code": {"c"}, "state": {state}}
			},
			wantContains: "does not have required roles",
			wantExchange: true,
		},
		{
			name: "error response from provider",
			params: func(string) url.Values {
				return url.Values{"error": {"access_denied"}, "error_description": {"user cancelled"}}
			},
			wantContains: "access_denied: user cancelled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idp := newTestIdP(t)
			p := idp.provider(t, tt.modifyCfg)
			hooks := newFakeHooks()

			state := startAttempt(t, p, hooks)
			if tt.setup != nil {
				tt.setup(idp, hooks)
			}

			token, err := p.Authenticate(context.Background(), hooks, tt.params(state), nil)
			if token != nil {
				t.Error("expected nil token")
			}
			if !errors.Is(err, ErrProtocol) {
				t.Fatalf("error = %v, want ErrProtocol", err)
			}
			if !strings.Contains(err.Error(), tt.wantContains) {
				t.Errorf("error = %v, want error containing %q", err, tt.wantContains)
			}
			if len(hooks.values) != 0 {
				t.Errorf("expected attempt to be cleared, got %v", hooks.values)
			}
			if exchanged := len(idp.tokenRequests) > 0; exchanged != tt.wantExchange {
				t.Errorf("token endpoint called = %v, want %v", exchanged, tt.wantExchange)
			}
		})
	}
}

func TestAuthenticate_StorageFailure(t *testing.T) {
	idp := newTestIdP(t)
	p := idp.provider(t, nil)

	storeErr := errors.New("store down")
	hooks := newFakeHooks()
	hooks.failSet = storeErr

	_, err := p.Authenticate(context.Background(), hooks, url.Values{}, nil)
	if !errors.Is(err, storeErr) {
		t.Fatalf("error = %v, want wrapped store error", err)
	}
	if errors.Is(err, ErrProtocol) {
		t.Error("storage failure must not be reported as a protocol error")
	}
	if len(hooks.redirects) != 0 {
		t.Error("expected no redirect when the attempt could not be stored")
	}
}

func TestTokenDataValid(t *testing.T) {
	tests := []struct {
		name  string
		token *TokenData
		want  bool
	}{
		{"nil token", nil, false},
		{"empty access token", &TokenData{}, false},
		{"id token only", &TokenData{IDToken: "i", Expiry: time.Now().Add(time.Hour)}, true},
		{"no expiry", &TokenData{AccessToken: "a"}, true},
		{"future expiry", &TokenData{AccessToken: "a", Expiry: time.Now().Add(time.Hour)}, true},
		{"within skew", &TokenData{AccessToken: "a", Expiry: time.Now().Add(5 * time.Second)}, false},
		{"expired", &TokenData{AccessToken: "a", Expiry: time.Now().Add(-time.Hour)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.token.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenerateState(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		state, err := generateState()
		if err != nil {
			t.Fatalf("generateState failed: %v", err)
		}

		// Verify length (16 bytes -> 32 hex chars)
		if len(state) != 32 {
			t.Errorf("state length = %d, want 32", len(state))
		}

		for _, c := range state {
			if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
				t.Errorf("state contains non-hex character: %c", c)
			}
		}

		if seen[state] {
			t.Errorf("duplicate state generated: %s", state)
		}

		seen[state] = true
	}
}

func TestGenerateNonce(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		nonce, err := generateNonce()
		if err != nil {
			t.Fatalf("generateNonce failed: %v", err)
		}

		if len(nonce) != 43 {
			t.Errorf("nonce length = %d, want 43", len(nonce))
		}
		if _, err := base64.RawURLEncoding.DecodeString(nonce); err != nil {
			t.Errorf("nonce is not valid base64url: %v", err)
		}
		if seen[nonce] {
			t.Errorf("duplicate nonce generated: %s", nonce)
		}
		seen[nonce] = true
	}
}

// makeTestJWT builds a fake JWT (header.payload.signature) with the given claims payload.
func makeTestJWT(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("failed to marshal claims: %v", err)
	}
	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)
	return header + "." + encodedPayload + ".fakesignature"
}

func TestDecodeJWTPayload(t *testing.T) {
	t.Run("valid JWT", func(t *testing.T) {
		token := makeTestJWT(t, map[string]interface{}{
			"sub":  "user123",
			"name": "Test User",
		})

		claims, err := decodeJWTPayload(token)
		if err != nil {
			t.Fatalf("decodeJWTPayload failed: %v", err)
		}

		if claims["sub"] != "user123" {
			t.Errorf("expected sub=user123, got %v", claims["sub"])
		}
		if claims["name"] != "Test User" {
			t.Errorf("expected name=Test User, got %v", claims["name"])
		}
	})

	t.Run("not a JWT", func(t *testing.T) {
		if _, err := decodeJWTPayload("not-a-jwt"); err == nil {
			t.Error("expected error for non-JWT token")
		}
	})

	t.Run("invalid base64 payload", func(t *testing.T) {
		if _, err := decodeJWTPayload("header.!!!invalid!!!.signature"); err == nil {
			t.Error("expected error for invalid base64 payload")
		}
	})

	t.Run("invalid JSON payload", func(t *testing.T) {
		badPayload := base64.RawURLEncoding.EncodeToString([]byte("not json"))
		if _, err := decodeJWTPayload("header." + badPayload + ".signature"); err == nil {
			t.Error("expected error for invalid JSON payload")
		}
	})
}

func TestMergeAccessTokenClaims(t *testing.T) {
	t.Run("merges role claims from access token", func(t *testing.T) {
		accessToken := makeTestJWT(t, map[string]interface{}{
			"sub": "user123",
			"resource_access": map[string]interface{}{
				"webapp": map[string]interface{}{
					"roles": []interface{}{"app-user", "app-admin"},
				},
			},
			"realm_access": map[string]interface{}{
				"roles": []interface{}{"default-roles"},
			},
		})

		dst := map[string]interface{}{
			"sub":                "user123",
			"preferred_username": "testuser",
		}

		mergeAccessTokenClaims(accessToken, dst)

		if _, ok := dst["resource_access"]; !ok {
			t.Error("expected resource_access to be merged")
		}
		if _, ok := dst["realm_access"]; !ok {
			t.Error("expected realm_access to be merged")
		}
		if dst["preferred_username"] != "testuser" {
			t.Error("ID token claims should be preserved")
		}
	})

	t.Run("does not overwrite existing ID token claims", func(t *testing.T) {
		accessToken := makeTestJWT(t, map[string]interface{}{
			"realm_access": map[string]interface{}{
				"roles": []interface{}{"from-access-token"},
			},
		})

		dst := map[string]interface{}{
			"realm_access": map[string]interface{}{
				"roles": []interface{}{"from-id-token"},
			},
		}

		mergeAccessTokenClaims(accessToken, dst)

		ra := dst["realm_access"].(map[string]interface{})
		roles := ra["roles"].([]interface{})
		if roles[0] != "from-id-token" {
			t.Errorf("expected ID token claim to be preserved, got %v", roles[0])
		}
	})

	t.Run("handles opaque access token gracefully", func(t *testing.T) {
		dst := map[string]interface{}{"sub": "user"}
		mergeAccessTokenClaims("opaque-token-no-dots", dst)
		if len(dst) != 1 {
			t.Error("dst should not be modified for opaque token")
		}
	})
}
