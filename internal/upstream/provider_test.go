package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testConfig(serverURL string) Config {
	return Config{
		ClientID:              "up-client",
		ClientSecret:          "up-secret",
		AuthorizationEndpoint: serverURL + "/authorize",
		TokenEndpoint:         serverURL + "/token",
		UserInfoEndpoint:      serverURL + "/userinfo",
		Scopes:                []string{"read"},
		CallbackURL:           "https://server.example.com/oauth/callback",
	}
}

func TestNewProviderValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing client id", func(c *Config) { c.ClientID = "" }},
		{"missing auth endpoint", func(c *Config) { c.AuthorizationEndpoint = "" }},
		{"missing token endpoint", func(c *Config) { c.TokenEndpoint = "" }},
		{"missing userinfo endpoint", func(c *Config) { c.UserInfoEndpoint = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("https://idp.example.com")
			tt.mutate(&cfg)
			if _, err := NewProvider(cfg); err == nil {
				t.Error("NewProvider accepted invalid config")
			}
		})
	}
}

func TestAuthCodeURL(t *testing.T) {
	p, err := NewProvider(testConfig("https://idp.example.com"))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	u := p.AuthCodeURL("state-token")
	for _, want := range []string{"https://idp.example.com/authorize", "state=state-token", "client_id=up-client"} {
		if !strings.Contains(u, want) {
			t.Errorf("AuthCodeURL = %q, missing %q", u, want)
		}
	}
}

func TestExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "up-access",
			"refresh_token": "up-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	p, err := NewProvider(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	tok, err := p.Exchange(context.Background(), "upstream-code")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if tok.AccessToken != "up-access" || tok.RefreshToken != "up-refresh" {
		t.Errorf("token = %+v, want up-access/up-refresh", tok)
	}
	if time.Until(tok.ExpiresAt) < 50*time.Minute {
		t.Errorf("expiry %v too soon", tok.ExpiresAt)
	}
}

func TestExchangeInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "code expired",
		})
	}))
	defer srv.Close()

	p, err := NewProvider(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	_, err = p.Exchange(context.Background(), "bad-code")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("Exchange() error = %v, want ErrInvalidGrant", err)
	}
}

func TestRefreshPreservesRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// No refresh_token in the response: the provider did not rotate.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "up-access-2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	p, err := NewProvider(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	tok, err := p.Refresh(context.Background(), "original-refresh")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tok.AccessToken != "up-access-2" {
		t.Errorf("access token = %q, want up-access-2", tok.AccessToken)
	}
	if tok.RefreshToken != "original-refresh" {
		t.Errorf("refresh token = %q, want original preserved", tok.RefreshToken)
	}
}

func TestFetchUserInfo(t *testing.T) {
	tests := []struct {
		name         string
		body         map[string]any
		wantID       string
		wantUsername string
		wantErr      bool
	}{
		{
			name:         "id and username",
			body:         map[string]any{"id": "u-1", "username": "alice"},
			wantID:       "u-1",
			wantUsername: "alice",
		},
		{
			name:         "sub and login spellings",
			body:         map[string]any{"sub": "u-2", "login": "bob"},
			wantID:       "u-2",
			wantUsername: "bob",
		},
		{
			name:         "name fallback",
			body:         map[string]any{"id": "u-3", "name": "Carol"},
			wantID:       "u-3",
			wantUsername: "Carol",
		},
		{
			name:    "no user id",
			body:    map[string]any{"username": "nobody"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("Authorization"); got != "Bearer the-token" {
					t.Errorf("Authorization header = %q", got)
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(tt.body)
			}))
			defer srv.Close()

			p, err := NewProvider(testConfig(srv.URL))
			if err != nil {
				t.Fatalf("NewProvider() error = %v", err)
			}

			info, err := p.FetchUserInfo(context.Background(), "the-token")
			if tt.wantErr {
				if err == nil {
					t.Error("FetchUserInfo() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchUserInfo() error = %v", err)
			}
			if info.ID != tt.wantID || info.Username != tt.wantUsername {
				t.Errorf("info = %+v, want id=%q username=%q", info, tt.wantID, tt.wantUsername)
			}
		})
	}
}

func TestFetchUserInfoNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, err := NewProvider(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if _, err := p.FetchUserInfo(context.Background(), "revoked"); err == nil {
		t.Error("FetchUserInfo() succeeded on 401 response")
	}
}
