package tokens

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/taskbridge/taskbridge/internal/storage"
)

func testIssuer(t *testing.T, opts ...Option) *Issuer {
	t.Helper()
	i, err := NewIssuer("https://server.example.com", []byte("test-secret"), opts...)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	return i
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	if _, err := NewIssuer("https://server.example.com", nil); err == nil {
		t.Error("NewIssuer accepted an empty secret")
	}
}

func TestMintAndParseAccessToken(t *testing.T) {
	i := testIssuer(t)
	sess := &storage.Session{
		ID:       "sess-1",
		UserID:   "u-1",
		Username: "alice",
		ClientID: "c-1",
		Scopes:   []string{"read", "write"},
	}

	token, expiresAt, err := i.MintAccessToken(sess)
	if err != nil {
		t.Fatalf("MintAccessToken() error = %v", err)
	}
	if until := time.Until(expiresAt); until < 59*time.Minute || until > 61*time.Minute {
		t.Errorf("expiry %v not within the default hour", until)
	}

	sid, err := i.ParseAccessToken(token)
	if err != nil {
		t.Fatalf("ParseAccessToken() error = %v", err)
	}
	if sid != "sess-1" {
		t.Errorf("session id = %q, want sess-1", sid)
	}
}

func TestParseAccessTokenRejectsForgeries(t *testing.T) {
	i := testIssuer(t)
	sess := &storage.Session{ID: "sess-1", UserID: "u-1", ClientID: "c-1"}
	token, _, err := i.MintAccessToken(sess)
	if err != nil {
		t.Fatalf("MintAccessToken() error = %v", err)
	}

	other, err := NewIssuer("https://server.example.com", []byte("different-secret"))
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	if _, err := other.ParseAccessToken(token); err == nil {
		t.Error("token signed with another secret was accepted")
	}

	wrongIssuer, err := NewIssuer("https://impostor.example.com", []byte("test-secret"))
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	if _, err := wrongIssuer.ParseAccessToken(token); err == nil {
		t.Error("token with mismatched issuer was accepted")
	}
}

func TestParseAccessTokenRejectsExpired(t *testing.T) {
	i := testIssuer(t, WithAccessTokenTTL(-time.Minute))
	sess := &storage.Session{ID: "sess-1", UserID: "u-1", ClientID: "c-1"}
	token, _, err := i.MintAccessToken(sess)
	if err != nil {
		t.Fatalf("MintAccessToken() error = %v", err)
	}
	if _, err := i.ParseAccessToken(token); err == nil {
		t.Error("expired token was accepted")
	}
}

func TestNewRefreshToken(t *testing.T) {
	a, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken() error = %v", err)
	}
	b, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken() error = %v", err)
	}
	if a == b {
		t.Error("two refresh tokens are identical")
	}
	if len(a) < 40 {
		t.Errorf("refresh token suspiciously short: %d chars", len(a))
	}
}

func TestVerifyPKCE(t *testing.T) {
	verifier := "test-verifier-value-with-enough-entropy-0123456789"
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   error
	}{
		{
			name:      "S256 match",
			challenge: challenge,
			method:    PKCEMethodS256,
			verifier:  verifier,
		},
		{
			name:      "empty method defaults to S256",
			challenge: challenge,
			method:    "",
			verifier:  verifier,
		},
		{
			name:      "S256 mismatch",
			challenge: challenge,
			method:    PKCEMethodS256,
			verifier:  "some-other-verifier",
			wantErr:   ErrPKCEMismatch,
		},
		{
			name:      "plain match",
			challenge: "plain-value",
			method:    PKCEMethodPlain,
			verifier:  "plain-value",
		},
		{
			name:      "plain mismatch",
			challenge: "plain-value",
			method:    PKCEMethodPlain,
			verifier:  "other-value",
			wantErr:   ErrPKCEMismatch,
		},
		{
			name:      "empty verifier fails closed",
			challenge: challenge,
			method:    PKCEMethodS256,
			verifier:  "",
			wantErr:   ErrPKCEMismatch,
		},
		{
			name:      "unsupported method",
			challenge: challenge,
			method:    "S512",
			verifier:  verifier,
			wantErr:   ErrUnsupportedChallengeMethod,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyPKCE(tt.challenge, tt.method, tt.verifier)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("VerifyPKCE() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyPKCE() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
