// Package tokens mints this server's own signed access tokens and random
// refresh tokens, and verifies PKCE challenges.
package tokens

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/taskbridge/taskbridge/internal/storage"
)

// PKCE challenge methods per RFC 7636.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// DefaultAccessTokenTTL is the issued access token lifetime.
const DefaultAccessTokenTTL = time.Hour

var (
	// ErrPKCEMismatch indicates the verifier does not match the stored
	// challenge. Verification always fails closed.
	ErrPKCEMismatch = errors.New("pkce verifier does not match challenge")

	// ErrUnsupportedChallengeMethod indicates an unknown
	// code_challenge_method value.
	ErrUnsupportedChallengeMethod = errors.New("unsupported code challenge method")
)

// Issuer signs access tokens for sessions. Tokens are HS256 JWTs carrying
// the session id, the upstream user identity, and the granted scopes.
type Issuer struct {
	issuerURL string
	secret    []byte
	accessTTL time.Duration
}

// Option configures the issuer.
type Option func(*Issuer)

// WithAccessTokenTTL overrides the access token lifetime.
func WithAccessTokenTTL(d time.Duration) Option {
	return func(i *Issuer) { i.accessTTL = d }
}

// NewIssuer creates an issuer. issuerURL becomes the iss claim; secret is
// the HMAC signing key.
func NewIssuer(issuerURL string, secret []byte, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret is required")
	}
	i := &Issuer{
		issuerURL: strings.TrimSuffix(issuerURL, "/"),
		secret:    secret,
		accessTTL: DefaultAccessTokenTTL,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// AccessTokenTTL returns the configured access token lifetime.
func (i *Issuer) AccessTokenTTL() time.Duration {
	return i.accessTTL
}

// MintAccessToken signs a fresh access token for the session.
func (i *Issuer) MintAccessToken(sess *storage.Session) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(i.accessTTL)

	claims := jwt.MapClaims{
		"iss":      i.issuerURL,
		"sub":      sess.UserID,
		"aud":      sess.ClientID,
		"sid":      sess.ID,
		"scope":    strings.Join(sess.Scopes, " "),
		"username": sess.Username,
		"iat":      now.Unix(),
		"exp":      expiresAt.Unix(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseAccessToken validates a token's signature and expiry and returns its
// session id claim.
func (i *Issuer) ParseAccessToken(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuerURL), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("parsing access token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims type")
	}
	sid, _ := claims["sid"].(string)
	if sid == "" {
		return "", fmt.Errorf("access token carries no session id")
	}
	return sid, nil
}

// NewRefreshToken generates a cryptographically random refresh token.
func NewRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// VerifyPKCE checks a code_verifier against the stored challenge. S256
// expects challenge == base64url(SHA-256(verifier)); plain compares the
// strings directly. Comparisons are constant time.
func VerifyPKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return ErrPKCEMismatch
	}
	switch method {
	case PKCEMethodS256, "":
		computed := oauth2.S256ChallengeFromVerifier(verifier)
		if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
			return ErrPKCEMismatch
		}
	case PKCEMethodPlain:
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) != 1 {
			return ErrPKCEMismatch
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedChallengeMethod, method)
	}
	return nil
}
