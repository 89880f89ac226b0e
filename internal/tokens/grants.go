package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taskbridge/taskbridge/internal/clients"
	"github.com/taskbridge/taskbridge/internal/storage"
	"github.com/taskbridge/taskbridge/internal/store"
	"github.com/taskbridge/taskbridge/internal/upstream"
)

// UpstreamRefreshBuffer is how close to expiry the upstream token may get
// before a refresh grant proactively renews it.
const UpstreamRefreshBuffer = 5 * time.Minute

// ErrInvalidGrant covers every rejected exchange: missing or already-used
// codes, expired artifacts, PKCE mismatches, redirect mismatches, unknown
// refresh tokens, and failed upstream refreshes.
var ErrInvalidGrant = errors.New("invalid grant")

// Service implements the token endpoint's grant logic over the session
// store.
type Service struct {
	store         *store.Store
	issuer        *Issuer
	provider      *upstream.Provider
	registry      *clients.Registry
	refreshBuffer time.Duration
	logger        *slog.Logger
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithServiceLogger sets a custom logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithUpstreamRefreshBuffer overrides the proactive refresh window.
func WithUpstreamRefreshBuffer(d time.Duration) ServiceOption {
	return func(s *Service) { s.refreshBuffer = d }
}

// NewService creates a grant service.
func NewService(st *store.Store, issuer *Issuer, provider *upstream.Provider, registry *clients.Registry, opts ...ServiceOption) *Service {
	s := &Service{
		store:         st,
		issuer:        issuer,
		provider:      provider,
		registry:      registry,
		refreshBuffer: UpstreamRefreshBuffer,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExchangeAuthorizationCode redeems a single-use authorization code for a
// fresh token pair. The code is consumed up front, so a second exchange of
// the same value fails regardless of how the first attempt ended.
func (s *Service) ExchangeAuthorizationCode(ctx context.Context, code, verifier, redirectURI, clientID, clientSecret string) (*Response, error) {
	c := s.store.ConsumeAuthorizationCode(code)
	if c == nil {
		return nil, fmt.Errorf("%w: authorization code is invalid or already used", ErrInvalidGrant)
	}
	if time.Now().After(c.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", ErrInvalidGrant)
	}
	if err := s.registry.CheckGrant(c.ClientID, "authorization_code", clientID, clientSecret); err != nil {
		return nil, err
	}
	if c.CodeChallenge != "" {
		if err := VerifyPKCE(c.CodeChallenge, c.CodeChallengeMethod, verifier); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
		}
	}
	if c.RedirectURI != "" && redirectURI != c.RedirectURI {
		return nil, fmt.Errorf("%w: redirect_uri does not match", ErrInvalidGrant)
	}

	sess := s.store.GetSession(c.SessionID)
	if sess == nil {
		return nil, fmt.Errorf("%w: session no longer exists", ErrInvalidGrant)
	}

	resp, err := s.rotateTokens(sess)
	if err != nil {
		return nil, err
	}
	s.logger.Info("authorization code exchanged",
		"client_id", c.ClientID,
		"username", sess.Username)
	return resp, nil
}

// Refresh redeems a refresh token for a fresh token pair. When the upstream
// token is within the refresh buffer of expiry it is renewed against the
// provider first; an upstream failure rejects the whole grant, since the
// session's upstream credential is no longer usable.
func (s *Service) Refresh(ctx context.Context, refreshToken, clientID, clientSecret string) (*Response, error) {
	sess := s.store.GetSessionByRefreshToken(refreshToken)
	if sess == nil {
		return nil, fmt.Errorf("%w: unknown refresh token", ErrInvalidGrant)
	}
	if err := s.registry.CheckGrant(sess.ClientID, "refresh_token", clientID, clientSecret); err != nil {
		return nil, err
	}

	if s.upstreamNeedsRefresh(sess) {
		upTok, err := s.provider.Refresh(ctx, sess.UpstreamRefreshToken)
		if err != nil {
			return nil, fmt.Errorf("%w: upstream refresh failed: %v", ErrInvalidGrant, err)
		}
		s.store.UpdateSession(sess.ID, storage.SessionPatch{
			UpstreamAccessToken:  &upTok.AccessToken,
			UpstreamRefreshToken: &upTok.RefreshToken,
			UpstreamExpiresAt:    &upTok.ExpiresAt,
		})
		sess.UpstreamAccessToken = upTok.AccessToken
		sess.UpstreamRefreshToken = upTok.RefreshToken
		sess.UpstreamExpiresAt = upTok.ExpiresAt
		s.logger.Info("upstream token refreshed", "username", sess.Username)
	}

	resp, err := s.rotateTokens(sess)
	if err != nil {
		return nil, err
	}
	s.logger.Info("refresh token exchanged",
		"client_id", sess.ClientID,
		"username", sess.Username)
	return resp, nil
}

func (s *Service) upstreamNeedsRefresh(sess *storage.Session) bool {
	if sess.UpstreamRefreshToken == "" || sess.UpstreamExpiresAt.IsZero() {
		return false
	}
	return time.Until(sess.UpstreamExpiresAt) < s.refreshBuffer
}

// rotateTokens mints a fresh pair and persists it onto the session.
func (s *Service) rotateTokens(sess *storage.Session) (*Response, error) {
	access, expiresAt, err := s.issuer.MintAccessToken(sess)
	if err != nil {
		return nil, err
	}
	refresh, err := NewRefreshToken()
	if err != nil {
		return nil, err
	}
	if !s.store.UpdateSession(sess.ID, storage.SessionPatch{
		AccessToken:    &access,
		RefreshToken:   &refresh,
		TokenExpiresAt: &expiresAt,
	}) {
		return nil, fmt.Errorf("%w: session no longer exists", ErrInvalidGrant)
	}
	return NewResponse(access, refresh, expiresAt, strings.Join(sess.Scopes, " ")), nil
}
