// Package authflow implements the redirect-based authorization-code grant
// with PKCE, bridging a client's own redirect contract to the upstream
// provider's callback.
package authflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/taskbridge/taskbridge/internal/clients"
	"github.com/taskbridge/taskbridge/internal/storage"
	"github.com/taskbridge/taskbridge/internal/store"
	"github.com/taskbridge/taskbridge/internal/tokens"
	"github.com/taskbridge/taskbridge/internal/upstream"
)

const (
	// DefaultFlowTTL bounds how long a started flow may wait for the
	// upstream callback.
	DefaultFlowTTL = 10 * time.Minute

	// DefaultCodeTTL is the authorization code lifetime. Codes are
	// short-lived by design: minutes, not days.
	DefaultCodeTTL = 5 * time.Minute
)

// Errors surfaced by the authorization-code grant.
var (
	// ErrInvalidRedirectURI indicates the redirect URI is missing,
	// malformed, or not on the client's allow-list
	ErrInvalidRedirectURI = errors.New("invalid redirect URI")

	// ErrMissingState indicates the client omitted its state parameter
	ErrMissingState = errors.New("state parameter is required")

	// ErrInvalidFlowState indicates an unknown or expired upstream state
	// token on the callback
	ErrInvalidFlowState = errors.New("invalid flow state")
)

// Flow manages redirect-based authorization. Each started flow gets an
// internal state token distinct from the client's own state parameter, so
// concurrently started flows from different clients can never collide.
type Flow struct {
	store    *store.Store
	registry *clients.Registry
	provider *upstream.Provider
	issuer   *tokens.Issuer
	scopes   []string
	flowTTL  time.Duration
	codeTTL  time.Duration
	logger   *slog.Logger
}

// Option configures the flow manager.
type Option func(*Flow)

// WithFlowTTL overrides how long a started flow waits for the callback.
func WithFlowTTL(d time.Duration) Option {
	return func(f *Flow) { f.flowTTL = d }
}

// WithCodeTTL overrides the authorization code lifetime.
func WithCodeTTL(d time.Duration) Option {
	return func(f *Flow) { f.codeTTL = d }
}

// WithScopes sets the scopes granted to sessions created by this flow.
func WithScopes(scopes []string) Option {
	return func(f *Flow) { f.scopes = scopes }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Flow) { f.logger = logger }
}

// NewFlow creates an authorization-code flow manager.
func NewFlow(s *store.Store, registry *clients.Registry, provider *upstream.Provider, issuer *tokens.Issuer, opts ...Option) *Flow {
	f := &Flow{
		store:    s,
		registry: registry,
		provider: provider,
		issuer:   issuer,
		flowTTL:  DefaultFlowTTL,
		codeTTL:  DefaultCodeTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// StartRequest carries the client's authorization request parameters.
type StartRequest struct {
	ClientID            string
	RedirectURI         string
	ClientState         string
	CodeChallenge       string
	CodeChallengeMethod string
	CallbackURI         string
}

// Start validates the request, stores the flow state, and returns the
// upstream authorization URL to redirect the user's browser to.
func (f *Flow) Start(ctx context.Context, req StartRequest) (string, error) {
	if req.RedirectURI == "" {
		return "", ErrInvalidRedirectURI
	}
	if u, err := url.Parse(req.RedirectURI); err != nil || u.Scheme == "" {
		return "", ErrInvalidRedirectURI
	}
	if !f.registry.IsValidRedirectURI(req.ClientID, req.RedirectURI) {
		return "", ErrInvalidRedirectURI
	}
	if req.ClientState == "" {
		return "", ErrMissingState
	}

	flowState, err := newFlowState()
	if err != nil {
		return "", err
	}

	f.store.CreateAuthCodeFlow(&storage.AuthCodeFlowState{
		FlowState:           flowState,
		ClientID:            req.ClientID,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ClientState:         req.ClientState,
		RedirectURI:         req.RedirectURI,
		CallbackURI:         req.CallbackURI,
		ExpiresAt:           time.Now().Add(f.flowTTL),
	})

	f.logger.Info("authorization flow started", "client_id", req.ClientID)
	return f.provider.AuthCodeURL(flowState), nil
}

// HandleCallback processes the upstream provider's redirect: it exchanges
// the upstream code, materializes a session, mints a single-use
// authorization code bound to the original client, and returns the redirect
// back to the client carrying that code and the client's own state.
func (f *Flow) HandleCallback(ctx context.Context, flowState, upstreamCode string) (string, error) {
	flow := f.store.GetAuthCodeFlow(flowState)
	if flow == nil {
		return "", ErrInvalidFlowState
	}
	f.store.DeleteAuthCodeFlow(flowState)
	if time.Now().After(flow.ExpiresAt) {
		return "", ErrInvalidFlowState
	}

	upTok, err := f.provider.Exchange(ctx, upstreamCode)
	if err != nil {
		return "", fmt.Errorf("exchanging upstream code: %w", err)
	}
	info, err := f.provider.FetchUserInfo(ctx, upTok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("fetching user info: %w", err)
	}

	sess := &storage.Session{
		ID:                   uuid.NewString(),
		UpstreamAccessToken:  upTok.AccessToken,
		UpstreamRefreshToken: upTok.RefreshToken,
		UpstreamExpiresAt:    upTok.ExpiresAt,
		UserID:               info.ID,
		Username:             info.Username,
		ClientID:             flow.ClientID,
		Scopes:               f.scopes,
	}
	access, expiresAt, err := f.issuer.MintAccessToken(sess)
	if err != nil {
		return "", err
	}
	refresh, err := tokens.NewRefreshToken()
	if err != nil {
		return "", err
	}
	sess.AccessToken = access
	sess.RefreshToken = refresh
	sess.TokenExpiresAt = expiresAt
	f.store.CreateSession(sess)

	code, err := newAuthorizationCode()
	if err != nil {
		return "", err
	}
	f.store.CreateAuthorizationCode(&storage.AuthorizationCode{
		Code:                code,
		SessionID:           sess.ID,
		ClientID:            flow.ClientID,
		CodeChallenge:       flow.CodeChallenge,
		CodeChallengeMethod: flow.CodeChallengeMethod,
		RedirectURI:         flow.RedirectURI,
		ExpiresAt:           time.Now().Add(f.codeTTL),
	})

	f.logger.Info("authorization flow completed",
		"client_id", flow.ClientID,
		"username", info.Username)

	return clientRedirect(flow.RedirectURI, code, flow.ClientState)
}

// HandleCallbackError processes an upstream redirect that carries an error
// instead of a code. The flow state is consumed and the client gets the
// error relayed to its own redirect URI along with its state.
func (f *Flow) HandleCallbackError(ctx context.Context, flowState, errorCode string) (string, error) {
	flow := f.store.GetAuthCodeFlow(flowState)
	if flow == nil {
		return "", ErrInvalidFlowState
	}
	f.store.DeleteAuthCodeFlow(flowState)

	u, err := url.Parse(flow.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("parsing redirect URI: %w", err)
	}
	q := u.Query()
	q.Set("error", errorCode)
	q.Set("state", flow.ClientState)
	u.RawQuery = q.Encode()

	f.logger.Info("authorization flow failed upstream",
		"client_id", flow.ClientID,
		"error", errorCode)
	return u.String(), nil
}

// clientRedirect appends the code and state query parameters to the
// client's redirect URI, preserving any query it already carries.
func clientRedirect(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("parsing redirect URI: %w", err)
	}
	q := u.Query()
	q.Set("code", code)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func newFlowState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating flow state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func newAuthorizationCode() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating authorization code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
