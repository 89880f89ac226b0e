package deviceflow

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskbridge/taskbridge/internal/clients"
	"github.com/taskbridge/taskbridge/internal/storage"
	"github.com/taskbridge/taskbridge/internal/store"
	"github.com/taskbridge/taskbridge/internal/tokens"
	"github.com/taskbridge/taskbridge/internal/upstream"
	"github.com/taskbridge/taskbridge/internal/validation"
)

// GrantTypeDeviceCode is the device grant URN per RFC 8628 section 3.4.
const GrantTypeDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"

const (
	// MinExpiryDuration is the minimum code lifetime per RFC 8628
	MinExpiryDuration = 10 * time.Minute

	// DefaultExpiryDuration is the code lifetime when none is configured
	DefaultExpiryDuration = 15 * time.Minute

	// MinPollInterval is the minimum interval between poll requests
	MinPollInterval = 5 * time.Second

	// verifyPath is where users enter their code, relative to the base URL
	verifyPath = "/oauth/device/verify"
)

// Flow manages the device authorization grant: it hands out device and user
// codes, bridges the user's out-of-band upstream authorization back to the
// waiting device, and answers token polls.
type Flow struct {
	store    *store.Store
	registry *clients.Registry
	provider *upstream.Provider
	issuer   *tokens.Issuer
	baseURL  string
	scopes   []string
	expiry   time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// Option configures the flow manager.
type Option func(*Flow)

// WithExpiryDuration sets the code lifetime. Values below the RFC 8628
// minimum are raised to it.
func WithExpiryDuration(d time.Duration) Option {
	return func(f *Flow) { f.expiry = d }
}

// WithPollInterval sets the minimum interval between polls. Values below
// the minimum are raised to it.
func WithPollInterval(d time.Duration) Option {
	return func(f *Flow) { f.interval = d }
}

// WithScopes sets the scopes granted to sessions created by this flow.
func WithScopes(scopes []string) Option {
	return func(f *Flow) { f.scopes = scopes }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Flow) { f.logger = logger }
}

// NewFlow creates a device flow manager.
func NewFlow(s *store.Store, registry *clients.Registry, provider *upstream.Provider, issuer *tokens.Issuer, baseURL string, opts ...Option) *Flow {
	f := &Flow{
		store:    s,
		registry: registry,
		provider: provider,
		issuer:   issuer,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		expiry:   DefaultExpiryDuration,
		interval: MinPollInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.expiry < MinExpiryDuration {
		f.expiry = MinExpiryDuration
	}
	if f.interval < MinPollInterval {
		f.interval = MinPollInterval
	}
	return f
}

// StartRequest carries the client's device authorization request.
type StartRequest struct {
	ClientID            string
	CodeChallenge       string
	CodeChallengeMethod string
	ClientState         string
	RedirectURI         string
}

// StartResponse is the RFC 8628 section 3.2 device authorization response.
type StartResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// Start begins a device grant: it generates the device and user codes,
// stores the flow state, and returns the verification details the device
// shows to its user.
func (f *Flow) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	deviceCode, err := generateDeviceCode()
	if err != nil {
		return nil, err
	}
	userCode, err := generateUserCode()
	if err != nil {
		return nil, err
	}
	flowState, err := newFlowState()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	display := validation.FormatCode(userCode)
	verificationURI := f.baseURL + verifyPath
	verificationURIComplete := verificationURI + "?code=" + url.QueryEscape(display)

	f.store.CreateDeviceFlow(&storage.DeviceFlowState{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		FlowState:               flowState,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURIComplete,
		ExpiresAt:               now.Add(f.expiry),
		Interval:                int(f.interval.Seconds()),
		ClientID:                req.ClientID,
		CodeChallenge:           req.CodeChallenge,
		CodeChallengeMethod:     req.CodeChallengeMethod,
		ClientState:             req.ClientState,
		RedirectURI:             req.RedirectURI,
		CreatedAt:               now,
	})

	f.logger.Info("device flow started",
		"client_id", req.ClientID,
		"user_code", display)

	return &StartResponse{
		DeviceCode:              deviceCode,
		UserCode:                display,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURIComplete,
		ExpiresIn:               int(f.expiry.Seconds()),
		Interval:                int(f.interval.Seconds()),
	}, nil
}

// VerifyUserCode resolves a user-entered code and returns the upstream
// authorization URL the user's browser should be sent to.
func (f *Flow) VerifyUserCode(ctx context.Context, userCode string) (string, error) {
	if err := validation.ValidateUserCode(userCode); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidUserCode, err)
	}

	flow := f.store.GetDeviceFlowByUserCode(validation.NormalizeCode(userCode))
	if flow == nil {
		return "", ErrInvalidUserCode
	}
	if time.Now().After(flow.ExpiresAt) {
		f.store.DeleteDeviceFlow(flow.DeviceCode)
		return "", ErrExpiredCode
	}
	if flow.SessionID != "" || flow.Denied {
		return "", ErrInvalidUserCode
	}

	return f.provider.AuthCodeURL(flow.FlowState), nil
}

// CompleteAuthorization finishes the out-of-band half of the grant: the
// upstream provider has redirected back with a code, so exchange it, resolve
// the user, materialize a session, and mark the flow authorized for the next
// poll.
func (f *Flow) CompleteAuthorization(ctx context.Context, flowState, upstreamCode string) error {
	flow := f.store.GetDeviceFlowByState(flowState)
	if flow == nil {
		return ErrInvalidFlowState
	}
	if time.Now().After(flow.ExpiresAt) {
		f.store.DeleteDeviceFlow(flow.DeviceCode)
		return ErrExpiredCode
	}

	upTok, err := f.provider.Exchange(ctx, upstreamCode)
	if err != nil {
		return fmt.Errorf("exchanging upstream code: %w", err)
	}
	info, err := f.provider.FetchUserInfo(ctx, upTok.AccessToken)
	if err != nil {
		return fmt.Errorf("fetching user info: %w", err)
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
		return err
	}
	refresh, err := tokens.NewRefreshToken()
	if err != nil {
		return err
	}
	sess.AccessToken = access
	sess.RefreshToken = refresh
	sess.TokenExpiresAt = expiresAt

	f.store.CreateSession(sess)
	if !f.store.AuthorizeDeviceFlow(flow.DeviceCode, sess.ID) {
		// Flow expired between lookup and authorization.
		f.store.DeleteSession(sess.ID)
		return ErrExpiredCode
	}

	f.logger.Info("device flow authorized",
		"client_id", flow.ClientID,
		"username", info.Username)
	return nil
}

// Deny records that the user refused authorization. The waiting device
// learns of it on its next poll.
func (f *Flow) Deny(ctx context.Context, flowState string) error {
	flow := f.store.GetDeviceFlowByState(flowState)
	if flow == nil {
		return ErrInvalidFlowState
	}
	if !f.store.DenyDeviceFlow(flow.DeviceCode) {
		return ErrInvalidFlowState
	}
	f.logger.Info("device flow denied", "client_id", flow.ClientID)
	return nil
}

// Poll answers one token poll from the waiting device. On success the flow
// state is deleted and a fresh token pair is returned; the same device code
// is never redeemable twice. A poll inside the interval window reports
// slow_down without restarting the window.
func (f *Flow) Poll(ctx context.Context, deviceCode, verifier, clientID, clientSecret string) (*tokens.Response, error) {
	flow := f.store.GetDeviceFlow(deviceCode)
	if flow == nil {
		return nil, ErrInvalidDeviceCode
	}

	now := time.Now()
	if now.After(flow.ExpiresAt) {
		f.store.DeleteDeviceFlow(deviceCode)
		return nil, ErrExpiredCode
	}
	if flow.Denied {
		f.store.DeleteDeviceFlow(deviceCode)
		return nil, ErrAccessDenied
	}

	if err := f.registry.CheckGrant(flow.ClientID, GrantTypeDeviceCode, clientID, clientSecret); err != nil {
		return nil, err
	}

	interval := time.Duration(flow.Interval) * time.Second
	if !flow.LastPoll.IsZero() && now.Sub(flow.LastPoll) < interval {
		return nil, ErrSlowDown
	}
	f.store.TouchDeviceFlowPoll(deviceCode, now)

	if flow.SessionID == "" {
		return nil, ErrPendingAuthorization
	}

	if flow.CodeChallenge != "" {
		if err := tokens.VerifyPKCE(flow.CodeChallenge, flow.CodeChallengeMethod, verifier); err != nil {
			return nil, err
		}
	}

	sess := f.store.GetSession(flow.SessionID)
	if sess == nil {
		f.store.DeleteDeviceFlow(deviceCode)
		return nil, ErrInvalidDeviceCode
	}

	access, expiresAt, err := f.issuer.MintAccessToken(sess)
	if err != nil {
		return nil, err
	}
	refresh, err := tokens.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	f.store.UpdateSession(sess.ID, storage.SessionPatch{
		AccessToken:    &access,
		RefreshToken:   &refresh,
		TokenExpiresAt: &expiresAt,
	})
	f.store.DeleteDeviceFlow(deviceCode)

	f.logger.Info("device flow consumed",
		"client_id", flow.ClientID,
		"username", sess.Username)

	return tokens.NewResponse(access, refresh, expiresAt, strings.Join(sess.Scopes, " ")), nil
}
