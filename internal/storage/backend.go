package storage

import (
	"context"
	"time"
)

// Backend persists authorization artifacts. While the process is live the
// backend is a replica of the session store's in-memory cache, never an
// independent source of truth; lookups that miss return (nil, nil) rather
// than an error.
//
// Initialize is idempotent and must be called before any other method.
// All other methods are safe for concurrent use after Initialize returns.
type Backend interface {
	Initialize(ctx context.Context) error
	Close() error

	// Sessions
	PutSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByAccessToken(ctx context.Context, token string) (*Session, error)
	GetSessionByRefreshToken(ctx context.Context, token string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	DeleteSession(ctx context.Context, id string) error

	// Device flow states
	PutDeviceFlow(ctx context.Context, f *DeviceFlowState) error
	GetDeviceFlow(ctx context.Context, deviceCode string) (*DeviceFlowState, error)
	GetDeviceFlowByUserCode(ctx context.Context, userCode string) (*DeviceFlowState, error)
	GetDeviceFlowByState(ctx context.Context, flowState string) (*DeviceFlowState, error)
	ListDeviceFlows(ctx context.Context) ([]*DeviceFlowState, error)
	DeleteDeviceFlow(ctx context.Context, deviceCode string) error

	// Authorization-code flow states
	PutAuthCodeFlow(ctx context.Context, f *AuthCodeFlowState) error
	GetAuthCodeFlow(ctx context.Context, flowState string) (*AuthCodeFlowState, error)
	ListAuthCodeFlows(ctx context.Context) ([]*AuthCodeFlowState, error)
	DeleteAuthCodeFlow(ctx context.Context, flowState string) error

	// Authorization codes
	PutAuthorizationCode(ctx context.Context, c *AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
	ListAuthorizationCodes(ctx context.Context) ([]*AuthorizationCode, error)
	DeleteAuthorizationCode(ctx context.Context, code string) error

	// Registered clients
	PutClient(ctx context.Context, c *RegisteredClient) error
	GetClient(ctx context.Context, clientID string) (*RegisteredClient, error)
	ListClients(ctx context.Context) ([]*RegisteredClient, error)
	DeleteClient(ctx context.Context, clientID string) error

	// Transport session bindings: many transport-level connection ids map
	// onto one session.
	BindTransportSession(ctx context.Context, transportID, sessionID string) error
	GetTransportBinding(ctx context.Context, transportID string) (string, error)
	ListTransportBindings(ctx context.Context) (map[string]string, error)
	DeleteTransportBindings(ctx context.Context, sessionID string) error

	// Stats returns per-kind record counts.
	Stats(ctx context.Context) (Stats, error)

	// Cleanup deletes every record past expiry in one pass: sessions older
	// than maxSessionAge relative to now, and flow states / codes whose
	// expiry instant has passed. Implementations backed by a transactional
	// store must delete all-or-nothing; a failed pass reports zero counts
	// and leaves every row intact.
	Cleanup(ctx context.Context, now time.Time, maxSessionAge time.Duration) (CleanupResult, error)
}
