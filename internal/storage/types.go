// Package storage defines the persistence contract for authorization
// artifacts and provides memory, file, SQLite and Redis implementations.
package storage

import "time"

// Session is the durable record of a completed authorization. It binds the
// upstream provider's credential for a user to the token pair this server
// issued for a registered client.
type Session struct {
	ID string `json:"id"`

	// Tokens issued by this server.
	AccessToken    string    `json:"access_token"`
	RefreshToken   string    `json:"refresh_token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`

	// Tokens held against the upstream provider.
	UpstreamAccessToken  string    `json:"upstream_access_token"`
	UpstreamRefreshToken string    `json:"upstream_refresh_token"`
	UpstreamExpiresAt    time.Time `json:"upstream_expires_at"`

	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionPatch is a partial update applied to a Session. Nil fields are left
// unchanged; the two token layers can be replaced independently.
type SessionPatch struct {
	AccessToken    *string
	RefreshToken   *string
	TokenExpiresAt *time.Time

	UpstreamAccessToken  *string
	UpstreamRefreshToken *string
	UpstreamExpiresAt    *time.Time

	Scopes []string // nil means unchanged
}

// DeviceFlowState tracks one in-flight device authorization grant per
// RFC 8628. The device code and user code are each unique while live.
type DeviceFlowState struct {
	DeviceCode              string    `json:"device_code"`
	UserCode                string    `json:"user_code"` // normalized form
	FlowState               string    `json:"flow_state"`
	VerificationURI         string    `json:"verification_uri"`
	VerificationURIComplete string    `json:"verification_uri_complete"`
	ExpiresAt               time.Time `json:"expires_at"`
	Interval                int       `json:"interval"` // minimum poll interval, seconds
	ClientID                string    `json:"client_id"`
	CodeChallenge           string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod     string    `json:"code_challenge_method,omitempty"`
	ClientState             string    `json:"client_state,omitempty"`
	RedirectURI             string    `json:"redirect_uri,omitempty"`

	// SessionID is set once the upstream provider confirms authorization.
	SessionID string `json:"session_id,omitempty"`
	// Denied is set when the user refuses authorization out of band.
	Denied    bool      `json:"denied,omitempty"`
	LastPoll  time.Time `json:"last_poll"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthCodeFlowState tracks one in-flight authorization-code grant, keyed by
// an internally generated state token rather than the client's own state
// parameter so that concurrently started flows from different clients can
// never collide.
type AuthCodeFlowState struct {
	FlowState           string    `json:"flow_state"`
	ClientID            string    `json:"client_id"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	ClientState         string    `json:"client_state"`
	RedirectURI         string    `json:"redirect_uri"`
	CallbackURI         string    `json:"callback_uri"`
	ExpiresAt           time.Time `json:"expires_at"`
	CreatedAt           time.Time `json:"created_at"`
}

// AuthorizationCode is the single-use artifact a client exchanges at the
// token endpoint after upstream authentication succeeds. Reading it for an
// exchange deletes it; it is never redeemable twice.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	SessionID           string    `json:"session_id"`
	ClientID            string    `json:"client_id"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	RedirectURI         string    `json:"redirect_uri,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
	CreatedAt           time.Time `json:"created_at"`
}

// RegisteredClient is the result of dynamic client registration (RFC 7591).
// Records are never mutated after creation.
type RegisteredClient struct {
	ClientID                string    `json:"client_id"`
	ClientSecret            string    `json:"client_secret,omitempty"` // empty for public clients
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	ClientName              string    `json:"client_name,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

// Stats reports per-kind record counts.
type Stats struct {
	Sessions           int `json:"sessions"`
	DeviceFlows        int `json:"device_flows"`
	AuthCodeFlows      int `json:"auth_code_flows"`
	AuthorizationCodes int `json:"authorization_codes"`
	Clients            int `json:"clients"`
	TransportBindings  int `json:"transport_bindings"`
}

// CleanupResult reports how many expired records a cleanup pass removed,
// per artifact kind.
type CleanupResult struct {
	Sessions           int `json:"sessions"`
	DeviceFlows        int `json:"device_flows"`
	AuthCodeFlows      int `json:"auth_code_flows"`
	AuthorizationCodes int `json:"authorization_codes"`
}

// Total returns the number of records removed across all kinds.
func (r CleanupResult) Total() int {
	return r.Sessions + r.DeviceFlows + r.AuthCodeFlows + r.AuthorizationCodes
}
